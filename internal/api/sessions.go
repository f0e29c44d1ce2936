package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/gitops"
	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/pkg/wire"
)

func (s *Server) handleSessionList(c *gin.Context) {
	sessions, err := s.sessions.ListSessions(c.Request.Context(), auth.WorkspaceID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleSessionCreate(c *gin.Context) {
	workspaceID := auth.WorkspaceID(c)
	var body struct {
		RepoURL                  string `json:"repoUrl"`
		Provider                 string `json:"provider"`
		Username                 string `json:"username"`
		Password                 string `json:"password"`
		SSHKey                   string `json:"sshKey"`
		InternetAccess           bool   `json:"internetAccess"`
		DenyGitCredentialsAccess bool   `json:"denyGitCredentialsAccess"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, wire.NewCodedError(wire.HTTPCode(http.StatusBadRequest), "invalid request body"))
		return
	}

	ws, err := s.store.GetWorkspace(c.Request.Context(), workspaceID)
	if err != nil {
		s.fail(c, err)
		return
	}

	var creds *gitops.Credentials
	if body.Username != "" || body.Password != "" || body.SSHKey != "" {
		creds = &gitops.Credentials{
			Username: body.Username,
			Password: body.Password,
			SSHKey:   body.SSHKey,
		}
	}

	sess, err := s.sessions.CreateSession(c.Request.Context(), ws, session.CreateSessionOptions{
		RepoURL:                  body.RepoURL,
		Provider:                 models.Provider(body.Provider),
		Credentials:              creds,
		InternetAccess:           body.InternetAccess,
		DenyGitCredentialsAccess: body.DenyGitCredentialsAccess,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleSessionGet(c *gin.Context) {
	rt, err := s.sessions.SessionForWorkspace(c.Request.Context(), auth.WorkspaceID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	sess := rt.Session()
	c.JSON(http.StatusOK, gin.H{
		"session":   sess,
		"worktrees": rt.Worktrees(),
	})
}

func (s *Server) handleSessionDelete(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()
	if _, err := s.sessions.SessionForWorkspace(ctx, auth.WorkspaceID(c), sessionID); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.sessions.Evict(ctx, sessionID, "requested"); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleWorktreeList(c *gin.Context) {
	rt, err := s.sessions.SessionForWorkspace(c.Request.Context(), auth.WorkspaceID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worktrees": rt.Worktrees()})
}

func (s *Server) handleWorktreeCreate(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()
	if _, err := s.sessions.SessionForWorkspace(ctx, auth.WorkspaceID(c), sessionID); err != nil {
		s.fail(c, err)
		return
	}

	var body struct {
		Title                    string `json:"title"`
		StartingBranch           string `json:"startingBranch"`
		Provider                 string `json:"provider"`
		ParentWorktreeID         string `json:"parentWorktreeId"`
		InternetAccess           *bool  `json:"internetAccess"`
		DenyGitCredentialsAccess *bool  `json:"denyGitCredentialsAccess"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, wire.NewCodedError(wire.HTTPCode(http.StatusBadRequest), "invalid request body"))
		return
	}

	wt, err := s.sessions.CreateWorktree(ctx, sessionID, session.CreateWorktreeOptions{
		Title:                    body.Title,
		StartingBranch:           body.StartingBranch,
		Provider:                 models.Provider(body.Provider),
		ParentWorktreeID:         body.ParentWorktreeID,
		InternetAccess:           body.InternetAccess,
		DenyGitCredentialsAccess: body.DenyGitCredentialsAccess,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, wt)
}

func (s *Server) handleWorktreeDiff(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()
	if _, err := s.sessions.SessionForWorkspace(ctx, auth.WorkspaceID(c), sessionID); err != nil {
		s.fail(c, err)
		return
	}
	diff, err := s.sessions.WorktreeDiff(ctx, sessionID, c.Param("wtid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diff": diff})
}

func (s *Server) handleWorktreeMerge(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()
	if _, err := s.sessions.SessionForWorkspace(ctx, auth.WorkspaceID(c), sessionID); err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.sessions.MergeWorktree(ctx, sessionID, c.Param("wtid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if !res.Merged {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"merged":    res.Merged,
		"conflicts": res.Conflicts,
	})
}

func (s *Server) handleWorktreePush(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()
	if _, err := s.sessions.SessionForWorkspace(ctx, auth.WorkspaceID(c), sessionID); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.sessions.PushWorktree(ctx, sessionID, c.Param("wtid")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleWorktreeDelete(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()
	if _, err := s.sessions.SessionForWorkspace(ctx, auth.WorkspaceID(c), sessionID); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.sessions.RemoveWorktree(ctx, sessionID, c.Param("wtid")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
