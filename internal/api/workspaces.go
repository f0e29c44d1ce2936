package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/pkg/wire"
)

// providerPayload mirrors the provider settings accepted on the wire.
type providerPayload struct {
	Enabled bool `json:"enabled"`
	Auth    *struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"auth,omitempty"`
}

func decodeProviders(in map[string]providerPayload) map[models.Provider]models.ProviderSettings {
	out := make(map[models.Provider]models.ProviderSettings, len(in))
	for name, p := range in {
		settings := models.ProviderSettings{Enabled: p.Enabled}
		if p.Auth != nil {
			settings.Auth = &models.ProviderAuth{Type: p.Auth.Type, Value: p.Auth.Value}
		}
		out[models.Provider(name)] = settings
	}
	return out
}

func (s *Server) handleWorkspaceCreate(c *gin.Context) {
	if s.cfg.Workspace.MonoUser() {
		s.fail(c, wire.NewCodedError(wire.HTTPCode(http.StatusForbidden),
			"workspace creation is disabled in single-tenant mode"))
		return
	}
	var body struct {
		Providers map[string]providerPayload `json:"providers"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, wire.NewCodedError(wire.HTTPCode(http.StatusBadRequest), "invalid request body"))
		return
	}

	ws, err := s.prov.Create(c.Request.Context(), decodeProviders(body.Providers))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"workspaceId": ws.ID,
		"secret":      ws.Secret,
	})
}

func (s *Server) handleWorkspaceUpdate(c *gin.Context) {
	workspaceID := c.Param("id")
	if auth.WorkspaceID(c) != workspaceID {
		s.fail(c, wire.NewCodedError(wire.ErrCodeWorkspaceIDInvalid, "workspace mismatch"))
		return
	}
	var body struct {
		Providers map[string]providerPayload `json:"providers"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, wire.NewCodedError(wire.HTTPCode(http.StatusBadRequest), "invalid request body"))
		return
	}

	ws, err := s.prov.Update(c.Request.Context(), workspaceID, decodeProviders(body.Providers))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workspaceId": ws.ID,
		"providers":   ws.Providers,
		"updatedAt":   ws.UpdatedAt,
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		WorkspaceID string `json:"workspaceId"`
		Secret      string `json:"secret"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, wire.NewCodedError(wire.HTTPCode(http.StatusBadRequest), "invalid request body"))
		return
	}
	pair, err := s.auth.Login(c.Request.Context(), body.WorkspaceID, body.Secret)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) handleRefresh(c *gin.Context) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.RefreshToken == "" {
		s.fail(c, wire.NewCodedError(wire.ErrCodeInvalidRefreshToken, "refresh token required"))
		return
	}
	pair, err := s.auth.Refresh(c.Request.Context(), body.RefreshToken)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) handleHandoffCreate(c *gin.Context) {
	workspaceID := auth.WorkspaceID(c)
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, wire.NewCodedError(wire.HTTPCode(http.StatusBadRequest), "invalid request body"))
		return
	}
	if body.SessionID != "" {
		if _, err := s.sessions.SessionForWorkspace(c.Request.Context(), workspaceID, body.SessionID); err != nil {
			s.fail(c, err)
			return
		}
	}
	token, expiresAt := s.auth.CreateHandoffToken(workspaceID, body.SessionID)
	c.JSON(http.StatusCreated, gin.H{
		"token":     token,
		"expiresAt": expiresAt,
	})
}

func (s *Server) handleHandoffConsume(c *gin.Context) {
	var body struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == "" {
		s.fail(c, wire.NewCodedError(wire.HTTPCode(http.StatusBadRequest), "handoff token required"))
		return
	}
	workspaceID, sessionID, err := s.auth.ConsumeHandoffToken(body.Token)
	if err != nil {
		s.fail(c, err)
		return
	}
	pair, err := s.auth.IssuePair(c.Request.Context(), workspaceID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accessToken":      pair.AccessToken,
		"accessExpiresAt":  pair.AccessExpiresAt,
		"refreshToken":     pair.RefreshToken,
		"refreshExpiresAt": pair.RefreshExpiresAt,
		"sessionId":        sessionID,
	})
}

func (s *Server) handleMonoAuth(c *gin.Context) {
	var body struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == "" {
		s.fail(c, wire.NewCodedError(wire.ErrCodeMonoAuthTokenInvalid, "mono-auth token required"))
		return
	}
	workspaceID, err := s.auth.ConsumeMonoAuthToken(body.Token)
	if err != nil {
		s.fail(c, err)
		return
	}
	pair, err := s.auth.IssuePair(c.Request.Context(), workspaceID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}
