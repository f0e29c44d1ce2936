package wire

import "fmt"

// Wire error codes.
const (
	ErrCodeWorkspaceTokenMissing      = "WORKSPACE_TOKEN_MISSING"
	ErrCodeWorkspaceTokenInvalid      = "WORKSPACE_TOKEN_INVALID"
	ErrCodeWorkspaceCredentialsInvalid = "WORKSPACE_CREDENTIALS_INVALID"
	ErrCodeWorkspaceIDInvalid         = "WORKSPACE_ID_INVALID"
	ErrCodeProviderNotEnabled         = "PROVIDER_NOT_ENABLED"
	ErrCodeProviderInvalid            = "PROVIDER_INVALID"
	ErrCodeProviderInUse              = "PROVIDER_IN_USE"
	ErrCodeSessionNotFound            = "SESSION_NOT_FOUND"
	ErrCodeSessionInvalid             = "SESSION_INVALID"
	ErrCodeWorktreeNotFound           = "WORKTREE_NOT_FOUND"
	ErrCodeBranchRequired             = "BRANCH_REQUIRED"
	ErrCodeRepoURLRequired            = "REPO_URL_REQUIRED"
	ErrCodeRefreshTokenExpired        = "refresh_token_expired"
	ErrCodeRefreshTokenReused         = "refresh_token_reused"
	ErrCodeInvalidRefreshToken        = "invalid_refresh_token"
	ErrCodeMonoAuthTokenInvalid       = "MONO_AUTH_TOKEN_INVALID"
	ErrCodeMonoAuthTokenUsed          = "MONO_AUTH_TOKEN_USED"
	ErrCodeMonoAuthTokenExpired       = "MONO_AUTH_TOKEN_EXPIRED"
	ErrCodeInternal                   = "INTERNAL_ERROR"

	// Auth-recovery trigger codes reported by supervisors and API calls.
	ErrCodeWorkspaceAuthRequired = "WORKSPACE_AUTH_REQUIRED"
	ErrCodeWorkspaceTokenExpired = "WORKSPACE_TOKEN_EXPIRED"
)

// HTTPCode formats a generic HTTP_<status> code.
func HTTPCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

// CodedError is an error carrying a wire error code alongside a
// human-readable message.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCodedError builds a CodedError.
func NewCodedError(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// CodeOf extracts the wire code from err, or INTERNAL_ERROR.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if ok := asCoded(err, &coded); ok {
		return coded.Code
	}
	return ErrCodeInternal
}

func asCoded(err error, target **CodedError) bool {
	for err != nil {
		if ce, ok := err.(*CodedError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsAuthRecoveryCode reports whether a code should trigger the fan-out
// layer's coalesced token refresh.
func IsAuthRecoveryCode(code string) bool {
	switch code {
	case ErrCodeWorkspaceAuthRequired, ErrCodeWorkspaceTokenInvalid, ErrCodeWorkspaceTokenExpired:
		return true
	}
	return false
}
