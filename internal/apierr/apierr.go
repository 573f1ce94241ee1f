// Package apierr defines the wire error taxonomy shared by the API
// surface, the auth manager, and the streaming fan-out.
package apierr

import "fmt"

// Code is a machine-readable error code from the wire taxonomy in spec §7.
type Code string

const (
	WorkspaceTokenMissing     Code = "WORKSPACE_TOKEN_MISSING"
	WorkspaceTokenInvalid     Code = "WORKSPACE_TOKEN_INVALID"
	WorkspaceCredentialsBad   Code = "WORKSPACE_CREDENTIALS_INVALID"
	WorkspaceIDInvalid        Code = "WORKSPACE_ID_INVALID"
	ProviderNotEnabled        Code = "PROVIDER_NOT_ENABLED"
	ProviderInvalid           Code = "PROVIDER_INVALID"
	ProviderInUse             Code = "PROVIDER_IN_USE"
	SessionNotFound           Code = "SESSION_NOT_FOUND"
	SessionInvalid            Code = "SESSION_INVALID"
	WorktreeNotFound          Code = "WORKTREE_NOT_FOUND"
	BranchRequired            Code = "BRANCH_REQUIRED"
	RepoURLRequired           Code = "REPO_URL_REQUIRED"
	RefreshTokenExpired       Code = "refresh_token_expired"
	RefreshTokenReused        Code = "refresh_token_reused"
	InvalidRefreshToken       Code = "invalid_refresh_token"
	MonoAuthTokenInvalid      Code = "MONO_AUTH_TOKEN_INVALID"
	MonoAuthTokenUsed         Code = "MONO_AUTH_TOKEN_USED"
	MonoAuthTokenExpired      Code = "MONO_AUTH_TOKEN_EXPIRED"
	WorkspaceAuthRequired     Code = "WORKSPACE_AUTH_REQUIRED"
	WorkspaceTokenExpiredCode Code = "WORKSPACE_TOKEN_EXPIRED"
	Internal                  Code = "INTERNAL_ERROR"
)

// Error is a structured error carrying a wire code, an HTTP status, and
// a user-safe message. It never carries secrets (spec §7).
type Error struct {
	Code    Code
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a wire error with the given code, HTTP status, and message.
func New(code Code, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches an internal error as context without leaking it to the wire.
func Wrap(code Code, status int, message string, err error) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// HTTPStatus maps a generic status to the "HTTP_<status>" wire code.
func HTTPStatus(status int) Code {
	return Code(fmt.Sprintf("HTTP_%d", status))
}
