package auth

import (
	"errors"
	"fmt"
)

// Error kinds returned by every core operation. Callers (the HTTP layer) map
// these to status codes with errors.Is and surface the wrapped message.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrUnauthorized     = errors.New("unauthorized")
)

// Messages that are deliberately generic: credential failures never reveal
// whether the account exists, and refresh failures never reveal why.
const (
	MsgInvalidCredentials = "Invalid email or password"
	MsgAccountInactive    = "account is inactive"
	MsgInvalidRefresh     = "invalid, expired, or revoked refresh token"
	MsgRefreshNotFound    = "invalid refresh token"
	MsgResetInvalid       = "reset token is expired or invalid"
	MsgMembershipInactive = "access to this application is inactive"
	MsgRoleInactive       = "the assigned role is inactive"
)

// Reject wraps an error kind with a client-visible message.
func Reject(kind error, msg string) error {
	return fmt.Errorf("%w: %s", kind, msg)
}

// Rejectf wraps an error kind with a formatted client-visible message.
func Rejectf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{kind}, args...)...)
}
