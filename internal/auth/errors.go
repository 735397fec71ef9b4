package auth

import "errors"

// ErrAuth is wrapped by every token acquisition failure.
var ErrAuth = errors.New("auth")

// Token acquisition failures. Each also matches ErrAuth under errors.Is.
var (
	ErrTokenExchangeFailed     = &authError{msg: "token exchange failed"}
	ErrMalformedTokenResponse  = &authError{msg: "malformed token response"}
	ErrTokenVerificationFailed = &authError{msg: "token verification failed"}
)

type authError struct {
	msg string
}

func (e *authError) Error() string { return e.msg }

// Is makes every authError match ErrAuth.
func (e *authError) Is(target error) bool {
	return target == ErrAuth
}
