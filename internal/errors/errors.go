package errors

import (
	"errors"
	"fmt"
)

// Common error types for the identity-confirmation broker.
// Every authentication or authorization failure is terminal for the
// current request - none of these are retried automatically.
var (
	// Token validation errors - all wrap ErrInvalidToken so callers can
	// treat any of them as "re-authentication required".
	ErrInvalidToken     = errors.New("invalid token")
	ErrSignatureInvalid = fmt.Errorf("%w: signature invalid", ErrInvalidToken)
	ErrIssuerMismatch   = fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	ErrAudienceMismatch = fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	ErrTokenExpired     = fmt.Errorf("%w: token expired", ErrInvalidToken)

	// Session errors
	ErrNoSession = errors.New("no session")

	// Authorization errors
	ErrForbidden = errors.New("forbidden")

	// Flow errors
	ErrFlowExpired = errors.New("authorization flow expired")

	// Invariant violations - fails closed, must never be swallowed
	ErrMissingUserContext = errors.New("missing user context")

	// General errors
	ErrNotFound = errors.New("not found")
	ErrInternal = errors.New("internal error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
