package auth

import "errors"

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("no challenge found")
	ErrSuperseded         = errors.New("challenge superseded by a newer request")
	ErrExpired            = errors.New("expired")
	ErrAlreadyConsumed    = errors.New("challenge already consumed")
	ErrMismatch           = errors.New("code does not match")
	ErrLocked             = errors.New("challenge locked after too many attempts")
	ErrInvalidToken       = errors.New("invalid verification token")
	ErrAlreadyUsed        = errors.New("verification token already used")
	ErrAlreadyRegistered  = errors.New("email already registered")
	ErrNotVerified        = errors.New("email has not passed OTP verification")
	ErrFrozen             = errors.New("account frozen")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnverifiedAccount  = errors.New("account email not verified")
	ErrForbidden          = errors.New("identity belongs to another society")
)

// Reason is the machine-readable outcome of a verification attempt.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonNotFound        Reason = "not_found"
	ReasonSuperseded      Reason = "superseded"
	ReasonExpired         Reason = "expired"
	ReasonAlreadyConsumed Reason = "already_consumed"
	ReasonMismatch        Reason = "mismatch"
	ReasonLocked          Reason = "locked"
	ReasonInvalid         Reason = "invalid"
	ReasonAlreadyUsed     Reason = "already_used"
)

// Err maps a reason to its sentinel error; ReasonNone maps to nil.
func (r Reason) Err() error {
	switch r {
	case ReasonNone:
		return nil
	case ReasonNotFound:
		return ErrNotFound
	case ReasonSuperseded:
		return ErrSuperseded
	case ReasonExpired:
		return ErrExpired
	case ReasonAlreadyConsumed:
		return ErrAlreadyConsumed
	case ReasonMismatch:
		return ErrMismatch
	case ReasonLocked:
		return ErrLocked
	case ReasonInvalid:
		return ErrInvalidToken
	case ReasonAlreadyUsed:
		return ErrAlreadyUsed
	}
	return errors.New(string(r))
}

// ValidationError wraps ErrValidation with the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
