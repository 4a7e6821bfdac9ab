package keygate

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrInvalidCredentials is an exported constant or variable used by the identity engine.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is an exported constant or variable used by the identity engine.
	ErrUserNotFound = errors.New("user not found")
	// ErrIdentityTaken is an exported constant or variable used by the identity engine.
	ErrIdentityTaken = errors.New("identity already taken")
	// ErrEmailTaken is an exported constant or variable used by the identity engine.
	ErrEmailTaken = errors.New("email already taken")
	// ErrCodeExpired is an exported constant or variable used by the identity engine.
	ErrCodeExpired = errors.New("verification code expired")
	// ErrIntegrity is an exported constant or variable used by the identity engine.
	ErrIntegrity = errors.New("stored record integrity violation")
	// ErrStoreUnavailable is an exported constant or variable used by the identity engine.
	ErrStoreUnavailable = errors.New("user store unavailable")
	// ErrEngineNotReady is an exported constant or variable used by the identity engine.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrSessionCreationFailed is an exported constant or variable used by the identity engine.
	ErrSessionCreationFailed = errors.New("session creation failed")
	// ErrNoEmail is an exported constant or variable used by the identity engine.
	ErrNoEmail = errors.New("user has no email address")
)

// FieldErrors defines a public type used by keygate APIs.
//
// It maps form field names to user-facing messages so an HTTP layer can
// render every failure at once. FieldErrors implements error.
type FieldErrors map[string]string

// Error describes the error operation and its observable behavior.
//
// Error may return an error when input validation, dependency calls, or security checks fail.
// Error does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (f FieldErrors) Error() string {
	if len(f) == 0 {
		return "validation failed"
	}

	fields := make([]string, 0, len(f))
	for field := range f {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+": "+f[field])
	}
	return strings.Join(parts, "; ")
}

// fieldError carries a single user-facing field message while keeping the
// underlying sentinel reachable through errors.Is.
type fieldError struct {
	field string
	msg   string
	err   error
}

func (e *fieldError) Error() string {
	return e.field + ": " + e.msg
}

func (e *fieldError) Unwrap() error {
	return e.err
}

func singleFieldError(field, msg string, err error) error {
	return &fieldError{field: field, msg: msg, err: err}
}

// Fields describes the fields operation and its observable behavior.
//
// It extracts the field-to-message map from any error produced by the
// engine's validation paths; errors without field information yield nil.
func Fields(err error) map[string]string {
	if err == nil {
		return nil
	}

	var multi FieldErrors
	if errors.As(err, &multi) {
		out := make(map[string]string, len(multi))
		for k, v := range multi {
			out[k] = v
		}
		return out
	}

	var single *fieldError
	if errors.As(err, &single) {
		return map[string]string{single.field: single.msg}
	}

	return nil
}
