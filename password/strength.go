package password

import (
	passwordvalidator "github.com/wagslane/go-password-validator"
)

// Policy defines a public type used by keygate APIs.
//
// Policy instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Policy struct {
	// MinEntropy is the minimum acceptable entropy estimate in bits.
	MinEntropy float64
	// MaxLength bounds the password in bytes; zero disables the check.
	MaxLength int
}

// CheckStrength describes the checkstrength operation and its observable behavior.
//
// CheckStrength returns an empty string when the password is acceptable, or a
// user-facing message explaining the rejection. Blank and over-long passwords
// are rejected with messages distinct from the too-weak case.
func CheckStrength(password string, policy Policy) string {
	if password == "" {
		return "password is blank"
	}
	if policy.MaxLength > 0 && len(password) > policy.MaxLength {
		return "password is too long"
	}
	if err := passwordvalidator.Validate(password, policy.MinEntropy); err != nil {
		return err.Error()
	}
	return ""
}
