package keygate

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// UserID defines a public type used by keygate APIs.
//
// UserID instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type UserID int64

const (
	// ProviderEmail is an exported constant or variable used by the identity engine.
	ProviderEmail = "email"
	// ProviderSubscription is an exported constant or variable used by the identity engine.
	ProviderSubscription = "subscription"

	// KeyHashedPassword is an exported constant or variable used by the identity engine.
	KeyHashedPassword = "hashed_password"
	// KeyEmailConfirmationCode is an exported constant or variable used by the identity engine.
	KeyEmailConfirmationCode = "email_confirmation_code"
	// KeyEmailConfSentAt is an exported constant or variable used by the identity engine.
	KeyEmailConfSentAt = "email_conf_sent_at"
	// KeyPasswordResetCode is an exported constant or variable used by the identity engine.
	KeyPasswordResetCode = "password_reset_code"
	// KeyPasswordResetCodeSentAt is an exported constant or variable used by the identity engine.
	KeyPasswordResetCodeSentAt = "password_reset_code_sent_at"
	// KeySubscriptionConfirmationCode is an exported constant or variable used by the identity engine.
	KeySubscriptionConfirmationCode = "confirmation-code"
)

// ProviderData defines a public type used by keygate APIs.
//
// It is the schemaless per-provider record stored for a user. Identity is
// unique within a provider; Custom holds provider-specific keys such as the
// hashed password and pending verification codes.
type ProviderData struct {
	Identity       string         `json:"identity"`
	Username       string         `json:"username,omitempty"`
	Name           string         `json:"name,omitempty"`
	Emails         []string       `json:"emails"`
	VerifiedEmails []string       `json:"verified_emails"`
	ProfilePicture string         `json:"profile_picture,omitempty"`
	Custom         map[string]any `json:"custom,omitempty"`
}

// FirstEmail describes the firstemail operation and its observable behavior.
//
// Verified emails win over unverified ones.
func (d *ProviderData) FirstEmail() (string, bool) {
	if len(d.VerifiedEmails) > 0 {
		return d.VerifiedEmails[0], true
	}
	if len(d.Emails) > 0 {
		return d.Emails[0], true
	}
	return "", false
}

// HasEmail describes the hasemail operation and its observable behavior.
func (d *ProviderData) HasEmail(email string) bool {
	for _, e := range d.Emails {
		if e == email {
			return true
		}
	}
	return false
}

// HasVerifiedEmail describes the hasverifiedemail operation and its observable behavior.
func (d *ProviderData) HasVerifiedEmail(email string) bool {
	for _, e := range d.VerifiedEmails {
		if e == email {
			return true
		}
	}
	return false
}

// CustomString describes the customstring operation and its observable behavior.
func (d *ProviderData) CustomString(key string) (string, bool) {
	if d.Custom == nil {
		return "", false
	}
	s, ok := d.Custom[key].(string)
	return s, ok
}

// CustomTime describes the customtime operation and its observable behavior.
//
// Timestamps are stored as unix nanoseconds, but records written by older
// importers carry RFC 3339 strings; both decode.
func (d *ProviderData) CustomTime(key string) (time.Time, bool) {
	if d.Custom == nil {
		return time.Time{}, false
	}

	switch v := d.Custom[key].(type) {
	case int64:
		return time.Unix(0, v), true
	case float64:
		return time.Unix(0, int64(v)), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(0, n), true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(0, n), true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// SetCustom describes the setcustom operation and its observable behavior.
func (d *ProviderData) SetCustom(key string, value any) {
	if d.Custom == nil {
		d.Custom = make(map[string]any, 1)
	}
	d.Custom[key] = value
}

// SetCustomTime describes the setcustomtime operation and its observable behavior.
func (d *ProviderData) SetCustomTime(key string, t time.Time) {
	d.SetCustom(key, t.UnixNano())
}

// DeleteCustom describes the deletecustom operation and its observable behavior.
func (d *ProviderData) DeleteCustom(key string) {
	if d.Custom != nil {
		delete(d.Custom, key)
	}
}

// Clone describes the clone operation and its observable behavior.
//
// The copy shares nothing with the receiver; callers may mutate it freely.
func (d *ProviderData) Clone() ProviderData {
	out := *d
	if d.Emails != nil {
		out.Emails = append([]string(nil), d.Emails...)
	}
	if d.VerifiedEmails != nil {
		out.VerifiedEmails = append([]string(nil), d.VerifiedEmails...)
	}
	if d.Custom != nil {
		out.Custom = make(map[string]any, len(d.Custom))
		for k, v := range d.Custom {
			out.Custom[k] = v
		}
	}
	return out
}

// UserStore defines a public type used by keygate APIs.
//
// Engine persistence boundary: a user is a set of provider-scoped records
// addressed by a shared numeric id. Updates replace the provider's record
// wholesale; there is no merge. Implementations must make CreateUser's
// identity claim and ConsumeCustomAttribute's removal atomic under
// concurrent callers.
type UserStore interface {
	CreateUser(ctx context.Context, provider string, data ProviderData) (UserID, error)
	UpdateUser(ctx context.Context, provider string, id UserID, data ProviderData) error
	UserData(ctx context.Context, provider string, id UserID) (ProviderData, error)
	UserDataByIdentity(ctx context.Context, provider, identity string) (UserID, ProviderData, error)
	UserDataByEmail(ctx context.Context, provider, email string) (UserID, ProviderData, error)
	UserDataByVerifiedEmail(ctx context.Context, provider, email string) (UserID, ProviderData, error)
	UserDataByCustomAttribute(ctx context.Context, provider, key, value string) (UserID, ProviderData, error)

	// ConsumeCustomAttribute atomically removes the custom-attribute index
	// entry and reports which user held it. Exactly one of N concurrent
	// callers succeeds; the rest get ErrUserNotFound.
	ConsumeCustomAttribute(ctx context.Context, provider, key, value string) (UserID, error)

	// CountVerifiedEmail counts users holding the email as verified across
	// all providers.
	CountVerifiedEmail(ctx context.Context, email string) (int, error)
}

// CreateAccountRequest defines a public type used by keygate APIs.
//
// CreateAccountRequest instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CreateAccountRequest struct {
	Email       string
	Name        string
	Password    string
	Password2   string
	AcceptTerms bool

	// Code optionally carries a subscription confirmation code. When it
	// resolves to an imported subscriber holding the same email, the account
	// is created pre-verified and no confirmation mail is sent.
	Code string

	// SessionID optionally names an existing (typically anonymous) session
	// to attach the new account to instead of minting a fresh one.
	SessionID string

	Next string
}

// CreateAccountResult defines a public type used by keygate APIs.
//
// CreateAccountResult instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CreateAccountResult struct {
	UserID      UserID
	SessionID   string
	PreVerified bool
	Next        string
}

// LoginRequest defines a public type used by keygate APIs.
//
// LoginKey is an identity, an email, or a verified email; keys containing
// '@' resolve through the email indexes only.
type LoginRequest struct {
	LoginKey  string
	Password  string
	SessionID string
	Next      string
}

// LoginResult defines a public type used by keygate APIs.
//
// LoginResult instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type LoginResult struct {
	UserID    UserID
	SessionID string
	Next      string
}

// ConfirmEmailRequest defines a public type used by keygate APIs.
//
// ConfirmEmailRequest instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type ConfirmEmailRequest struct {
	Code  string
	Email string
	Next  string
}

// ForgotPasswordRequest defines a public type used by keygate APIs.
//
// ForgotPasswordRequest instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type ForgotPasswordRequest struct {
	EmailOrUsername string

	// SetPasswordRoute overrides the route embedded in the reset link. It
	// must start and end with "/"; empty selects the configured default.
	SetPasswordRoute string

	Next string
}

// SetPasswordRequest defines a public type used by keygate APIs.
//
// SetPasswordRequest instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SetPasswordRequest struct {
	Code         string
	Email        string
	NewPassword  string
	NewPassword2 string

	// SetPasswordRoute is the spr value carried through the reset link so a
	// reissued link points at the same page.
	SetPasswordRoute string

	Next string
}

// RedirectResult defines a public type used by keygate APIs.
//
// RedirectResult instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type RedirectResult struct {
	Next string
}

// PreFillData defines a public type used by keygate APIs.
//
// It resolves an imported subscriber's email from a subscription
// confirmation code so signup forms can pre-fill it.
type PreFillData struct {
	Email string `json:"email"`
}

func normalizeNext(next string) string {
	if strings.TrimSpace(next) == "" {
		return "/"
	}
	return next
}
