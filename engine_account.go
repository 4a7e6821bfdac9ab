package keygate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keygate/keygate/password"
)

const msgEmailExists = "Email already exists."

// accountMeta is the fully validated input of a CreateAccount call,
// resolved against existing rows.
type accountMeta struct {
	email            string
	name             string
	hashedPassword   string
	confirmationCode string
	sentAt           time.Time

	// userID is set when an existing row (an imported subscriber) is being
	// upgraded instead of a fresh user created.
	userID  UserID
	upgrade bool

	// preVerified accounts get their email marked verified immediately and
	// no confirmation mail. Set when a valid subscription confirmation code
	// proved ownership of the email.
	preVerified bool
}

func (m *accountMeta) toProviderData() ProviderData {
	data := ProviderData{
		Identity:       m.email,
		Name:           m.name,
		Emails:         []string{m.email},
		VerifiedEmails: []string{m.email},
		Custom: map[string]any{
			KeyHashedPassword: m.hashedPassword,
		},
	}

	if !m.preVerified {
		data.VerifiedEmails = nil
		data.Custom[KeyEmailConfirmationCode] = m.confirmationCode
		data.Custom[KeyEmailConfSentAt] = m.sentAt.UnixNano()
	}

	return data
}

// CreateAccount describes the createaccount operation and its observable behavior.
//
// It validates the whole form at once, creates the user (or upgrades an
// imported subscriber row holding the same email), logs the new account in,
// and queues the confirmation mail unless the account came pre-verified
// through a subscription confirmation code.
func (e *Engine) CreateAccount(ctx context.Context, req CreateAccountRequest) (*CreateAccountResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	meta, err := e.validateCreateAccount(ctx, req)
	if err != nil {
		e.metricInc(MetricAccountCreationFailure)
		e.emitAudit(ctx, auditEventAccountCreationFailure, false, 0, "", err, nil)
		return nil, err
	}

	userID := meta.userID
	if meta.upgrade {
		if err := e.users.UpdateUser(ctx, e.config.Provider, userID, meta.toProviderData()); err != nil {
			e.metricInc(MetricAccountCreationFailure)
			e.emitAudit(ctx, auditEventAccountCreationFailure, false, userID, "", err, nil)
			return nil, err
		}
		e.metricInc(MetricAccountUpgrade)
		e.emitAudit(ctx, auditEventAccountUpgrade, true, userID, "", nil, func() map[string]string {
			return map[string]string{"pre_verified": fmt.Sprintf("%t", meta.preVerified)}
		})
	} else {
		userID, err = e.users.CreateUser(ctx, e.config.Provider, meta.toProviderData())
		if errors.Is(err, ErrIdentityTaken) {
			// lost a concurrent signup race for the same identity
			e.metricInc(MetricAccountCreationDuplicate)
			e.emitAudit(ctx, auditEventAccountCreationFailure, false, 0, "", err, nil)
			return nil, FieldErrors{"email": msgEmailExists}
		}
		if err != nil {
			e.metricInc(MetricAccountCreationFailure)
			e.emitAudit(ctx, auditEventAccountCreationFailure, false, 0, "", err, nil)
			return nil, err
		}
		e.metricInc(MetricAccountCreationSuccess)
	}

	sessionID, err := e.issueSession(ctx, userID, req.SessionID)
	if err != nil {
		e.emitAudit(ctx, auditEventAccountCreationFailure, false, userID, "", err, nil)
		return nil, err
	}

	e.emitAudit(ctx, auditEventAccountCreationSuccess, true, userID, sessionID, nil, func() map[string]string {
		return map[string]string{"pre_verified": fmt.Sprintf("%t", meta.preVerified)}
	})

	if !meta.preVerified {
		link := e.confirmationLink(meta.confirmationCode, meta.email)
		e.sendPurposeMail(ctx, &confirmationPurpose, userID, meta.email, meta.name, link)
		e.metricInc(MetricConfirmationSent)
		e.emitAudit(ctx, auditEventConfirmationSent, true, userID, "", nil, nil)
	}

	return &CreateAccountResult{
		UserID:      userID,
		SessionID:   sessionID,
		PreVerified: meta.preVerified,
		Next:        normalizeNext(req.Next),
	}, nil
}

func (e *Engine) validateCreateAccount(ctx context.Context, req CreateAccountRequest) (*accountMeta, error) {
	fieldErrs := FieldErrors{}

	if !validEmail(req.Email) {
		fieldErrs["email"] = "Invalid email format."
	}
	if req.Password != req.Password2 {
		fieldErrs["password2"] = "Password and Confirm password field do not match."
	}
	if msg := password.CheckStrength(req.Password, e.passwordPolicy()); msg != "" {
		fieldErrs["password"] = msg
	}
	if !req.AcceptTerms {
		fieldErrs["accept_terms"] = "You must accept the terms and conditions."
	}

	// Duplicate checks join the same error map as the format checks so one
	// round trip reports the whole form. They only run when the email itself
	// parsed; a malformed email already carries its own message.
	if _, bad := fieldErrs["email"]; !bad {
		if _, _, err := e.users.UserDataByIdentity(ctx, e.config.Provider, req.Email); err == nil {
			fieldErrs["email"] = msgEmailExists
		} else if !errors.Is(err, ErrUserNotFound) {
			return nil, err
		}

		count, err := e.users.CountVerifiedEmail(ctx, req.Email)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			fieldErrs["email"] = msgEmailExists
		}
	}

	if len(fieldErrs) > 0 {
		return nil, fieldErrs
	}

	meta := &accountMeta{
		email:  req.Email,
		name:   req.Name,
		sentAt: time.Now(),
	}

	if err := e.resolveExistingRow(ctx, req, meta); err != nil {
		return nil, err
	}

	hashed, err := e.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}
	meta.hashedPassword = hashed

	meta.confirmationCode, err = e.generateKey()
	if err != nil {
		return nil, err
	}

	return meta, nil
}

// resolveExistingRow decides between fresh create and upgrade. A valid
// subscription confirmation code whose owner also holds the submitted email
// proves ownership and makes the upgrade pre-verified; a bare email match
// against an identity-less imported row upgrades without verification. A
// row that already carries an identity is a registered account.
func (e *Engine) resolveExistingRow(ctx context.Context, req CreateAccountRequest, meta *accountMeta) error {
	if req.Code != "" {
		userID, _, err := e.users.UserDataByCustomAttribute(
			ctx, ProviderSubscription, KeySubscriptionConfirmationCode, req.Code)
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		emailData, err := e.users.UserData(ctx, e.config.Provider, userID)
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !emailData.HasEmail(req.Email) {
			return nil
		}
		if emailData.Identity != "" {
			return singleFieldError("email", msgEmailExists, ErrEmailTaken)
		}

		meta.userID = userID
		meta.upgrade = true
		meta.preVerified = true
		return nil
	}

	userID, emailData, err := e.users.UserDataByEmail(ctx, e.config.Provider, req.Email)
	if errors.Is(err, ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if emailData.Identity != "" {
		return singleFieldError("email", msgEmailExists, ErrEmailTaken)
	}

	meta.userID = userID
	meta.upgrade = true
	return nil
}

func (e *Engine) passwordPolicy() password.Policy {
	return password.Policy{
		MinEntropy: e.config.Password.MinEntropy,
		MaxLength:  e.config.Password.MaxLength,
	}
}
