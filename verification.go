package keygate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keygate/keygate/mailer"
)

const msgCodeExpired = "Confirmation code expired. A new link has been sent to your email address."

// verificationPurpose binds one single-use code workflow (which custom keys
// it lives under, how long it lasts, what mail it produces) so issue and
// redeem share one engine.
type verificationPurpose struct {
	codeKey   string
	sentAtKey string
	mkind     string

	expiry func(cfg *Config) time.Duration
	link   func(e *Engine, code, email, route string) string

	// checkAlreadyVerified short-circuits redeem into a no-op redirect when
	// the email is already verified. Only the confirmation purpose wants
	// this; a reset code must work for verified users.
	checkAlreadyVerified bool

	mailContext func(link, name string) map[string]any
}

var confirmationPurpose = verificationPurpose{
	codeKey:   KeyEmailConfirmationCode,
	sentAtKey: KeyEmailConfSentAt,
	mkind:     "create-account-confirmation",
	expiry:    func(cfg *Config) time.Duration { return cfg.ConfirmationExpiry },
	link: func(e *Engine, code, email, _ string) string {
		return e.confirmationLink(code, email)
	},
	checkAlreadyVerified: true,
	mailContext: func(link, name string) map[string]any {
		return map[string]any{
			"link":       link,
			"first-name": firstName(name),
		}
	},
}

var resetPurpose = verificationPurpose{
	codeKey:   KeyPasswordResetCode,
	sentAtKey: KeyPasswordResetCodeSentAt,
	mkind:     "auth_reset_password_request",
	expiry:    func(cfg *Config) time.Duration { return cfg.ResetExpiry },
	link: func(e *Engine, code, email, route string) string {
		return e.resetLink(code, email, route)
	},
	mailContext: func(link, _ string) map[string]any {
		return map[string]any{"link": link}
	},
}

// issueCode stores a fresh single-use code on the user's record and returns
// the link to redeem it. The full record is written back; any previous code
// for the same purpose is overwritten.
func (e *Engine) issueCode(
	ctx context.Context,
	p *verificationPurpose,
	userID UserID,
	data ProviderData,
	email, route string,
) (string, error) {
	code, err := e.generateKey()
	if err != nil {
		return "", err
	}

	data.SetCustom(p.codeKey, code)
	data.SetCustomTime(p.sentAtKey, time.Now())

	if err := e.users.UpdateUser(ctx, e.config.Provider, userID, data); err != nil {
		return "", err
	}

	return p.link(e, code, email, route), nil
}

func (e *Engine) sendPurposeMail(ctx context.Context, p *verificationPurpose, userID UserID, email, name, link string) {
	e.queueEmail(ctx, userID, &mailer.Email{
		From:    e.senderAddress(),
		To:      []mailer.Address{{Name: name, Email: email}},
		ReplyTo: e.replyToAddress(),
		MKind:   p.mkind,
		Context: p.mailContext(link, name),
	})
}

// redeemCode runs the shared redeem path: look the code up, bail silently
// when it is unknown or already satisfied, reissue and notify when it has
// expired, and otherwise consume it exactly once before applying the
// purpose's side effect. The second return reports whether the side effect
// was applied; an inert redirect returns false.
//
// precheck runs before the code is consumed so its failures leave the code
// intact. apply mutates the freshly loaded record; the mutated record is
// written back wholesale.
func (e *Engine) redeemCode(
	ctx context.Context,
	p *verificationPurpose,
	code, email, route, next string,
	precheck func(data *ProviderData) error,
	apply func(data *ProviderData),
) (*RedirectResult, UserID, bool, error) {
	userID, data, err := e.users.UserDataByCustomAttribute(ctx, e.config.Provider, p.codeKey, code)
	if errors.Is(err, ErrUserNotFound) {
		// unknown or already spent code, reveal nothing
		return &RedirectResult{Next: next}, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}

	if p.checkAlreadyVerified && data.HasVerifiedEmail(email) {
		return &RedirectResult{Next: next}, userID, false, nil
	}

	sentAt, ok := data.CustomTime(p.sentAtKey)
	if !ok {
		return nil, 0, false, fmt.Errorf("%w: %s missing for user %d", ErrIntegrity, p.sentAtKey, userID)
	}

	if time.Since(sentAt) >= p.expiry(&e.config) {
		name := data.Name
		if name == "" {
			name = email
		}

		link, err := e.issueCode(ctx, p, userID, data.Clone(), email, route)
		if err != nil {
			return nil, 0, false, err
		}
		e.sendPurposeMail(ctx, p, userID, email, name, link)

		e.metricInc(MetricCodeReissued)
		e.emitAudit(ctx, auditEventCodeExpiredReissued, false, userID, "", ErrCodeExpired, func() map[string]string {
			return map[string]string{"purpose": p.codeKey}
		})

		return nil, 0, false, singleFieldError("code", msgCodeExpired, ErrCodeExpired)
	}

	if precheck != nil {
		if err := precheck(&data); err != nil {
			return nil, 0, false, err
		}
	}

	// single-use claim: exactly one concurrent redeemer passes this point
	if _, err := e.users.ConsumeCustomAttribute(ctx, e.config.Provider, p.codeKey, code); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return &RedirectResult{Next: next}, userID, false, nil
		}
		return nil, 0, false, err
	}

	fresh, err := e.users.UserData(ctx, e.config.Provider, userID)
	if err != nil {
		return nil, 0, false, err
	}

	apply(&fresh)
	fresh.DeleteCustom(p.codeKey)

	if err := e.users.UpdateUser(ctx, e.config.Provider, userID, fresh); err != nil {
		return nil, 0, false, err
	}

	return &RedirectResult{Next: next}, userID, true, nil
}
