package keygate

import (
	"context"
	"errors"
)

// ConfirmEmail describes the confirmemail operation and its observable behavior.
//
// Redeeming an unknown or already spent code silently redirects; an expired
// code is replaced, a fresh link mailed, and the caller told so; a valid
// code marks the email verified and is gone afterwards.
func (e *Engine) ConfirmEmail(ctx context.Context, req ConfirmEmailRequest) (*RedirectResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	if !validEmail(req.Email) {
		return nil, singleFieldError("email", "Invalid email format.", nil)
	}

	next := normalizeNext(req.Next)

	result, userID, applied, err := e.redeemCode(ctx, &confirmationPurpose, req.Code, req.Email, "", next,
		func(data *ProviderData) error {
			if !data.HasEmail(req.Email) {
				return singleFieldError("email", "Provided email not found for this user.", nil)
			}
			return nil
		},
		func(data *ProviderData) {
			data.VerifiedEmails = append(data.VerifiedEmails, req.Email)
		},
	)
	if err != nil {
		return nil, err
	}

	if applied {
		e.metricInc(MetricEmailConfirmed)
		e.emitAudit(ctx, auditEventEmailConfirmed, true, userID, "", nil, func() map[string]string {
			return map[string]string{"email": req.Email}
		})
	}

	return result, nil
}

// ResendConfirmationEmail describes the resendconfirmationemail operation and its observable behavior.
//
// It replaces any pending confirmation code for the account holding the
// email and queues a fresh confirmation mail.
func (e *Engine) ResendConfirmationEmail(ctx context.Context, email, next string) (*RedirectResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	if !validEmail(email) {
		return nil, singleFieldError("email", "Incorrect email format.", nil)
	}

	userID, data, err := e.users.UserDataByEmail(ctx, e.config.Provider, email)
	if errors.Is(err, ErrUserNotFound) {
		return nil, singleFieldError("email", "No account is linked with the provided email", ErrUserNotFound)
	}
	if err != nil {
		return nil, err
	}

	name := data.Name
	if name == "" {
		name = "User"
	}

	link, err := e.issueCode(ctx, &confirmationPurpose, userID, data.Clone(), email, "")
	if err != nil {
		return nil, err
	}
	e.sendPurposeMail(ctx, &confirmationPurpose, userID, email, name, link)

	e.metricInc(MetricConfirmationSent)
	e.emitAudit(ctx, auditEventConfirmationSent, true, userID, "", nil, func() map[string]string {
		return map[string]string{"resend": "true"}
	})

	return &RedirectResult{Next: normalizeNext(next)}, nil
}

// UserDataByCode describes the userdatabycode operation and its observable behavior.
//
// It resolves a subscription confirmation code to the subscriber's email so
// signup forms can pre-fill it. The code is looked up, never consumed.
func (e *Engine) UserDataByCode(ctx context.Context, code string) (*PreFillData, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	_, data, err := e.users.UserDataByCustomAttribute(
		ctx, ProviderSubscription, KeySubscriptionConfirmationCode, code)
	if err != nil {
		return nil, err
	}

	email, ok := data.FirstEmail()
	if !ok {
		return nil, ErrNoEmail
	}

	return &PreFillData{Email: email}, nil
}
