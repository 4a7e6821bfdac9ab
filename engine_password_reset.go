package keygate

import (
	"context"
	"errors"
	"strings"

	"github.com/keygate/keygate/password"
)

// ForgotPassword describes the forgotpassword operation and its observable behavior.
//
// It stores a fresh reset code on the account resolved from the login key
// and mails a link carrying it. The link embeds the set-password route so a
// later reissue points at the same page.
func (e *Engine) ForgotPassword(ctx context.Context, req ForgotPasswordRequest) (*RedirectResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	key := req.EmailOrUsername
	if strings.Contains(key, "@") && !validEmail(key) {
		return nil, singleFieldError("username-or-email", "Incorrect email format.", nil)
	}

	userID, data, err := e.userDataByLoginKey(ctx, key)
	if errors.Is(err, ErrUserNotFound) {
		return nil, singleFieldError("username-or-email",
			"No account is linked with the provided email", ErrUserNotFound)
	}
	if err != nil {
		return nil, err
	}

	email, ok := data.FirstEmail()
	if !ok {
		return nil, singleFieldError("username-or-email",
			"No email found for the given user. Password reset email can't be sent.", ErrNoEmail)
	}

	name := data.Name
	if name == "" {
		name = email
	}

	route := req.SetPasswordRoute
	if route == "" {
		route = e.config.SetPasswordRoute
	}

	link, err := e.issueCode(ctx, &resetPurpose, userID, data.Clone(), email, route)
	if err != nil {
		return nil, err
	}
	e.sendPurposeMail(ctx, &resetPurpose, userID, email, name, link)

	e.metricInc(MetricPasswordResetRequest)
	e.emitAudit(ctx, auditEventPasswordResetRequest, true, userID, "", nil, nil)

	return &RedirectResult{Next: normalizeNext(req.Next)}, nil
}

// SetPassword describes the setpassword operation and its observable behavior.
//
// Redeeming an unknown or already spent reset code silently redirects; an
// expired one is reissued and mailed. A valid code installs the new
// password hash and is gone afterwards.
func (e *Engine) SetPassword(ctx context.Context, req SetPasswordRequest) (*RedirectResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	if !validEmail(req.Email) {
		return nil, singleFieldError("email", "Invalid email format.", nil)
	}
	if req.NewPassword != req.NewPassword2 {
		return nil, singleFieldError("new-password2",
			"Password and Confirm password field do not match.", nil)
	}
	if msg := password.CheckStrength(req.NewPassword, e.passwordPolicy()); msg != "" {
		return nil, singleFieldError("new-password", msg, nil)
	}

	hashed, err := e.hasher.Hash(req.NewPassword)
	if err != nil {
		return nil, err
	}

	next := normalizeNext(req.Next)

	result, userID, applied, err := e.redeemCode(ctx, &resetPurpose, req.Code, req.Email, req.SetPasswordRoute, next,
		nil,
		func(data *ProviderData) {
			data.SetCustom(KeyHashedPassword, hashed)
		},
	)
	if err != nil {
		return nil, err
	}

	if applied {
		e.metricInc(MetricPasswordResetSuccess)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, true, userID, "", nil, nil)
	}

	return result, nil
}
