package keygate

import (
	"context"
	"errors"
)

const msgIncorrectLogin = "Incorrect username/password."

// Login describes the login operation and its observable behavior.
//
// Unknown login key, wrong password, and accounts without a stored password
// hash all fail with the same single-field error, so callers cannot probe
// which identities exist.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	userID, data, err := e.userDataByLoginKey(ctx, req.LoginKey)
	if errors.Is(err, ErrUserNotFound) {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, 0, "", ErrInvalidCredentials, nil)
		return nil, singleFieldError("username-or-email", msgIncorrectLogin, ErrInvalidCredentials)
	}
	if err != nil {
		return nil, err
	}

	stored, ok := data.CustomString(KeyHashedPassword)
	if !ok {
		// federated or imported account with no password set
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, userID, "", ErrInvalidCredentials, nil)
		return nil, singleFieldError("username-or-email", msgIncorrectLogin, ErrInvalidCredentials)
	}

	match, err := e.hasher.Verify(req.Password, stored)
	if err != nil {
		return nil, err
	}
	if !match {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, userID, "", ErrInvalidCredentials, nil)
		return nil, singleFieldError("username-or-email", msgIncorrectLogin, ErrInvalidCredentials)
	}

	if e.config.Password.UpgradeOnLogin {
		e.maybeUpgradeHash(ctx, userID, data, stored, req.Password)
	}

	sessionID, err := e.issueSession(ctx, userID, req.SessionID)
	if err != nil {
		e.emitAudit(ctx, auditEventLoginFailure, false, userID, "", err, nil)
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, userID, sessionID, nil, nil)

	return &LoginResult{
		UserID:    userID,
		SessionID: sessionID,
		Next:      normalizeNext(req.Next),
	}, nil
}

// maybeUpgradeHash rehashes the password with the current parameters when
// the stored hash was produced with weaker ones. Best effort; the login has
// already succeeded.
func (e *Engine) maybeUpgradeHash(ctx context.Context, userID UserID, data ProviderData, stored, plaintext string) {
	needs, err := e.hasher.NeedsUpgrade(stored)
	if err != nil || !needs {
		return
	}

	rehashed, err := e.hasher.Hash(plaintext)
	if err != nil {
		return
	}

	upgraded := data.Clone()
	upgraded.SetCustom(KeyHashedPassword, rehashed)
	_ = e.users.UpdateUser(ctx, e.config.Provider, userID, upgraded)
}

// Logout describes the logout operation and its observable behavior.
//
// Deleting an unknown session is not an error.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if sessionID == "" {
		return nil
	}

	if err := e.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogoutSession, true, 0, sessionID, nil, nil)
	return nil
}
