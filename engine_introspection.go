package keygate

import (
	"context"
	"errors"

	"github.com/keygate/keygate/session"
)

// Session returns the stored session row for an identifier. Unknown or
// expired sessions fail with session.ErrNotFound.
func (e *Engine) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return e.sessions.Get(ctx, sessionID)
}

// AuthenticatedUser resolves a session identifier to the user record behind
// it. Anonymous, unknown, and expired sessions all fail with ErrUserNotFound
// so callers see a single "not logged in" condition.
func (e *Engine) AuthenticatedUser(ctx context.Context, sessionID string) (UserID, ProviderData, error) {
	if e == nil {
		return 0, ProviderData{}, ErrEngineNotReady
	}

	sess, err := e.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return 0, ProviderData{}, ErrUserNotFound
	}
	if err != nil {
		return 0, ProviderData{}, err
	}
	if sess.Anonymous() {
		return 0, ProviderData{}, ErrUserNotFound
	}

	userID := UserID(sess.UserID)
	data, err := e.users.UserData(ctx, e.config.Provider, userID)
	if err != nil {
		return 0, ProviderData{}, err
	}
	return userID, data, nil
}
