package keygate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"net/url"
	"strings"

	"github.com/keygate/keygate/internal"
	"github.com/keygate/keygate/mailer"
	"github.com/keygate/keygate/password"
	"github.com/keygate/keygate/session"
)

// Engine defines a public type used by keygate APIs.
//
// Engine instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Engine struct {
	config   Config
	users    UserStore
	sessions *session.Store
	mailer   mailer.Mailer
	hasher   *password.Argon2
	random   io.Reader
	audit    *auditDispatcher
	metrics  *Metrics
}

// Close describes the close operation and its observable behavior.
//
// Close may return an error when input validation, dependency calls, or security checks fail.
// Close does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped describes the auditdropped operation and its observable behavior.
//
// AuditDropped may return an error when input validation, dependency calls, or security checks fail.
// AuditDropped does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
//
// MetricsSnapshot may return an error when input validation, dependency calls, or security checks fail.
// MetricsSnapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) generateKey() (string, error) {
	return internal.Key(e.random, e.config.CodeLength)
}

// userDataByLoginKey resolves an identity, email, or verified email to a
// user. Keys containing '@' go through the email indexes only and never
// fall back to identity; bare keys resolve through identity only.
func (e *Engine) userDataByLoginKey(ctx context.Context, key string) (UserID, ProviderData, error) {
	if strings.Contains(key, "@") {
		id, data, err := e.users.UserDataByEmail(ctx, e.config.Provider, key)
		if errors.Is(err, ErrUserNotFound) {
			return e.users.UserDataByVerifiedEmail(ctx, e.config.Provider, key)
		}
		return id, data, err
	}
	return e.users.UserDataByIdentity(ctx, e.config.Provider, key)
}

// issueSession attaches the user to an existing session when one is named,
// otherwise mints a fresh one.
func (e *Engine) issueSession(ctx context.Context, userID UserID, existing string) (string, error) {
	if existing != "" {
		s, err := e.sessions.Attach(ctx, existing, int64(userID))
		if err == nil {
			e.metricInc(MetricSessionAttached)
			return s.ID, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return "", fmt.Errorf("%w: %v", ErrSessionCreationFailed, err)
		}
		// stale cookie, fall through to a fresh session
	}

	s, err := e.sessions.Create(ctx, int64(userID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionCreationFailed, err)
	}
	e.metricInc(MetricSessionCreated)
	return s.ID, nil
}

func (e *Engine) confirmationLink(code, email string) string {
	return fmt.Sprintf("%s%s?code=%s&email=%s",
		e.config.BaseURL, e.config.ConfirmEmailRoute,
		url.QueryEscape(code), url.QueryEscape(email))
}

func (e *Engine) resetLink(code, email, route string) string {
	if route == "" {
		route = e.config.SetPasswordRoute
	}
	return fmt.Sprintf("%s%s?code=%s&email=%s&spr=%s",
		e.config.BaseURL, route,
		url.QueryEscape(code), url.QueryEscape(email), url.QueryEscape(route))
}

// queueEmail hands the message to the mailer. Failures are audited and
// counted but never surfaced: by the time mail goes out the primary
// mutation is already committed.
func (e *Engine) queueEmail(ctx context.Context, userID UserID, email *mailer.Email) {
	if err := e.mailer.Send(ctx, email); err != nil {
		e.metricInc(MetricMailQueueFailure)
		e.emitAudit(ctx, auditEventMailQueueFailure, false, userID, "", ErrStoreUnavailable, func() map[string]string {
			return map[string]string{
				"mkind": email.MKind,
				"cause": err.Error(),
			}
		})
	}
}

func (e *Engine) senderAddress() mailer.Address {
	return mailer.Address{Name: e.config.Sender.Name, Email: e.config.Sender.Email}
}

func (e *Engine) replyToAddress() *mailer.Address {
	if e.config.Sender.ReplyTo == "" {
		return nil
	}
	return &mailer.Address{Email: e.config.Sender.ReplyTo}
}

func validEmail(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
