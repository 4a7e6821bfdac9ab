package keygate

import (
	"context"
	"errors"
	"strconv"
	"time"
)

const (
	auditEventLoginSuccess           = "login_success"
	auditEventLoginFailure           = "login_failure"
	auditEventLogoutSession          = "logout_session"
	auditEventAccountCreationSuccess = "account_creation_success"
	auditEventAccountCreationFailure = "account_creation_failure"
	auditEventAccountUpgrade         = "account_upgrade"
	auditEventConfirmationSent       = "email_confirmation_sent"
	auditEventEmailConfirmed         = "email_confirmed"
	auditEventCodeExpiredReissued    = "verification_code_reissued"
	auditEventPasswordResetRequest   = "password_reset_request"
	auditEventPasswordResetConfirm   = "password_reset_confirm"
	auditEventMailQueueFailure       = "mail_queue_failure"
)

// AuditErrorCode defines a public type used by keygate APIs.
//
// AuditErrorCode instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditErrorCode string

const (
	auditErrInvalidCredentials    AuditErrorCode = "invalid_credentials"
	auditErrUserNotFound          AuditErrorCode = "user_not_found"
	auditErrDuplicate             AuditErrorCode = "duplicate"
	auditErrCodeExpired           AuditErrorCode = "code_expired"
	auditErrValidation            AuditErrorCode = "validation_failed"
	auditErrIntegrity             AuditErrorCode = "integrity_violation"
	auditErrSessionCreationFailed AuditErrorCode = "session_creation_failed"
	auditErrNoEmail               AuditErrorCode = "no_email"
	auditErrUnavailable           AuditErrorCode = "backend_unavailable"
	auditErrInternal              AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID UserID,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	uid := ""
	if userID != 0 {
		uid = strconv.FormatInt(int64(userID), 10)
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    uid,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrIdentityTaken),
		errors.Is(err, ErrEmailTaken):
		return auditErrDuplicate
	case errors.Is(err, ErrCodeExpired):
		return auditErrCodeExpired
	case errors.Is(err, ErrIntegrity):
		return auditErrIntegrity
	case errors.Is(err, ErrSessionCreationFailed):
		return auditErrSessionCreationFailed
	case errors.Is(err, ErrNoEmail):
		return auditErrNoEmail
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		if len(Fields(err)) > 0 {
			return auditErrValidation
		}
		return auditErrInternal
	}
}
