package keygate

import (
	"errors"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config defines a public type used by keygate APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	// Provider names the credential provider all lifecycle operations act
	// on. Imported subscriber rows live under ProviderSubscription.
	Provider string

	// BaseURL prefixes every link embedded in outgoing email, e.g.
	// "https://example.com".
	BaseURL string

	ConfirmEmailRoute string
	SetPasswordRoute  string

	// CodeLength is the length of confirmation and reset codes.
	CodeLength int

	ConfirmationExpiry time.Duration
	ResetExpiry        time.Duration

	Sender   SenderConfig
	Password PasswordConfig
	Session  SessionConfig
	Mail     MailConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

// SenderConfig defines a public type used by keygate APIs.
//
// SenderConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SenderConfig struct {
	Name    string
	Email   string
	ReplyTo string
}

// PasswordConfig defines a public type used by keygate APIs.
//
// PasswordConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	UpgradeOnLogin bool

	// MinEntropy is the minimum estimated entropy (in bits) a password must
	// score to be accepted.
	MinEntropy float64
	MaxLength  int
}

// SessionConfig defines a public type used by keygate APIs.
//
// SessionConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SessionConfig struct {
	RedisPrefix string
	TTL         time.Duration
}

// MailConfig defines a public type used by keygate APIs.
//
// MailConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MailConfig struct {
	// QueueKey is the Redis list the queue-backed mailer pushes to. Empty
	// selects the mailer package default.
	QueueKey string
}

// AuditConfig defines a public type used by keygate APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig defines a public type used by keygate APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled bool
}

func defaultConfig() Config {
	return Config{
		Provider:           ProviderEmail,
		ConfirmEmailRoute:  "/confirm-email/",
		SetPasswordRoute:   "/set-password/",
		CodeLength:         64,
		ConfirmationExpiry: 90 * 24 * time.Hour,
		ResetExpiry:        2 * 24 * time.Hour,
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
			MinEntropy:     50,
			MaxLength:      1024,
		},
		Session: SessionConfig{
			RedisPrefix: "kgs",
			TTL:         400 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

type envConfig struct {
	BaseURL                string `env:"KEYGATE_BASE_URL"`
	SenderName             string `env:"EMAIL_SENDER_NAME"`
	SenderEmail            string `env:"EMAIL_SENDER_EMAIL"`
	ReplyTo                string `env:"EMAIL_REPLY_TO"`
	ConfirmationExpireDays int    `env:"EMAIL_CONFIRMATION_EXPIRE_DAYS" envDefault:"90"`
	ResetExpireDays        int    `env:"RESET_PASSWORD_EXPIRE_DAYS" envDefault:"2"`
	SessionRedisPrefix     string `env:"KEYGATE_SESSION_PREFIX"`
	MailQueueKey           string `env:"KEYGATE_MAIL_QUEUE_KEY"`
}

// ConfigFromEnv describes the configfromenv operation and its observable behavior.
//
// It starts from the defaults and overlays the deployment's environment
// variables.
func ConfigFromEnv() (Config, error) {
	cfg := defaultConfig()

	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		return Config{}, err
	}

	if ec.BaseURL != "" {
		cfg.BaseURL = ec.BaseURL
	}
	if ec.SenderName != "" {
		cfg.Sender.Name = ec.SenderName
	}
	if ec.SenderEmail != "" {
		cfg.Sender.Email = ec.SenderEmail
	}
	if ec.ReplyTo != "" {
		cfg.Sender.ReplyTo = ec.ReplyTo
	}
	if ec.ConfirmationExpireDays > 0 {
		cfg.ConfirmationExpiry = time.Duration(ec.ConfirmationExpireDays) * 24 * time.Hour
	}
	if ec.ResetExpireDays > 0 {
		cfg.ResetExpiry = time.Duration(ec.ResetExpireDays) * 24 * time.Hour
	}
	if ec.SessionRedisPrefix != "" {
		cfg.Session.RedisPrefix = ec.SessionRedisPrefix
	}
	if ec.MailQueueKey != "" {
		cfg.Mail.QueueKey = ec.MailQueueKey
	}

	return cfg, nil
}

func cloneConfig(cfg Config) Config {
	return cfg
}

/*
====================================
VALIDATION
====================================
*/

// Validate describes the validate operation and its observable behavior.
//
// Validate may return an error when input validation, dependency calls, or security checks fail.
// Validate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return errors.New("Provider must not be empty")
	}
	if !validRoute(c.ConfirmEmailRoute) {
		return errors.New("ConfirmEmailRoute must start and end with /")
	}
	if !validRoute(c.SetPasswordRoute) {
		return errors.New("SetPasswordRoute must start and end with /")
	}
	if c.CodeLength < 32 {
		return errors.New("CodeLength must be >= 32")
	}
	if c.ConfirmationExpiry <= 0 {
		return errors.New("ConfirmationExpiry must be > 0")
	}
	if c.ResetExpiry <= 0 {
		return errors.New("ResetExpiry must be > 0")
	}
	if c.Password.Memory == 0 || c.Password.Time == 0 || c.Password.Parallelism == 0 {
		return errors.New("Password Memory, Time and Parallelism must be > 0")
	}
	if c.Password.SaltLength < 8 || c.Password.KeyLength < 16 {
		return errors.New("Password SaltLength must be >= 8 and KeyLength >= 16")
	}
	if c.Password.MinEntropy <= 0 {
		return errors.New("Password MinEntropy must be > 0")
	}
	if c.Password.MaxLength <= 0 {
		return errors.New("Password MaxLength must be > 0")
	}
	if c.Session.TTL <= 0 {
		return errors.New("Session TTL must be > 0")
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}
	return nil
}

func validRoute(route string) bool {
	return strings.HasPrefix(route, "/") && strings.HasSuffix(route, "/")
}
