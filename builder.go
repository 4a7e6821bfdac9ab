package keygate

import (
	"crypto/rand"
	"errors"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/keygate/keygate/mailer"
	"github.com/keygate/keygate/password"
	"github.com/keygate/keygate/session"
)

// Builder defines a public type used by keygate APIs.
//
// Builder instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Builder struct {
	config Config
	redis  *redis.Client

	userStore UserStore
	mail      mailer.Mailer
	auditSink AuditSink
	random    io.Reader

	built bool
}

// New describes the new operation and its observable behavior.
//
// New may return an error when input validation, dependency calls, or security checks fail.
// New does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig describes the withconfig operation and its observable behavior.
//
// WithConfig may return an error when input validation, dependency calls, or security checks fail.
// WithConfig does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis describes the withredis operation and its observable behavior.
//
// WithRedis may return an error when input validation, dependency calls, or security checks fail.
// WithRedis does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithUserStore describes the withuserstore operation and its observable behavior.
//
// WithUserStore may return an error when input validation, dependency calls, or security checks fail.
// WithUserStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.userStore = store
	return b
}

// WithMailer describes the withmailer operation and its observable behavior.
//
// WithMailer may return an error when input validation, dependency calls, or security checks fail.
// WithMailer does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithMailer(m mailer.Mailer) *Builder {
	b.mail = m
	return b
}

// WithAuditSink describes the withauditsink operation and its observable behavior.
//
// WithAuditSink may return an error when input validation, dependency calls, or security checks fail.
// WithAuditSink does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithRandom describes the withrandom operation and its observable behavior.
//
// It overrides the entropy source used for verification codes, session
// tokens, and salts. Tests inject deterministic readers here; production
// keeps the default crypto/rand.Reader.
func (b *Builder) WithRandom(r io.Reader) *Builder {
	b.random = r
	return b
}

// Build describes the build operation and its observable behavior.
//
// Build may return an error when input validation, dependency calls, or security checks fail.
// Build does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.userStore == nil {
		return nil, errors.New("user store required")
	}

	random := b.random
	if random == nil {
		random = rand.Reader
	}

	m := b.mail
	if m == nil {
		m = mailer.NewRedisQueue(b.redis, cfg.Mail.QueueKey)
	}

	ph, err := password.NewArgon2WithRandom(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	}, random)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:   cfg,
		users:    b.userStore,
		sessions: session.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.TTL, random),
		mailer:   m,
		hasher:   ph,
		random:   random,
		audit:    newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:  NewMetrics(cfg.Metrics),
	}

	b.built = true

	return engine, nil
}
