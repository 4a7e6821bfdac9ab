package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	maxPassBytes          = 1 << 10
	algorithmID           = "argon2id"
)

// ErrMalformedHash is returned by [Argon2.Verify] when the stored value is
// not a well-formed PHC-encoded argon2id hash. It signals a server-side
// integrity fault, never bad user input.
var ErrMalformedHash = errors.New("malformed password hash")

// Config defines a public type used by keygate APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Argon2 defines a public type used by keygate APIs.
//
// Argon2 instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Argon2 struct {
	config Config
	random io.Reader
}

type parsedPHC struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
	keyLength   uint32
}

// NewArgon2 describes the newargon2 operation and its observable behavior.
//
// NewArgon2 may return an error when input validation, dependency calls, or security checks fail.
// NewArgon2 does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NewArgon2(cfg Config) (*Argon2, error) {
	return NewArgon2WithRandom(cfg, nil)
}

// NewArgon2WithRandom is [NewArgon2] with an explicit salt entropy source.
// A nil source falls back to crypto/rand.
func NewArgon2WithRandom(cfg Config, random io.Reader) (*Argon2, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if random == nil {
		random = rand.Reader
	}

	return &Argon2{config: cfg, random: random}, nil
}

// Hash describes the hash operation and its observable behavior.
//
// Hash may return an error when input validation, dependency calls, or security checks fail.
// Hash does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (a *Argon2) Hash(password string) (string, error) {
	// Password processing uses raw string bytes exactly as provided (no
	// Unicode normalization). Strength policy is the caller's concern; the
	// hasher only refuses inputs it cannot process at all.
	if len(password) > maxPassBytes {
		return "", errors.New("password exceeds maximum hashable length")
	}

	salt := make([]byte, a.config.SaltLength)
	if _, err := io.ReadFull(a.random, salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey(
		[]byte(password),
		salt,
		a.config.Time,
		a.config.Memory,
		a.config.Parallelism,
		a.config.KeyLength,
	)

	saltEncoded := base64.StdEncoding.EncodeToString(salt)
	hashEncoded := base64.StdEncoding.EncodeToString(hash)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		a.config.Memory,
		a.config.Time,
		a.config.Parallelism,
		saltEncoded,
		hashEncoded,
	), nil
}

// Verify describes the verify operation and its observable behavior.
//
// Verify may return an error when input validation, dependency calls, or security checks fail.
// Verify does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (a *Argon2) Verify(password string, encodedHash string) (bool, error) {
	parsed, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		[]byte(password),
		parsed.salt,
		parsed.time,
		parsed.memory,
		parsed.parallelism,
		parsed.keyLength,
	)

	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1, nil
}

// NeedsUpgrade describes the needsupgrade operation and its observable behavior.
//
// NeedsUpgrade may return an error when input validation, dependency calls, or security checks fail.
// NeedsUpgrade does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (a *Argon2) NeedsUpgrade(encodedHash string) (bool, error) {
	parsed, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	if a.config.Memory > parsed.memory {
		return true, nil
	}
	if a.config.Time > parsed.time {
		return true, nil
	}
	if a.config.Parallelism > parsed.parallelism {
		return true, nil
	}
	if a.config.KeyLength != parsed.keyLength {
		return true, nil
	}

	return false, nil
}

func validateConfig(cfg Config) error {
	if cfg.Memory < minMemoryKB {
		return fmt.Errorf("argon2 memory must be at least %d KiB", minMemoryKB)
	}
	if cfg.Time < minTimeCost {
		return fmt.Errorf("argon2 time cost must be at least %d", minTimeCost)
	}
	if cfg.Parallelism < minParallelism {
		return fmt.Errorf("argon2 parallelism must be at least %d", minParallelism)
	}
	if cfg.SaltLength < minSaltLength {
		return fmt.Errorf("argon2 salt length must be at least %d bytes", minSaltLength)
	}
	if cfg.KeyLength < minKeyLength {
		return fmt.Errorf("argon2 key length must be at least %d bytes", minKeyLength)
	}
	return nil
}

func parsePHC(encoded string) (*parsedPHC, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, ErrMalformedHash
	}
	if parts[1] != algorithmID {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedHash, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, ErrMalformedHash
	}
	if version != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported argon2 version %d", ErrMalformedHash, version)
	}

	params := strings.Split(parts[3], ",")
	if len(params) != 3 {
		return nil, ErrMalformedHash
	}

	memory, err := parsePHCParam(params[0], "m")
	if err != nil {
		return nil, err
	}
	timeCost, err := parsePHCParam(params[1], "t")
	if err != nil {
		return nil, err
	}
	parallelism, err := parsePHCParam(params[2], "p")
	if err != nil {
		return nil, err
	}
	if parallelism > 255 {
		return nil, ErrMalformedHash
	}

	salt, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, ErrMalformedHash
	}
	hash, err := base64.StdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, ErrMalformedHash
	}
	if len(salt) == 0 || len(hash) == 0 {
		return nil, ErrMalformedHash
	}

	return &parsedPHC{
		memory:      uint32(memory),
		time:        uint32(timeCost),
		parallelism: uint8(parallelism),
		salt:        salt,
		hash:        hash,
		keyLength:   uint32(len(hash)),
	}, nil
}

func parsePHCParam(s, name string) (uint64, error) {
	prefix := name + "="
	if !strings.HasPrefix(s, prefix) {
		return 0, ErrMalformedHash
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, prefix), 10, 32)
	if err != nil {
		return 0, ErrMalformedHash
	}
	return v, nil
}
