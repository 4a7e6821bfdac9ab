package internal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

// keyAlphabet is the 62-symbol alphabet used for confirmation and reset
// codes. Codes travel inside query strings and are matched byte-for-byte in
// the store, so the alphabet must stay URL-safe.
const keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// keyByteLimit is the largest multiple of len(keyAlphabet) below 256.
// Bytes at or above it are rejected to keep the symbol distribution uniform.
const keyByteLimit = byte(256 - 256%len(keyAlphabet))

const sessionTokenSize = 16

// Key draws length characters uniformly from the alphanumeric alphabet using
// the supplied entropy source. A nil source falls back to crypto/rand.
func Key(r io.Reader, length int) (string, error) {
	if length <= 0 {
		return "", errors.New("key length must be positive")
	}
	if r == nil {
		r = rand.Reader
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length)

	for len(out) < length {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= keyByteLimit {
				continue
			}
			out = append(out, keyAlphabet[int(b)%len(keyAlphabet)])
			if len(out) == length {
				break
			}
		}
	}

	return string(out), nil
}

// SessionToken returns an opaque 16-byte token encoded as unpadded base64url.
// A nil source falls back to crypto/rand.
func SessionToken(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}

	var raw [sessionTokenSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}
