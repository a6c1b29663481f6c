// Package auth provides the shared-secret check that gates every connection.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// SharedSecret validates against one secret sealed in a memguard enclave.
// A zero or unset SharedSecret rejects every token.
type SharedSecret struct {
	enclave *memguard.Enclave
}

// NewSharedSecret seals secret. An empty secret yields a validator that
// rejects everything.
func NewSharedSecret(secret string) *SharedSecret {
	if secret == "" {
		return &SharedSecret{}
	}
	return &SharedSecret{enclave: memguard.NewEnclave([]byte(secret))}
}

// IsSet reports whether a secret was configured.
func (s *SharedSecret) IsSet() bool {
	return s != nil && s.enclave != nil
}

func (s *SharedSecret) Validate(token string) error {
	if !s.IsSet() {
		return ErrUnauthorized
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return ErrUnauthorized
	}
	defer buf.Destroy()
	if subtle.ConstantTimeCompare(buf.Bytes(), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// LookupSecret returns the first non-empty value among the named environment
// variables and the name it came from.
func LookupSecret(envNames ...string) (string, string) {
	for _, name := range envNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if v := os.Getenv(name); v != "" {
			return v, name
		}
	}
	return "", ""
}
