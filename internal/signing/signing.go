// Package signing provides the optional challenge signer and validator used
// during the connection handshake.
package signing

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Signer signs challenge data sent by a client.
type Signer interface {
	Sign(data string) (string, error)
}

// Validator issues a challenge to a client and checks the client's answer.
// A Validator serves exactly one handshake.
type Validator interface {
	CreateNewMessage(text string) string
	Validate(signedData string) bool
}

var ErrInvalidKey = errors.New("signing: key must be 1 to 64 bytes")

// Keyed signs with a blake2b-256 keyed MAC over a shared secret.
type Keyed struct {
	key []byte
}

func NewKeyed(key []byte) (*Keyed, error) {
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, ErrInvalidKey
	}
	return &Keyed{key: append([]byte(nil), key...)}, nil
}

// LoadKeyFile reads a key from path. Surrounding whitespace is ignored.
func LoadKeyFile(path string) (*Keyed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read handshake key: %w", err)
	}
	return NewKeyed([]byte(strings.TrimSpace(string(data))))
}

func (k *Keyed) Sign(data string) (string, error) {
	h, err := blake2b.New256(k.key)
	if err != nil {
		return "", err
	}
	_, _ = h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewValidator returns a validator for one handshake.
func (k *Keyed) NewValidator() Validator {
	return &keyedValidator{k: k}
}

type keyedValidator struct {
	k *Keyed

	mu     sync.Mutex
	issued string
}

func (v *keyedValidator) CreateNewMessage(text string) string {
	v.mu.Lock()
	v.issued = text
	v.mu.Unlock()
	return text
}

func (v *keyedValidator) Validate(signedData string) bool {
	v.mu.Lock()
	issued := v.issued
	v.mu.Unlock()
	if issued == "" {
		return false
	}
	want, err := v.k.Sign(issued)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(signedData)) == 1
}
