// pkg/types/identity.go
package types

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// KeySize is the length of a raw Curve25519 public key.
const KeySize = 32

// Identity is a participant's public key in standard base64. It is both the
// address messages are sent to and the unit a connection authenticates.
type Identity string

func NewIdentity(publicKey *[KeySize]byte) Identity {
	return Identity(base64.StdEncoding.EncodeToString(publicKey[:]))
}

// Key decodes the identity back into a raw public key.
func (id Identity) Key() (*[KeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("invalid identity encoding: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("invalid identity length: got %d, want %d", len(raw), KeySize)
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// Fingerprint returns the short hex digest a directory indexes keys by:
// SHA-256 of the raw key truncated to 10 bytes.
func (id Identity) Fingerprint() (string, error) {
	key, err := id.Key()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(key[:])
	return hex.EncodeToString(sum[:10]), nil
}

// Short is a log-friendly prefix of the identity.
func (id Identity) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}
