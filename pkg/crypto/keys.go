// pkg/crypto/keys.go
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"

	"github.com/busybox42/relay/pkg/types"
)

const nonceSize = 24

var (
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	ErrDecryptionFailed    = errors.New("decryption failed")
)

// KeyPair is a Curve25519 key pair used with NaCl box
type KeyPair struct {
	PublicKey  *[types.KeySize]byte
	PrivateKey *[types.KeySize]byte
}

// GenerateKeyPair creates a new Curve25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
	}, nil
}

// Identity returns the public half of the pair as an addressable identity
func (kp *KeyPair) Identity() types.Identity {
	return types.NewIdentity(kp.PublicKey)
}

// Seal encrypts message for peer with an authenticated box bound to both
// keys. The result is base64(nonce || box).
func (kp *KeyPair) Seal(message []byte, peer *[types.KeySize]byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := box.Seal(nonce[:], message, &nonce, peer, kp.PrivateKey)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal for a box produced by peer
func (kp *KeyPair) Open(sealed string, peer *[types.KeySize]byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(raw) < nonceSize+box.Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedCiphertext, len(raw))
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	message, ok := box.Open(nil, raw[nonceSize:], &nonce, peer, kp.PrivateKey)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return message, nil
}
