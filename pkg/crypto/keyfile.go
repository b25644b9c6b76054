package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/busybox42/relay/pkg/types"
)

type keyFile struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// SaveKeyPair writes kp to path with owner-only permissions.
func SaveKeyPair(path string, kp *KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(keyFile{
		PublicKey:  base64.StdEncoding.EncodeToString(kp.PublicKey[:]),
		PrivateKey: base64.StdEncoding.EncodeToString(kp.PrivateKey[:]),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadKeyPair reads a key pair written by SaveKeyPair.
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}

	pub, err := decodeKey(kf.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key in %s: %w", path, err)
	}
	priv, err := decodeKey(kf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key in %s: %w", path, err)
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// LoadOrGenerateKeyPair loads the key pair at path, generating and saving a
// new one on first use.
func LoadOrGenerateKeyPair(path string) (kp *KeyPair, created bool, err error) {
	kp, err = LoadKeyPair(path)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate keys: %w", err)
	}
	if err := SaveKeyPair(path, kp); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

func decodeKey(s string) (*[types.KeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != types.KeySize {
		return nil, fmt.Errorf("got %d bytes, want %d", len(raw), types.KeySize)
	}
	var key [types.KeySize]byte
	copy(key[:], raw)
	return &key, nil
}
