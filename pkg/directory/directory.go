// Package directory maps key fingerprints to public keys so clients can
// discover each other's identities out of band. The relay does not consult
// it for authentication.
package directory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/busybox42/relay/pkg/types"
)

var (
	ErrFingerprintMismatch = errors.New("directory: fingerprint does not match public key")
	ErrNotFound            = errors.New("directory: fingerprint not registered")
)

type Directory struct {
	mu   sync.RWMutex
	keys map[string]types.Identity
}

func New() *Directory {
	return &Directory{keys: make(map[string]types.Identity)}
}

// Register records key under fingerprint after checking that fingerprint is
// derived from key. Re-registering replaces the previous entry.
func (d *Directory) Register(fingerprint string, key types.Identity) error {
	want, err := key.Fingerprint()
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	if want != fingerprint {
		return ErrFingerprintMismatch
	}

	d.mu.Lock()
	d.keys[fingerprint] = key
	d.mu.Unlock()
	return nil
}

func (d *Directory) Lookup(fingerprint string) (types.Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.keys[fingerprint]
	if !ok {
		return "", ErrNotFound
	}
	return key, nil
}
