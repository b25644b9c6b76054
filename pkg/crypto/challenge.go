package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/busybox42/relay/pkg/types"
)

// ChallengeSize is the number of random bytes in a challenge.
const ChallengeSize = 32

var ErrChallengeMismatch = errors.New("challenge mismatch")

// NewChallenge returns a fresh random challenge value.
func NewChallenge() (string, error) {
	buf := make([]byte, ChallengeSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Respond proves possession of kp's private key to the holder of server by
// sealing the challenge to the server's key.
func (kp *KeyPair) Respond(challenge string, server types.Identity) (string, error) {
	serverKey, err := server.Key()
	if err != nil {
		return "", err
	}
	return kp.Seal([]byte(challenge), serverKey)
}

// VerifyResponse checks that response is challenge sealed by the private key
// of claimed to kp. Every failure, including malformed keys, is reported as
// an error and never panics.
func (kp *KeyPair) VerifyResponse(response string, claimed types.Identity, challenge string) error {
	claimedKey, err := claimed.Key()
	if err != nil {
		return err
	}

	plain, err := kp.Open(response, claimedKey)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare(plain, []byte(challenge)) != 1 {
		return ErrChallengeMismatch
	}
	return nil
}
