package circles

import (
	"crypto/rand"
	"encoding/hex"
)

const invitationTokenBytes = 32

type randomTokenProvider struct{}

// NewRandomTokenProvider constructs a TokenProvider issuing hex-encoded
// cryptographically random invitation tokens.
func NewRandomTokenProvider() TokenProvider {
	return &randomTokenProvider{}
}

func (p *randomTokenProvider) NewToken() (string, error) {
	buf := make([]byte, invitationTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
