package cdn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Signer generates and validates HMAC signatures for expiring download URLs,
// filling the role a presigned object-store URL plays when serving straight
// from S3.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature for a storage path and expiry.
func (s *Signer) Sign(path string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("%s:%d", path, expiresUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate compares the provided signature with the expected one in constant
// time.
func (s *Signer) Validate(path, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	expected := s.Sign(path, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
