package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Signer produces and checks HMAC-SHA256 signatures keyed from the family sync key.
//
// A Signer built without a key is disabled: it signs with an empty string and
// accepts any signature. Callers can detect this through Enabled.
type Signer struct {
	key []byte
}

// NewSigner derives the auth key from syncKey. An empty syncKey yields a disabled signer.
func NewSigner(syncKey []byte) (*Signer, error) {
	if len(syncKey) == 0 {
		return &Signer{}, nil
	}
	key, err := DeriveKey(syncKey, InfoAuth)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key}, nil
}

// Enabled reports whether signatures are produced and enforced.
func (s *Signer) Enabled() bool {
	return s != nil && len(s.key) > 0
}

// Sign returns the base64 signature of data.
func (s *Signer) Sign(data []byte) string {
	if !s.Enabled() {
		return ""
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a base64 signature over data.
func (s *Signer) Verify(data []byte, signature string) bool {
	if !s.Enabled() {
		return true
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(raw) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), raw)
}
