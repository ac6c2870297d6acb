package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// InfoAuth scopes keys used to sign peer-channel auth messages.
	InfoAuth = "hearthsync/auth/v1"
	// InfoSyncToken scopes keys used to sign join sync tokens.
	InfoSyncToken = "hearthsync/sync-token/v1"
	// DerivedKeySize is the byte length of every derived key.
	DerivedKeySize = 32
)

// ErrEmptySecret indicates key derivation was attempted without input material.
var ErrEmptySecret = errors.New("crypto: secret is required")

// DeriveKey expands the opaque family sync key into a purpose-bound subkey.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, DerivedKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}
