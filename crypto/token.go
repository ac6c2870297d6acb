package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultSyncTokenTTL bounds how long an issued join token stays redeemable.
const DefaultSyncTokenTTL = 24 * time.Hour

// ErrInvalidSyncToken indicates a token failed signature, expiry or claim checks.
var ErrInvalidSyncToken = errors.New("crypto: invalid sync token")

// SyncTokenClaims are carried by the single-use token issued on join approval.
type SyncTokenClaims struct {
	FamilyID string `json:"fid"`
	DeviceID string `json:"did"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates join sync tokens with HS256.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTokenIssuer derives the token key from syncKey. Without a sync key a random
// process-local key is used, so tokens only validate on this admin instance.
func NewTokenIssuer(syncKey []byte, ttl time.Duration) (*TokenIssuer, error) {
	var key []byte
	if len(syncKey) > 0 {
		derived, err := DeriveKey(syncKey, InfoSyncToken)
		if err != nil {
			return nil, err
		}
		key = derived
	} else {
		key = make([]byte, DerivedKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate sync token key: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = DefaultSyncTokenTTL
	}
	return &TokenIssuer{key: key, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token and its unique id.
func (i *TokenIssuer) Issue(familyID, deviceID, role string) (string, string, error) {
	now := i.now()
	jti := uuid.NewString()
	claims := SyncTokenClaims{
		FamilyID: familyID,
		DeviceID: deviceID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", "", fmt.Errorf("sign sync token: %w", err)
	}
	return signed, jti, nil
}

// Parse validates a token and returns its claims.
func (i *TokenIssuer) Parse(raw string) (*SyncTokenClaims, error) {
	claims := &SyncTokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return i.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSyncToken, err)
	}
	if !token.Valid || claims.ID == "" || claims.DeviceID == "" {
		return nil, ErrInvalidSyncToken
	}
	return claims, nil
}
