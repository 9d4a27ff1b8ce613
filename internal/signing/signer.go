// Package signing is the opaque attestation capability consumed by the sync
// core. Register-close change sets are signed so a close is non-repudiably
// attributable to a terminal; key management stays with the host application.
package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// HMACSigner signs payload digests as compact HS256 JWS tokens shared-keyed
// per store. The payload itself never rides in the token, only its digest.
type HMACSigner struct {
	key []byte
	kid string
}

func NewHMACSigner(key []byte, keyID string) (*HMACSigner, error) {
	if len(key) == 0 {
		return nil, errors.New("signing key must not be empty")
	}
	return &HMACSigner{key: key, kid: keyID}, nil
}

type digestClaims struct {
	Digest string `json:"dig"`
	jwt.RegisteredClaims
}

// Sign returns a compact JWS over the SHA-256 of payload.
func (s *HMACSigner) Sign(payload []byte) (string, error) {
	sum := sha256.Sum256(payload)
	claims := digestClaims{
		Digest: hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: s.kid,
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and that it covers exactly this payload.
func (s *HMACSigner) Verify(payload []byte, signature string) bool {
	var claims digestClaims
	tok, err := jwt.ParseWithClaims(signature, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil || !tok.Valid {
		return false
	}
	sum := sha256.Sum256(payload)
	return claims.Digest == hex.EncodeToString(sum[:])
}
