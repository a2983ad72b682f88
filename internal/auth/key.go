package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Key is one verification key: signing material plus the restrictions the
// source collector attached to it.
type Key struct {
	// KID is the JWK key id. Empty means wildcard: the key is tried against
	// any token whose kid has no exact match.
	KID string
	// Alg is the JWS algorithm this key verifies, e.g. "RS256".
	Alg string
	// Audiences, when non-empty, narrows the audiences this key accepts below
	// the store-wide list.
	Audiences []string
	// MaxLifetime, when non-zero, overrides the store-wide exp-iat ceiling.
	MaxLifetime time.Duration

	material any
}

// JWK is the JSON/YAML form keys arrive in, from config or a JWKS endpoint.
// aud is a nonstandard extension restricting the audiences a key accepts.
type JWK struct {
	KTY string   `json:"kty" yaml:"kty"`
	KID string   `json:"kid,omitempty" yaml:"kid"`
	Alg string   `json:"alg,omitempty" yaml:"alg"`
	Use string   `json:"use,omitempty" yaml:"use"`
	N   string   `json:"n,omitempty" yaml:"n"`
	E   string   `json:"e,omitempty" yaml:"e"`
	K   string   `json:"k,omitempty" yaml:"k"`
	Crv string   `json:"crv,omitempty" yaml:"crv"`
	X   string   `json:"x,omitempty" yaml:"x"`
	Y   string   `json:"y,omitempty" yaml:"y"`
	Aud []string `json:"aud,omitempty" yaml:"aud"`
}

// ParseJWK builds a verification key from its JWK form. The algorithm
// defaults to the family's 256-bit variant when the JWK omits alg.
func ParseJWK(j JWK) (Key, error) {
	key := Key{KID: j.KID, Alg: j.Alg, Audiences: j.Aud}
	switch j.KTY {
	case "RSA":
		if key.Alg == "" {
			key.Alg = "RS256"
		}
		pub, err := parseRSA(j.N, j.E)
		if err != nil {
			return Key{}, fmt.Errorf("jwk %q: %w", j.KID, err)
		}
		key.material = pub
	case "oct":
		if key.Alg == "" {
			key.Alg = "HS256"
		}
		secret, err := base64.RawURLEncoding.DecodeString(j.K)
		if err != nil {
			return Key{}, fmt.Errorf("jwk %q: decode k: %w", j.KID, err)
		}
		key.material = secret
	case "EC":
		if key.Alg == "" {
			key.Alg = "ES256"
		}
		pub, err := parseEC(j.Crv, j.X, j.Y)
		if err != nil {
			return Key{}, fmt.Errorf("jwk %q: %w", j.KID, err)
		}
		key.material = pub
	default:
		return Key{}, fmt.Errorf("jwk %q: unsupported kty %q", j.KID, j.KTY)
	}
	if family(key.Alg) == "" {
		return Key{}, fmt.Errorf("jwk %q: unsupported alg %q", j.KID, key.Alg)
	}
	return key, nil
}

// family groups JWS algorithms by key material, so a kid collision between an
// HMAC key and an RSA-signed token is rejected instead of tried.
func family(alg string) string {
	switch {
	case strings.HasPrefix(alg, "HS"):
		return "HMAC"
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		return "RSA"
	case strings.HasPrefix(alg, "ES"):
		return "ECDSA"
	default:
		return ""
	}
}

func parseRSA(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("decode e: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

func parseEC(crv, xStr, yStr string) (*ecdsa.PublicKey, error) {
	if crv != "P-256" {
		return nil, fmt.Errorf("unsupported curve %q", crv)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(xStr)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yStr)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
