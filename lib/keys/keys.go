// Package keys produces and derives WireGuard key material. Generation is
// delegated to the wgtypes primitives (crypto/rand underneath); public-key
// derivation is Curve25519 scalar base multiplication and must agree with
// what the wg tooling computes for the same private key.
package keys

import (
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wgkeeper/wgkeeper/lib/errors"
)

// Generator produces fresh key material from a cryptographically secure
// source. Implementations must never reuse key material.
type Generator interface {
	// GeneratePrivateKey returns a new clamped Curve25519 private key.
	GeneratePrivateKey() (wgtypes.Key, error)

	// GeneratePresharedKey returns a new preshared key.
	GeneratePresharedKey() (wgtypes.Key, error)
}

// WGGenerator generates keys with the wgtypes primitives.
type WGGenerator struct{}

// NewGenerator returns the default key generator.
func NewGenerator() *WGGenerator {
	return &WGGenerator{}
}

// GeneratePrivateKey returns a new private key.
// Fails with ErrKeyGenUnavailable if the random source cannot be read.
func (g *WGGenerator) GeneratePrivateKey() (wgtypes.Key, error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("%w: %v", errors.ErrKeyGenUnavailable, err)
	}
	return key, nil
}

// GeneratePresharedKey returns a new preshared key.
// Fails with ErrKeyGenUnavailable if the random source cannot be read.
func (g *WGGenerator) GeneratePresharedKey() (wgtypes.Key, error) {
	key, err := wgtypes.GenerateKey()
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("%w: %v", errors.ErrKeyGenUnavailable, err)
	}
	return key, nil
}

// DerivePublicKey computes the Curve25519 public key for a private key.
// It is a pure function: the same private key always yields the same
// public key, regardless of where the private key was generated.
func DerivePublicKey(priv wgtypes.Key) wgtypes.Key {
	// X25519 clamps the scalar, so unclamped external keys derive the
	// same public key the wg tooling would produce.
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		// Cannot happen with the base point; keep the signature pure.
		return wgtypes.Key{}
	}
	var key wgtypes.Key
	copy(key[:], pub)
	return key
}

// ParseKey parses a base64-encoded key.
func ParseKey(s string) (wgtypes.Key, error) {
	return wgtypes.ParseKey(s)
}
