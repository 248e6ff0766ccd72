// Package wgkey provides WireGuard keypair generation and the typed,
// redacting private-key wrapper every holder of a secret scalar in Loom
// uses (spec §4.1, §9 "Redaction").
package wgkey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// redacted is what every redacting secret type collapses to in Debug,
// Display, and structured-logging paths (spec §9).
const redacted = "<redacted>"

// PrivateKey is a 32-byte Curve25519 scalar. Its zero value is never valid;
// use GenerateKeypair or ParsePrivateKey. Debug/display/serialization
// always render the fixed redaction marker; callers must call Expose to
// read the bytes.
type PrivateKey struct {
	b [32]byte
}

// PublicKey is a 32-byte Curve25519 point. Unlike PrivateKey it is
// globally publishable and has no redaction behavior.
type PublicKey struct {
	b [32]byte
}

// Keypair is a generated WireGuard identity: a private scalar and its
// derived public point.
type Keypair struct {
	Private PrivateKey
	Public  PublicKey
}

// GenerateKeypair draws a new private key from crypto/rand, clamps it per
// the Curve25519 convention, and derives the public key.
func GenerateKeypair() (Keypair, error) {
	var priv PrivateKey
	if _, err := rand.Read(priv.b[:]); err != nil {
		return Keypair{}, fmt.Errorf("reading random bytes: %w", err)
	}
	clamp(&priv.b)

	pub, err := derivePublic(priv)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{Private: priv, Public: pub}, nil
}

// clamp applies the standard Curve25519 private-scalar clamping.
func clamp(b *[32]byte) {
	b[0] &= 248
	b[31] &= 127
	b[31] |= 64
}

func derivePublic(priv PrivateKey) (PublicKey, error) {
	var pub PublicKey
	out, err := curve25519.X25519(priv.b[:], curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, fmt.Errorf("deriving public key: %w", err)
	}
	copy(pub.b[:], out)
	return pub, nil
}

// Expose returns the raw 32-byte private scalar. Every call site that uses
// this is a point the spec wants a human reviewer's eye drawn to — there is
// deliberately no shorter name for it.
func (k PrivateKey) Expose() [32]byte {
	return k.b
}

// Zero overwrites the private key's backing memory. Callers that hold a
// PrivateKey past its useful lifetime (e.g. after handing it to a tunnel
// manager) should call this explicitly; Go has no drop glue to do it
// automatically.
func (k *PrivateKey) Zero() {
	for i := range k.b {
		k.b[i] = 0
	}
}

// String implements fmt.Stringer with the fixed redaction marker.
func (k PrivateKey) String() string { return redacted }

// GoString implements fmt.GoStringer (used by %#v) with the redaction marker.
func (k PrivateKey) GoString() string { return redacted }

// MarshalText implements encoding.TextMarshaler with the redaction marker,
// so a PrivateKey embedded in a struct that gets JSON-logged never leaks.
func (k PrivateKey) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// ParsePrivateKey decodes a base64-encoded 32-byte private scalar.
func ParsePrivateKey(s string) (PrivateKey, error) {
	b, err := decode32(s)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("parsing private key: %w", err)
	}
	return PrivateKey{b: b}, nil
}

// DerivePublic computes the public point for a loaded private key, for
// callers that only persisted the private scalar to disk (spec §4.6 device
// key bootstrap) and need the public key back on every load.
func DerivePublic(priv PrivateKey) (PublicKey, error) {
	return derivePublic(priv)
}

// Base64 encodes the public key as standard base64, the wire format used
// throughout §6 (device enrollment, session responses, DERP peer configs).
func (p PublicKey) Base64() string {
	return base64.StdEncoding.EncodeToString(p.b[:])
}

// String implements fmt.Stringer, returning the base64 form (public keys
// are not secret and are safe to log).
func (p PublicKey) String() string { return p.Base64() }

// Bytes returns the raw 32 bytes of the public key.
func (p PublicKey) Bytes() [32]byte { return p.b }

// PublicKeyFromBytes wraps a raw 32-byte point as a PublicKey, for callers
// (like the direct-path probe decoder) that already have the bytes and
// don't need a base64 round-trip.
func PublicKeyFromBytes(b [32]byte) PublicKey {
	return PublicKey{b: b}
}

// ParsePublicKey decodes a base64-encoded 32-byte public point.
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := decode32(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("parsing public key: %w", err)
	}
	return PublicKey{b: b}, nil
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid base64: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
