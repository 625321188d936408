// Package crypto supplies the concrete algorithms backing the protocol's
// MAC, signature, Diffie-Hellman, and AEAD needs: HMAC-SHA256, Ed25519,
// X25519, and ChaCha20-Poly1305, drawn from the standard library and
// golang.org/x/crypto.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// X25519KeyPair is a Diffie-Hellman keypair. The client generates a fresh
// one per /retrieve-token call; the handler's is long-term and known to
// clients out-of-band, so the same DH shared secret computed during
// /retrieve-token can be reused later, under HKDF domain separation, to
// derive the WSS session key without transmitting any new key material.
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519KeyPair produces a fresh, properly clamped Curve25519
// keypair.
func GenerateX25519KeyPair() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return X25519KeyPair{}, fmt.Errorf("crypto: generating x25519 private key: %w", err)
	}

	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return X25519KeyPair{}, fmt.Errorf("crypto: deriving x25519 public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// X25519KeyPairFromPrivate rebuilds a keypair from a previously generated
// (and already clamped) private scalar, so a handler's long-term DH
// identity can be loaded from configuration instead of regenerated on
// every boot, which would invalidate every client's cached public key.
func X25519KeyPairFromPrivate(private [32]byte) (X25519KeyPair, error) {
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return X25519KeyPair{}, fmt.Errorf("crypto: deriving x25519 public key: %w", err)
	}
	kp := X25519KeyPair{Private: private}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret performs the Diffie-Hellman exchange with a peer's public
// key, producing the raw (non-HKDF'd) shared secret.
func (kp X25519KeyPair) SharedSecret(peerPublic [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(kp.Private[:], peerPublic[:])
	if err != nil {
		return out, fmt.Errorf("crypto: computing shared secret: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

// Ed25519KeyPair is a long-lived signing identity used to sign and verify
// issued tokens.
type Ed25519KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateEd25519KeyPair produces a fresh Ed25519 identity.
func GenerateEd25519KeyPair() (Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Ed25519KeyPair{}, fmt.Errorf("crypto: generating ed25519 key: %w", err)
	}
	return Ed25519KeyPair{Private: priv, Public: pub}, nil
}

// Ed25519KeyPairFromSeed rebuilds a deterministic identity from a 32-byte
// seed, so a handler's signing key survives process restarts instead of
// being regenerated (and every previously issued token invalidated) on
// every boot.
func Ed25519KeyPairFromSeed(seed []byte) (Ed25519KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return Ed25519KeyPair{}, fmt.Errorf("crypto: ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Ed25519KeyPair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign signs message with the private key.
func (kp Ed25519KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

// Verify checks a signature against the given public key.
func Verify(public ed25519.PublicKey, message, signature []byte) bool {
	return ed25519.Verify(public, message, signature)
}
