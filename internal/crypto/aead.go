package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// SealWithNewNonce encrypts plaintext under key with a freshly generated
// nonce, returning nonce||ciphertext so the receiver can split them back
// apart.
func SealWithNewNonce(key [32]byte, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: building aead cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, additionalData)
	return append(nonce, sealed...), nil
}

// Open reverses SealWithNewNonce, splitting the leading nonce back off
// before decrypting.
func Open(key [32]byte, nonceAndCiphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: building aead cipher: %w", err)
	}

	if len(nonceAndCiphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("crypto: ciphertext shorter than nonce")
	}
	nonce := nonceAndCiphertext[:aead.NonceSize()]
	ciphertext := nonceAndCiphertext[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypting: %w", err)
	}
	return plaintext, nil
}
