package crypto

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	var key [32]byte
	key[0] = 0xAB

	plaintext := []byte("token payload bytes")
	aad := []byte("context binding")

	sealed, err := SealWithNewNonce(key, plaintext, aad)
	if err != nil {
		t.Fatalf("SealWithNewNonce: %v", err)
	}

	opened, err := Open(key, sealed, aad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("got %q, want %q", opened, plaintext)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	var key1, key2 [32]byte
	key1[0], key2[0] = 1, 2

	sealed, err := SealWithNewNonce(key1, []byte("secret"), nil)
	if err != nil {
		t.Fatalf("SealWithNewNonce: %v", err)
	}
	if _, err := Open(key2, sealed, nil); err == nil {
		t.Fatalf("expected decryption under the wrong key to fail")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	var key [32]byte
	key[0] = 9

	sealed, err := SealWithNewNonce(key, []byte("secret"), nil)
	if err != nil {
		t.Fatalf("SealWithNewNonce: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF

	if _, err := Open(key, sealed, nil); err == nil {
		t.Fatalf("expected decryption of tampered ciphertext to fail")
	}
}

func TestOpenRejectsWrongAdditionalData(t *testing.T) {
	var key [32]byte
	key[0] = 3

	sealed, err := SealWithNewNonce(key, []byte("secret"), []byte("context-a"))
	if err != nil {
		t.Fatalf("SealWithNewNonce: %v", err)
	}
	if _, err := Open(key, sealed, []byte("context-b")); err == nil {
		t.Fatalf("expected decryption with mismatched AAD to fail")
	}
}
