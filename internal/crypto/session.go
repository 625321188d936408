package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveSessionKey computes the per-connection session key both peers use
// to mask frames: HKDF-SHA256(dhSharedSecret, info=conn_id)
// truncated to a little-endian uint64. conn_id is the only thing
// transmitted on the wire -- the session key itself never crosses it and
// is unrecoverable without the DH shared secret.
func DeriveSessionKey(dhSharedSecret [32]byte, connID uint64) (uint64, error) {
	info := make([]byte, 8)
	binary.LittleEndian.PutUint64(info, connID)

	reader := hkdf.New(sha256.New, dhSharedSecret[:], nil, info)
	out := make([]byte, 8)
	if _, err := io.ReadFull(reader, out); err != nil {
		return 0, fmt.Errorf("crypto: deriving session key: %w", err)
	}
	return binary.LittleEndian.Uint64(out), nil
}

// aeadKeyInfo domain-separates the /retrieve-token AEAD key from the WSS
// session key even though both derive from the same DH shared secret.
var aeadKeyInfo = []byte("duskrelay/retrieve-token-aead")

// DeriveAEADKey derives the symmetric key that wraps the /retrieve-token
// request and response bodies from the same DH shared secret used for
// session-key derivation, domain-separated by info so the two outputs
// never collide.
func DeriveAEADKey(dhSharedSecret [32]byte) ([32]byte, error) {
	var key [32]byte
	reader := hkdf.New(sha256.New, dhSharedSecret[:], nil, aeadKeyInfo)
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("crypto: deriving aead key: %w", err)
	}
	return key, nil
}
