package protocol

import (
	"encoding/binary"
	"errors"
)

// TokenPayload is the handler-signed, client-opaque capability minted
// when a client authenticates and redeemed when it opens its session.
type TokenPayload struct {
	UserID       uint64
	Nonce        [32]byte
	IssuedAtMs   uint64
	ValidUntilMs uint64
}

const tokenPayloadLen = 8 + 32 + 8 + 8

// MarshalBinary encodes the bytes that get signed and later verified.
func (t TokenPayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, tokenPayloadLen)
	binary.LittleEndian.PutUint64(buf[0:8], t.UserID)
	copy(buf[8:40], t.Nonce[:])
	binary.LittleEndian.PutUint64(buf[40:48], t.IssuedAtMs)
	binary.LittleEndian.PutUint64(buf[48:56], t.ValidUntilMs)
	return buf, nil
}

// UnmarshalTokenPayload is the inverse of MarshalBinary.
func UnmarshalTokenPayload(data []byte) (TokenPayload, error) {
	if len(data) < tokenPayloadLen {
		return TokenPayload{}, errors.New("protocol: short token payload")
	}
	var t TokenPayload
	t.UserID = binary.LittleEndian.Uint64(data[0:8])
	copy(t.Nonce[:], data[8:40])
	t.IssuedAtMs = binary.LittleEndian.Uint64(data[40:48])
	t.ValidUntilMs = binary.LittleEndian.Uint64(data[48:56])
	return t, nil
}

// AuthRequest is the body of /retrieve-token once the outer AEAD envelope
// (keyed by the DH of the client's ephemeral key and the handler's
// long-term DH public key) has been opened. HmacBase encodes
// "user_id:timestamp:random" and HmacSignature authenticates it under the
// shared user-space secret.
type AuthRequest struct {
	HmacBase        []byte
	HmacSignature   [32]byte
	ClientEphemeral [32]byte
	Nonce           [32]byte
	TimestampMs     uint64
}

// MarshalBinary encodes an AuthRequest for the AEAD-wrapped request body.
func (a AuthRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4+len(a.HmacBase)+32+32+32+8)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(a.HmacBase)))
	off += 4
	copy(buf[off:], a.HmacBase)
	off += len(a.HmacBase)
	copy(buf[off:], a.HmacSignature[:])
	off += 32
	copy(buf[off:], a.ClientEphemeral[:])
	off += 32
	copy(buf[off:], a.Nonce[:])
	off += 32
	binary.LittleEndian.PutUint64(buf[off:], a.TimestampMs)
	return buf, nil
}

// UnmarshalAuthRequest is the inverse of MarshalBinary.
func UnmarshalAuthRequest(data []byte) (AuthRequest, error) {
	if len(data) < 4 {
		return AuthRequest{}, errors.New("protocol: short auth request")
	}
	off := 0
	baseLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if len(data) < off+baseLen+32+32+32+8 {
		return AuthRequest{}, errors.New("protocol: truncated auth request")
	}

	var a AuthRequest
	a.HmacBase = append([]byte(nil), data[off:off+baseLen]...)
	off += baseLen
	copy(a.HmacSignature[:], data[off:off+32])
	off += 32
	copy(a.ClientEphemeral[:], data[off:off+32])
	off += 32
	copy(a.Nonce[:], data[off:off+32])
	off += 32
	a.TimestampMs = binary.LittleEndian.Uint64(data[off:])
	return a, nil
}

// SignedBytes returns the portion of the request the HMAC signature
// covers: hmac_base concatenated with the timestamp.
func (a AuthRequest) SignedBytes() []byte {
	buf := make([]byte, len(a.HmacBase)+8)
	copy(buf, a.HmacBase)
	binary.LittleEndian.PutUint64(buf[len(a.HmacBase):], a.TimestampMs)
	return buf
}

// AuthResponse is the body sealed back to the client on a successful
// /retrieve-token call: the minted token, its expiry, and an optional
// emergency advisory. Failed calls do not use it; they get a fixed-length
// body of their own.
type AuthResponse struct {
	Token          []byte
	ValidUntilMs   uint64
	HasEmergency   bool
	EmergencyLevel EmergencyLevel
	TriggerAfterS  uint32
}

func (a AuthResponse) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4+len(a.Token)+8+1+1+4)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(a.Token)))
	off += 4
	copy(buf[off:], a.Token)
	off += len(a.Token)
	binary.LittleEndian.PutUint64(buf[off:], a.ValidUntilMs)
	off += 8
	if a.HasEmergency {
		buf[off] = 1
	}
	off++
	buf[off] = byte(a.EmergencyLevel)
	off++
	binary.LittleEndian.PutUint32(buf[off:], a.TriggerAfterS)
	return buf, nil
}

func UnmarshalAuthResponse(data []byte) (AuthResponse, error) {
	if len(data) < 4 {
		return AuthResponse{}, errors.New("protocol: short auth response")
	}
	off := 0
	tokenLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if len(data) < off+tokenLen+8+1+1+4 {
		return AuthResponse{}, errors.New("protocol: truncated auth response")
	}

	var a AuthResponse
	a.Token = append([]byte(nil), data[off:off+tokenLen]...)
	off += tokenLen
	a.ValidUntilMs = binary.LittleEndian.Uint64(data[off:])
	off += 8
	a.HasEmergency = data[off] != 0
	off++
	a.EmergencyLevel = EmergencyLevel(data[off])
	off++
	a.TriggerAfterS = binary.LittleEndian.Uint32(data[off:])
	return a, nil
}
