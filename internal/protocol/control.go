package protocol

import (
	"encoding/binary"
	"errors"
)

// ControlKind tags the variant carried by a ControlMessage. It is a closed
// set: for any byte value not listed here the decoder returns
// ErrUnknownControlKind, which callers drop rather than surface to a
// peer, keeping the wire format forward-compatible.
type ControlKind byte

const (
	ControlDohQuery ControlKind = iota + 1
	ControlDohResponse
	ControlPing
	ControlPong
	ControlKeyRotation
	ControlEmergency
	ControlGroupList
	ControlGroupSelect
)

// ErrUnknownControlKind is returned by DecodeControlMessage for any tag
// outside the closed set above. Callers must treat this as "drop silently
// and log at trace level", never as a protocol error to surface to a peer.
var ErrUnknownControlKind = errors.New("protocol: unknown control message kind")

// ControlMessage is the closed tagged union carried as the payload of a
// control-flagged Proxy Frame. Exactly one of the typed fields is set,
// selected by Kind.
type ControlMessage struct {
	Kind ControlKind

	DohQuery    *DohQuery
	DohResponse *DohResponse
	Ping        *Ping
	Pong        *Pong
	KeyRotation *KeyRotation
	Emergency   *Emergency
	GroupList   *GroupList
	GroupSelect *GroupSelect
}

// DohQuery carries a simplified DNS-over-HTTPS query: a 1-byte record type
// (0x01 = A, 0x1C = AAAA) followed by the raw domain name.
type DohQuery struct {
	Query []byte
}

// DohResponse carries the resolved addresses: count(1) + (type(1) + octets)*.
type DohResponse struct {
	Response []byte
}

// Ping/Pong carry an 8-byte nonce used for liveness and decoy traffic.
type Ping struct{ Nonce uint64 }
type Pong struct{ Nonce uint64 }

// KeyRotation announces a signing-key rotation to subscribers.
type KeyRotation struct {
	NewPublicKey [32]byte
	ValidFromMs  uint64
	ValidUntilMs uint64
}

// EmergencyLevel is the severity of an emergency shutdown advisory.
type EmergencyLevel byte

const (
	EmergencyInfo EmergencyLevel = iota
	EmergencyWarning
	EmergencyCritical
)

// Emergency tells the client to wind down within TriggerAfterS seconds.
type Emergency struct {
	Level         EmergencyLevel
	TriggerAfterS uint32
}

// GroupList advertises the exit groups a handler can route to.
type GroupList struct {
	Groups []int32
}

// GroupSelect is the client/exit's reply picking one of the advertised groups.
type GroupSelect struct {
	GroupID int32
}

// MarshalBinary encodes a ControlMessage as kind(1) ‖ variant-specific body.
func (c ControlMessage) MarshalBinary() ([]byte, error) {
	switch c.Kind {
	case ControlDohQuery:
		return append([]byte{byte(c.Kind)}, c.DohQuery.Query...), nil
	case ControlDohResponse:
		return append([]byte{byte(c.Kind)}, c.DohResponse.Response...), nil
	case ControlPing:
		buf := make([]byte, 9)
		buf[0] = byte(c.Kind)
		binary.LittleEndian.PutUint64(buf[1:], c.Ping.Nonce)
		return buf, nil
	case ControlPong:
		buf := make([]byte, 9)
		buf[0] = byte(c.Kind)
		binary.LittleEndian.PutUint64(buf[1:], c.Pong.Nonce)
		return buf, nil
	case ControlKeyRotation:
		buf := make([]byte, 1+32+8+8)
		buf[0] = byte(c.Kind)
		copy(buf[1:33], c.KeyRotation.NewPublicKey[:])
		binary.LittleEndian.PutUint64(buf[33:41], c.KeyRotation.ValidFromMs)
		binary.LittleEndian.PutUint64(buf[41:49], c.KeyRotation.ValidUntilMs)
		return buf, nil
	case ControlEmergency:
		buf := make([]byte, 1+1+4)
		buf[0] = byte(c.Kind)
		buf[1] = byte(c.Emergency.Level)
		binary.LittleEndian.PutUint32(buf[2:], c.Emergency.TriggerAfterS)
		return buf, nil
	case ControlGroupList:
		buf := make([]byte, 1+2+4*len(c.GroupList.Groups))
		buf[0] = byte(c.Kind)
		binary.LittleEndian.PutUint16(buf[1:3], uint16(len(c.GroupList.Groups)))
		for i, g := range c.GroupList.Groups {
			binary.LittleEndian.PutUint32(buf[3+4*i:], uint32(g))
		}
		return buf, nil
	case ControlGroupSelect:
		buf := make([]byte, 5)
		buf[0] = byte(c.Kind)
		binary.LittleEndian.PutUint32(buf[1:], uint32(c.GroupSelect.GroupID))
		return buf, nil
	default:
		return nil, ErrUnknownControlKind
	}
}

// DecodeControlMessage is the inverse of MarshalBinary. An unrecognized
// leading kind byte returns ErrUnknownControlKind; callers must drop the
// frame and log at trace level rather than propagate the error to a peer.
func DecodeControlMessage(data []byte) (ControlMessage, error) {
	if len(data) < 1 {
		return ControlMessage{}, errors.New("protocol: empty control message")
	}

	kind := ControlKind(data[0])
	body := data[1:]

	switch kind {
	case ControlDohQuery:
		return ControlMessage{Kind: kind, DohQuery: &DohQuery{Query: append([]byte(nil), body...)}}, nil
	case ControlDohResponse:
		return ControlMessage{Kind: kind, DohResponse: &DohResponse{Response: append([]byte(nil), body...)}}, nil
	case ControlPing:
		if len(body) < 8 {
			return ControlMessage{}, errors.New("protocol: short ping")
		}
		return ControlMessage{Kind: kind, Ping: &Ping{Nonce: binary.LittleEndian.Uint64(body)}}, nil
	case ControlPong:
		if len(body) < 8 {
			return ControlMessage{}, errors.New("protocol: short pong")
		}
		return ControlMessage{Kind: kind, Pong: &Pong{Nonce: binary.LittleEndian.Uint64(body)}}, nil
	case ControlKeyRotation:
		if len(body) < 48 {
			return ControlMessage{}, errors.New("protocol: short key rotation")
		}
		var kr KeyRotation
		copy(kr.NewPublicKey[:], body[0:32])
		kr.ValidFromMs = binary.LittleEndian.Uint64(body[32:40])
		kr.ValidUntilMs = binary.LittleEndian.Uint64(body[40:48])
		return ControlMessage{Kind: kind, KeyRotation: &kr}, nil
	case ControlEmergency:
		if len(body) < 5 {
			return ControlMessage{}, errors.New("protocol: short emergency")
		}
		return ControlMessage{Kind: kind, Emergency: &Emergency{
			Level:         EmergencyLevel(body[0]),
			TriggerAfterS: binary.LittleEndian.Uint32(body[1:5]),
		}}, nil
	case ControlGroupList:
		if len(body) < 2 {
			return ControlMessage{}, errors.New("protocol: short group list")
		}
		n := int(binary.LittleEndian.Uint16(body[0:2]))
		if len(body) < 2+4*n {
			return ControlMessage{}, errors.New("protocol: truncated group list")
		}
		groups := make([]int32, n)
		for i := 0; i < n; i++ {
			groups[i] = int32(binary.LittleEndian.Uint32(body[2+4*i:]))
		}
		return ControlMessage{Kind: kind, GroupList: &GroupList{Groups: groups}}, nil
	case ControlGroupSelect:
		if len(body) < 4 {
			return ControlMessage{}, errors.New("protocol: short group select")
		}
		return ControlMessage{Kind: kind, GroupSelect: &GroupSelect{GroupID: int32(binary.LittleEndian.Uint32(body))}}, nil
	default:
		return ControlMessage{}, ErrUnknownControlKind
	}
}
