package protocol

import "testing"

func TestControlMessagePingPongRoundTrip(t *testing.T) {
	msg := ControlMessage{Kind: ControlPing, Ping: &Ping{Nonce: 0xdeadbeef}}
	raw, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	got, err := DecodeControlMessage(raw)
	if err != nil {
		t.Fatalf("DecodeControlMessage: %v", err)
	}
	if got.Kind != ControlPing || got.Ping.Nonce != 0xdeadbeef {
		t.Errorf("got %+v", got)
	}
}

func TestControlMessageGroupListRoundTrip(t *testing.T) {
	msg := ControlMessage{Kind: ControlGroupList, GroupList: &GroupList{Groups: []int32{1, 2, 3}}}
	raw, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	got, err := DecodeControlMessage(raw)
	if err != nil {
		t.Fatalf("DecodeControlMessage: %v", err)
	}
	if len(got.GroupList.Groups) != 3 || got.GroupList.Groups[2] != 3 {
		t.Errorf("got %+v", got.GroupList)
	}
}

func TestControlMessageEmergencyRoundTrip(t *testing.T) {
	msg := ControlMessage{Kind: ControlEmergency, Emergency: &Emergency{Level: EmergencyCritical, TriggerAfterS: 30}}
	raw, _ := msg.MarshalBinary()
	got, err := DecodeControlMessage(raw)
	if err != nil {
		t.Fatalf("DecodeControlMessage: %v", err)
	}
	if got.Emergency.Level != EmergencyCritical || got.Emergency.TriggerAfterS != 30 {
		t.Errorf("got %+v", got.Emergency)
	}
}

func TestDecodeControlMessageUnknownKindReturnsErrUnknownControlKind(t *testing.T) {
	_, err := DecodeControlMessage([]byte{0xFE, 1, 2, 3})
	if err != ErrUnknownControlKind {
		t.Fatalf("expected ErrUnknownControlKind, got %v", err)
	}
}

func TestDecodeControlMessageRejectsEmpty(t *testing.T) {
	if _, err := DecodeControlMessage(nil); err == nil {
		t.Fatalf("expected error for empty message")
	}
}
