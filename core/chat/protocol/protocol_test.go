package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeAuth(t *testing.T) {
	in, err := Decode([]byte(`{"type":"auth","token":"abc"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	f, ok := in.(AuthFrame)
	if !ok || f.Token != "abc" {
		t.Fatalf("unexpected frame %#v", in)
	}
}

func TestDecodeMessageKeepsPayloadOpaque(t *testing.T) {
	in, err := Decode([]byte(`{"type":"message","payload":{"ct":[1,2,3]},"iv":"aXY="}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	f, ok := in.(MessageFrame)
	if !ok {
		t.Fatalf("unexpected frame %#v", in)
	}
	if string(f.Payload) != `{"ct":[1,2,3]}` || string(f.IV) != `"aXY="` {
		t.Fatalf("payload altered: %s %s", f.Payload, f.IV)
	}
}

func TestDecodeUnknownAndMalformed(t *testing.T) {
	in, err := Decode([]byte(`{"type":"typing"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u, ok := in.(UnknownFrame); !ok || u.Type != "typing" {
		t.Fatalf("expected unknown frame, got %#v", in)
	}
	if _, err := Decode([]byte(`not json`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if _, err := Decode([]byte(`{"token":"x"}`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected malformed error for missing type, got %v", err)
	}
}

func TestEncodeFrames(t *testing.T) {
	cases := []struct {
		frame Outbound
		want  string
	}{
		{AuthSuccess{}, `{"type":"auth_success"}`},
		{AuthError{Message: MsgAuthTimeout}, `{"type":"auth_error","message":"Authentication timeout"}`},
		{UserList{}, `{"type":"user_list","users":[]}`},
		{UserJoined{User{Email: "a@x.com", DisplayName: "A"}}, `{"type":"user_joined","email":"a@x.com","displayName":"A"}`},
		{UserLeft{Email: "a@x.com"}, `{"type":"user_left","email":"a@x.com"}`},
	}
	for _, tc := range cases {
		got, err := Encode(tc.frame)
		if err != nil {
			t.Fatalf("encode %T: %v", tc.frame, err)
		}
		if string(got) != tc.want {
			t.Fatalf("encode %T: got %s want %s", tc.frame, got, tc.want)
		}
	}
}

func TestNewBroadcastTimestamp(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 45, 123_000_000, time.FixedZone("x", 3600))
	b := NewBroadcast("a@x.com", json.RawMessage(`"p"`), json.RawMessage(`"i"`), now)
	if b.Timestamp != "2024-03-01T11:30:45.123Z" {
		t.Fatalf("unexpected timestamp %s", b.Timestamp)
	}
	data := MustEncode(b)
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "message" || decoded["from"] != "a@x.com" || decoded["payload"] != "p" || decoded["iv"] != "i" {
		t.Fatalf("unexpected broadcast %s", data)
	}
}

func TestRoomKey(t *testing.T) {
	if RoomKey("t1", "") != "t1" {
		t.Fatalf("expected tenant key")
	}
	if RoomKey("t1", "store-9") != "store-9" {
		t.Fatalf("expected sub-unit key")
	}
	id := Identity{TenantID: "t1", SubUnitID: " "}
	if id.RoomKey() != "t1" {
		t.Fatalf("blank sub-unit should fall back to tenant")
	}
}
