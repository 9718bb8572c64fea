package bus

import (
	"context"
	"errors"
	"testing"
)

func TestLocalBusDeliversToRegisteredConn(t *testing.T) {
	b := NewLocalBus()
	var got []byte
	if err := b.Register("c1", func(data []byte) error {
		got = data
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.Push(context.Background(), "c1", []byte(`{"type":"user_left"}`)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if string(got) != `{"type":"user_left"}` {
		t.Fatalf("unexpected delivery %q", got)
	}
}

func TestLocalBusUnknownConnIsGone(t *testing.T) {
	b := NewLocalBus()
	if err := b.Push(context.Background(), "missing", nil); !errors.Is(err, ErrGone) {
		t.Fatalf("expected ErrGone, got %v", err)
	}
	_ = b.Register("c1", func([]byte) error { return nil })
	b.Unregister("c1")
	if err := b.Push(context.Background(), "c1", nil); !errors.Is(err, ErrGone) {
		t.Fatalf("expected ErrGone after unregister, got %v", err)
	}
}

func TestLocalBusDeliverFailureIsGone(t *testing.T) {
	b := NewLocalBus()
	_ = b.Register("c1", func([]byte) error { return errors.New("closed") })
	if err := b.Push(context.Background(), "c1", []byte("x")); !errors.Is(err, ErrGone) {
		t.Fatalf("expected ErrGone, got %v", err)
	}
}

func TestLocalBusRegisterValidation(t *testing.T) {
	b := NewLocalBus()
	if err := b.Register("", func([]byte) error { return nil }); err == nil {
		t.Fatalf("expected error for empty id")
	}
	if err := b.Register("c1", nil); err == nil {
		t.Fatalf("expected error for nil deliver")
	}
}

func TestPushSubject(t *testing.T) {
	if got := PushSubject("abc"); got != "chat.push.abc" {
		t.Fatalf("unexpected subject %q", got)
	}
	if PushSubject("") != "" {
		t.Fatalf("expected empty subject for empty id")
	}
}

func TestPushBusNilIsSafe(t *testing.T) {
	var b *PushBus
	if err := b.Push(context.Background(), "c1", nil); err == nil {
		t.Fatalf("expected error on nil bus")
	}
	b.Unregister("c1")
	b.Close()
	if b.IsConnected() {
		t.Fatalf("nil bus should not be connected")
	}
}

func TestLocalBusRoomEventsReachSubscribers(t *testing.T) {
	b := NewLocalBus()
	if err := b.SubscribeRooms(nil); err == nil {
		t.Fatalf("expected error for nil handler")
	}
	var got []RoomEvent
	if err := b.SubscribeRooms(func(_ context.Context, ev RoomEvent) {
		got = append(got, ev)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ev := RoomEvent{TenantID: "t1", RoomKey: "store-1", Exclude: "a@x.com", Frame: []byte(`{"type":"user_joined"}`)}
	if err := b.PublishRoom(ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 || got[0].RoomKey != "store-1" || got[0].Exclude != "a@x.com" || string(got[0].Frame) != `{"type":"user_joined"}` {
		t.Fatalf("unexpected events %+v", got)
	}
	b.Close()
	_ = b.PublishRoom(ev)
	if len(got) != 1 {
		t.Fatalf("closed bus must drop subscribers")
	}
}

func TestPushBusNilRoomRelay(t *testing.T) {
	var b *PushBus
	if err := b.PublishRoom(RoomEvent{}); err == nil {
		t.Fatalf("expected error on nil bus")
	}
	if err := b.SubscribeRooms(func(context.Context, RoomEvent) {}); err == nil {
		t.Fatalf("expected error on nil bus")
	}
}
