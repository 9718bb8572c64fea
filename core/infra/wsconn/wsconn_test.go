package wsconn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestEchoAndCloseCode(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := New(ws)
		c.Serve(func(data []byte) {
			if string(data) == "bye" {
				c.Send([]byte("last"))
				c.CloseWithCode(4401, "unauthenticated")
				return
			}
			c.Send(data)
		})
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))

	if err := client.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := client.ReadMessage()
	if err != nil || string(data) != "hello" {
		t.Fatalf("expected echo, got %q err=%v", data, err)
	}

	if err := client.WriteMessage(websocket.TextMessage, []byte("bye")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err = client.ReadMessage()
	if err != nil || string(data) != "last" {
		t.Fatalf("expected flushed frame before close, got %q err=%v", data, err)
	}
	_, _, err = client.ReadMessage()
	if !websocket.IsCloseError(err, 4401) {
		t.Fatalf("expected close 4401, got %v", err)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	c := &Conn{send: make(chan []byte, 1), done: make(chan struct{})}
	if !c.Send([]byte("a")) {
		t.Fatalf("expected queued send")
	}
	if c.Send([]byte("b")) {
		t.Fatalf("expected full queue to reject")
	}
	c.Close()
	c.Close()
	if c.Send([]byte("c")) {
		t.Fatalf("expected send after close to fail")
	}
}
