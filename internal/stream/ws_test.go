package stream

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestWebSocketTail(t *testing.T) {
	srv, store := newTestServer(t)
	appendN(t, store, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/streams/"+url.PathEscape(testProject)+"?ws=true&offset=1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	read := func() StreamItem {
		t.Helper()
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var item StreamItem
		if err := json.Unmarshal(raw, &item); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		return item
	}

	// Replay after offset 1: events 2 and 3.
	if item := read(); item.Offset != 2 {
		t.Fatalf("offset = %d, want 2", item.Offset)
	}
	if item := read(); item.Offset != 3 {
		t.Fatalf("offset = %d, want 3", item.Offset)
	}

	// Live tail.
	appendN(t, store, 1)
	if item := read(); item.Offset != 4 {
		t.Fatalf("offset = %d, want 4", item.Offset)
	}
}
