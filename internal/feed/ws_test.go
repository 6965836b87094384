package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-copytrader/internal/book"
)

type wireFrame struct {
	Type      string   `json:"type"`
	Operation string   `json:"operation"`
	AssetIDs  []string `json:"assets_ids"`
}

// newFrameServer runs a WS endpoint that forwards every received frame.
func newFrameServer(t *testing.T) (*httptest.Server, chan wireFrame) {
	t.Helper()
	frames := make(chan wireFrame, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f wireFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			frames <- f
		}
	}))
	t.Cleanup(srv.Close)
	return srv, frames
}

func waitFrame(t *testing.T, frames chan wireFrame) wireFrame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("no frame received")
		return wireFrame{}
	}
}

func TestResubscribeSweepRepairsLostSubscriptions(t *testing.T) {
	t.Parallel()
	srv, frames := newFrameServer(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := book.NewCache(book.Config{}, logger)
	client := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), cache, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.connectAndRead(ctx)
	t.Cleanup(func() { client.Close() })

	// Initial replay of the (empty) subscription set.
	if f := waitFrame(t, frames); f.Type != "market" {
		t.Fatalf("first frame type = %q, want market", f.Type)
	}
	deadline := time.Now().Add(3 * time.Second)
	for client.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatal("client never reached connected state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Demand arrives, but its subscribe event is lost before the feed
	// sees it — the case where the cache's event channel overflowed.
	cache.GetNoWait("tok-1")
	select {
	case <-cache.Events():
	case <-time.After(time.Second):
		t.Fatal("cache did not emit a subscribe event")
	}

	client.resubscribeMissing()

	f := waitFrame(t, frames)
	if f.Operation != "subscribe" {
		t.Fatalf("frame operation = %q, want subscribe", f.Operation)
	}
	if len(f.AssetIDs) != 1 || f.AssetIDs[0] != "tok-1" {
		t.Errorf("frame assets = %v, want [tok-1]", f.AssetIDs)
	}

	// A second sweep is a no-op; the token is on the wire now.
	client.resubscribeMissing()
	select {
	case f := <-frames:
		t.Fatalf("unexpected frame after repair: %+v", f)
	case <-time.After(200 * time.Millisecond):
	}
}
