package polymarket

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"predictarb/internal/venue"
)

// wsRecorder upgrades incoming connections and records every json message
// the feed writes.
type wsRecorder struct {
	srv *httptest.Server

	mu   sync.Mutex
	msgs []map[string]any
}

func newWSRecorder(t *testing.T) *wsRecorder {
	t.Helper()
	r := &wsRecorder{}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			r.mu.Lock()
			r.msgs = append(r.msgs, msg)
			r.mu.Unlock()
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *wsRecorder) url() string { return "ws" + strings.TrimPrefix(r.srv.URL, "http") }

func (r *wsRecorder) messages() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// Every subscription write, whether queued before the connect or sent
// mid-connection, uses the market-channel shape the endpoint speaks.
func TestFeedSubscribeWireShape(t *testing.T) {
	t.Parallel()

	rec := newWSRecorder(t)
	f := NewFeed(rec.url(), &Client{}, slog.Default())

	// Raw token ids pass through the client's resolver untouched.
	if err := f.Subscribe([]string{"1111"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	waitFor := func(n int) []map[string]any {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if msgs := rec.messages(); len(msgs) >= n {
				return msgs
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for %d messages, got %v", n, rec.messages())
		return nil
	}

	// The connect replay carries the queued token.
	assertMarketSubscribe(t, waitFor(1)[0], "1111")

	deadline := time.Now().Add(2 * time.Second)
	for f.State() < venue.StateSubscribed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := f.Subscribe([]string{"2222"}); err != nil {
		t.Fatal(err)
	}

	// The incremental subscribe resends the grown set in the same shape.
	assertMarketSubscribe(t, waitFor(2)[1], "1111", "2222")
}

func assertMarketSubscribe(t *testing.T, msg map[string]any, tokens ...string) {
	t.Helper()
	if msg["type"] != "market" {
		t.Errorf("message type = %v, want market: %v", msg["type"], msg)
	}
	if _, ok := msg["operation"]; ok {
		t.Errorf("message carries an operation field: %v", msg)
	}
	raw, _ := msg["assets_ids"].([]any)
	got := make(map[string]bool, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			got[s] = true
		}
	}
	if len(got) != len(tokens) {
		t.Fatalf("assets_ids = %v, want %v", raw, tokens)
	}
	for _, tok := range tokens {
		if !got[tok] {
			t.Errorf("assets_ids = %v, missing %s", raw, tok)
		}
	}
}
