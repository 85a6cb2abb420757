package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/driftdoc/driftdoc/internal/crdt"
	"github.com/driftdoc/driftdoc/internal/kvlww"
)

// syncHub is a minimal relay server: one authoritative document per
// name, merged with every client's state on connect and kept current by
// relaying deltas between clients.
type syncHub struct {
	mu    sync.Mutex
	docs  map[string]*crdt.Doc
	conns map[string]map[*websocket.Conn]bool
}

func newSyncHub() *syncHub {
	return &syncHub{
		docs:  make(map[string]*crdt.Doc),
		conns: make(map[string]map[*websocket.Conn]bool),
	}
}

func (h *syncHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	go h.serve(conn)
}

func (h *syncHub) serve(conn *websocket.Conn) {
	ctx := context.Background()
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello, err := readFrame(ctx, conn)
	if err != nil || hello.Type != FrameState || hello.Doc == "" {
		return
	}

	h.mu.Lock()
	doc := h.docs[hello.Doc]
	if doc == nil {
		doc = crdt.NewNamedDoc(hello.Doc)
		h.docs[hello.Doc] = doc
	}
	if h.conns[hello.Doc] == nil {
		h.conns[hello.Doc] = make(map[*websocket.Conn]bool)
	}
	h.conns[hello.Doc][conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns[hello.Doc], conn)
		h.mu.Unlock()
	}()

	if len(hello.Body) > 0 {
		if err := doc.ApplyState(hello.Body, nil); err != nil {
			return
		}
	}
	state, err := doc.EncodeState()
	if err != nil {
		return
	}
	if err := writeFrame(ctx, conn, Frame{Type: FrameState, Body: state}); err != nil {
		return
	}

	for {
		frame, err := readFrame(ctx, conn)
		if err != nil {
			return
		}
		if frame.Type != FrameDelta {
			continue
		}
		if err := doc.ApplyUpdate(frame.Body, nil); err != nil {
			continue
		}

		h.mu.Lock()
		peers := make([]*websocket.Conn, 0, len(h.conns[hello.Doc]))
		for peer := range h.conns[hello.Doc] {
			if peer != conn {
				peers = append(peers, peer)
			}
		}
		h.mu.Unlock()
		for _, peer := range peers {
			_ = writeFrame(ctx, peer, frame)
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketSyncBetweenClients(t *testing.T) {
	srv := httptest.NewServer(newSyncHub())
	defer srv.Close()

	a := crdt.NewNamedDoc("room")
	defer a.Close()
	astore := kvlww.New(a, "kv")
	astack := runProvider(t, a, WebSocket(WebSocketOptions{URL: wsURL(srv)}))
	defer astack.Destroy()

	b := crdt.NewNamedDoc("room")
	defer b.Close()
	bstore := kvlww.New(b, "kv")
	bstack := runProvider(t, b, WebSocket(WebSocketOptions{URL: wsURL(srv)}))
	defer bstack.Destroy()

	astore.Set("k", json.RawMessage(`"from a"`))
	waitFor(t, "delta from a", func() bool {
		got, ok := bstore.Get("k")
		return ok && string(got) == `"from a"`
	})

	bstore.Set("k2", json.RawMessage(`"from b"`))
	waitFor(t, "delta from b", func() bool {
		got, ok := astore.Get("k2")
		return ok && string(got) == `"from b"`
	})
}

func TestWebSocketConnectReceivesExistingState(t *testing.T) {
	srv := httptest.NewServer(newSyncHub())
	defer srv.Close()

	a := crdt.NewNamedDoc("room")
	astore := kvlww.New(a, "kv")
	astack := runProvider(t, a, WebSocket(WebSocketOptions{URL: wsURL(srv)}))

	astore.Set("k", json.RawMessage(`"early"`))

	// A late joiner gets the accumulated state in the opening handshake.
	// Retried because the server applies a's delta asynchronously.
	waitFor(t, "state in handshake", func() bool {
		late := crdt.NewNamedDoc("room")
		defer late.Close()
		lstack, err := runProviderNoWait(t, late, WebSocket(WebSocketOptions{URL: wsURL(srv)}))
		if err != nil {
			return false
		}
		defer lstack.Destroy()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lstack.Await(ctx); err != nil {
			return false
		}
		got, ok := kvlww.New(late, "kv").Get("k")
		return ok && string(got) == `"early"`
	})

	astack.Destroy()
	a.Close()
}

func TestWebSocketDialFailureFailsReadiness(t *testing.T) {
	doc := crdt.NewNamedDoc("room")
	defer doc.Close()

	reg := WebSocket(WebSocketOptions{URL: "ws://127.0.0.1:1/nope"})
	stack, err := runProviderNoWait(t, doc, reg)
	if err != nil {
		t.Fatalf("factory should not dial: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stack.Await(ctx); err == nil {
		t.Fatal("expected readiness failure")
	}
}
