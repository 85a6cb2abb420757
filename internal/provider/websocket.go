package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"github.com/driftdoc/driftdoc/internal/crdt"
	"github.com/driftdoc/driftdoc/internal/extension"
)

// Frame types on the sync wire. The server opens with one state frame;
// everything after, in both directions, is deltas.
const (
	FrameState = "state"
	FrameDelta = "delta"
)

// Frame is one sync message. Body is itself JSON: an encoded document
// state or transaction delta.
type Frame struct {
	Type string          `json:"type"`
	Doc  string          `json:"doc,omitempty"`
	Body json.RawMessage `json:"body"`
}

// WebSocketOptions configures one sync registration.
type WebSocketOptions struct {
	// URL is the sync endpoint. The document name is sent in the opening
	// state exchange, not the URL.
	URL string

	// Key overrides the registration key, default "websocket".
	Key  string
	Tags []string

	// HTTPClient overrides the dialer's client, for tests.
	HTTPClient *http.Client

	Log *slog.Logger
}

// WebSocket returns a sync registration. Dialing and receiving the
// server's opening state frame is the extension's readiness; afterwards
// local transactions stream out and received deltas merge in.
func WebSocket(opts WebSocketOptions) extension.Registration {
	key := opts.Key
	if key == "" {
		key = "websocket"
	}
	return extension.Registration{
		Key:  key,
		Tags: opts.Tags,
		New: func(ctx context.Context, fc *extension.FactoryContext) (*extension.Extension, error) {
			if fc.Doc.Name() == "" {
				return nil, fmt.Errorf("websocket provider: document has no name")
			}
			log := opts.Log
			if log == nil {
				log = slog.Default()
			}
			p := &WebSocketProvider{doc: fc.Doc, opts: opts, log: log}
			return &extension.Extension{
				Exports:   p,
				WhenReady: p.connect,
				Destroy:   p.close,
			}, nil
		},
	}
}

// WebSocketProvider syncs one document over a websocket connection.
type WebSocketProvider struct {
	doc  *crdt.Doc
	opts WebSocketOptions
	log  *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	updateH int
	closed  bool
}

// connect dials, announces the document, and blocks until the server's
// state frame has been merged. Only then is the document considered in
// sync enough to use.
func (p *WebSocketProvider) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, p.opts.URL, &websocket.DialOptions{
		HTTPClient: p.opts.HTTPClient,
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.opts.URL, err)
	}

	hello := Frame{Type: FrameState, Doc: p.doc.Name()}
	state, err := p.doc.EncodeState()
	if err == nil {
		hello.Body = state
		err = writeFrame(ctx, conn, hello)
	}
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("send state: %w", err)
	}

	frame, err := readFrame(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("receive state: %w", err)
	}
	if frame.Type != FrameState {
		conn.Close(websocket.StatusProtocolError, "expected state frame")
		return fmt.Errorf("expected state frame, got %q", frame.Type)
	}
	if len(frame.Body) > 0 {
		if err := p.doc.ApplyState(frame.Body, p); err != nil {
			conn.Close(websocket.StatusInvalidFramePayloadData, "bad state")
			return fmt.Errorf("apply server state: %w", err)
		}
	}

	readCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.conn = conn
	p.cancel = cancel
	p.updateH = p.doc.OnUpdate(p.onUpdate)
	p.mu.Unlock()

	go p.readLoop(readCtx, conn)
	return nil
}

func (p *WebSocketProvider) onUpdate(u crdt.Update) {
	if u.Origin == p {
		return
	}
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}

	err := writeFrame(context.Background(), conn, Frame{Type: FrameDelta, Body: u.Delta})
	if err != nil {
		p.log.Error("send delta", slog.String("doc", p.doc.Name()), slog.Any("error", err))
	}
}

func (p *WebSocketProvider) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		frame, err := readFrame(ctx, conn)
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if !closed {
				p.log.Error("sync connection lost",
					slog.String("doc", p.doc.Name()), slog.Any("error", err))
			}
			return
		}
		switch frame.Type {
		case FrameDelta:
			if err := p.doc.ApplyUpdate(frame.Body, p); err != nil {
				p.log.Error("apply remote delta", slog.Any("error", err))
			}
		case FrameState:
			if err := p.doc.ApplyState(frame.Body, p); err != nil {
				p.log.Error("apply remote state", slog.Any("error", err))
			}
		}
	}
}

func (p *WebSocketProvider) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	cancel := p.cancel
	h := p.updateH
	p.mu.Unlock()

	p.doc.OffUpdate(h)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "closing")
	}
	return nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f Frame) error {
	buf, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, buf)
}

func readFrame(ctx context.Context, conn *websocket.Conn) (Frame, error) {
	var f Frame
	_, buf, err := conn.Read(ctx)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(buf, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
