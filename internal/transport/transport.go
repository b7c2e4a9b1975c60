// Package transport wraps one physical duplex websocket to the gateway and
// exposes it as an ordered stream of lifecycle and message events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ErrClosed is returned by Send once the transport is no longer open.
var ErrClosed = errors.New("transport closed")

// EventKind enumerates transport lifecycle events.
type EventKind int

const (
	Opened EventKind = iota + 1
	Message
	Errored
	Closed
)

func (k EventKind) String() string {
	switch k {
	case Opened:
		return "opened"
	case Message:
		return "message"
	case Errored:
		return "errored"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one observation from the transport. Data is set for Message,
// Err for Errored, Code for Closed (-1 when no close frame was received).
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
	Code int
}

// Transport is a single connection attempt. After Errored or Closed no
// further Message events fire and the Events channel is closed; callers
// dial a new Transport to retry.
type Transport interface {
	Events() <-chan Event
	Send(ctx context.Context, data []byte) error
	Close() error
	IsOpen() bool
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }

const (
	defaultReadLimit   = 4 << 20
	defaultDialTimeout = 10 * time.Second
	eventBuffer        = 64
)

// WebSocketDialer dials the gateway with coder/websocket.
type WebSocketDialer struct {
	URL         string
	Origin      string
	Header      http.Header
	ReadLimit   int64
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Dial connects and returns a Transport whose first event is Opened.
func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	url := strings.TrimSpace(d.URL)
	if url == "" {
		return nil, fmt.Errorf("dial gateway: empty url")
	}
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	if d.Origin != "" {
		header.Set("Origin", d.Origin)
	}
	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return newConnTransport(conn, logger), nil
}

// connTransport adapts a *websocket.Conn. A single reader goroutine owns
// the events channel and closes it after the terminal Closed event.
type connTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger
	events chan Event
	done   chan struct{}

	open      atomic.Bool
	closeOnce sync.Once
	closing   atomic.Bool
}

// NewConnTransport wraps an already-established websocket connection.
func NewConnTransport(conn *websocket.Conn, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return newConnTransport(conn, logger)
}

func newConnTransport(conn *websocket.Conn, logger *slog.Logger) *connTransport {
	t := &connTransport{
		conn:   conn,
		logger: logger,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	t.open.Store(true)
	go t.readLoop()
	return t
}

func (t *connTransport) Events() <-chan Event { return t.events }

func (t *connTransport) IsOpen() bool { return t.open.Load() }

func (t *connTransport) Send(ctx context.Context, data []byte) error {
	if !t.open.Load() {
		return ErrClosed
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *connTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closing.Store(true)
		t.open.Store(false)
		close(t.done)
		err = t.conn.Close(websocket.StatusNormalClosure, "client closing")
	})
	return err
}

func (t *connTransport) emit(ev Event) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.events <- ev:
		return true
	case <-t.done:
		return false
	}
}

func (t *connTransport) readLoop() {
	defer close(t.events)
	if !t.emit(Event{Kind: Opened}) {
		t.finish(Event{Kind: Closed, Code: int(websocket.StatusNormalClosure)})
		return
	}
	for {
		_, data, err := t.conn.Read(context.Background())
		if err != nil {
			t.open.Store(false)
			code := int(websocket.CloseStatus(err))
			if code < 0 && !t.closing.Load() {
				t.logger.Warn("gateway transport error", "error", err)
				t.emit(Event{Kind: Errored, Err: err})
			}
			if t.closing.Load() && code < 0 {
				code = int(websocket.StatusNormalClosure)
			}
			t.finish(Event{Kind: Closed, Code: code})
			return
		}
		if !t.emit(Event{Kind: Message, Data: data}) {
			t.finish(Event{Kind: Closed, Code: int(websocket.StatusNormalClosure)})
			return
		}
	}
}

// finish delivers the terminal Closed event without blocking forever on a
// consumer that has stopped reading.
func (t *connTransport) finish(ev Event) {
	select {
	case t.events <- ev:
	default:
		select {
		case t.events <- ev:
		case <-time.After(time.Second):
			t.logger.Debug("dropped closed event; consumer gone")
		}
	}
}
