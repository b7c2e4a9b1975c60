// Package client is the gateway chat client: it owns one connection at a
// time, authenticates it, keeps the transcript and reconnects forever.
package client

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/chat"
	"github.com/basket/clawlink/internal/config"
	"github.com/basket/clawlink/internal/handshake"
	"github.com/basket/clawlink/internal/protocol"
	"github.com/basket/clawlink/internal/rpc"
	"github.com/basket/clawlink/internal/shared"
	"github.com/basket/clawlink/internal/transport"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("client closed")
	// ErrEmptyMessage rejects blank sends.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNotStarted is returned by SendMessage before Start.
	ErrNotStarted = errors.New("client not started")
)

// Status is an immutable connectivity snapshot.
type Status struct {
	Connected  bool
	State      string
	SessionKey string
	DeviceID   string
	Attempt    int
	LastError  string
}

// Transcript is an immutable transcript snapshot. HistoryLoaded is set once
// chat.history has seeded the current connection.
type Transcript struct {
	SessionKey    string
	Entries       []chat.Entry
	Loading       bool
	HistoryLoaded bool
}

// Client serializes every transport event, API command and request result
// through a single loop goroutine.
type Client struct {
	opts   Options
	logger *slog.Logger

	cmds    chan func()
	closing chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool

	status     atomic.Pointer[Status]
	transcript atomic.Pointer[Transcript]

	readyMu sync.Mutex
	ready   chan struct{}

	// Loop-owned state.
	ctx           context.Context
	cancel        context.CancelFunc
	rec           *chat.Reconciler
	attempt       int
	conn          transport.Transport
	events        <-chan transport.Event
	corr          *rpc.Correlator
	hs            *handshake.Controller
	connected     bool
	historyLoaded bool
	lastError     string
	retry         timer
	connLog       *slog.Logger
}

// New validates opts and returns an idle Client. Call Start or Run.
func New(opts Options) (*Client, error) {
	if opts.Credentials == nil {
		return nil, errors.New("client: credentials are required")
	}
	if opts.Identity == nil {
		return nil, errors.New("client: identity source is required")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = rpc.DefaultTimeout
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = config.DefaultHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewDialer == nil {
		logger := opts.Logger
		opts.NewDialer = func(ep config.Endpoint) transport.Dialer {
			return &transport.WebSocketDialer{URL: ep.URL, Origin: ep.Origin, Logger: logger}
		}
	}

	c := &Client{
		opts:    opts,
		logger:  opts.Logger,
		cmds:    make(chan func()),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
	}
	c.rec = chat.NewReconciler(opts.Logger, c.onFinal)
	if len(opts.CachedEntries) > 0 {
		c.rec.SetSessionKey(opts.CachedSessionKey)
		c.rec.Restore(opts.CachedEntries)
	}
	c.status.Store(&Status{State: handshake.Idle.String()})
	c.storeTranscript()
	return c, nil
}

// Start launches the loop and the first connection attempt. The loop stops
// when ctx is done or Close is called.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.started.Store(true)
		c.ctx, c.cancel = context.WithCancel(ctx)
		go c.loop()
	})
}

// Run starts the client and blocks until ctx is done, then closes it.
func (c *Client) Run(ctx context.Context) error {
	c.Start(ctx)
	select {
	case <-ctx.Done():
	case <-c.done:
	}
	return c.Close()
}

// Close tears down the connection, rejects outstanding requests with
// ErrClosed and waits for the loop to exit. It is safe to call repeatedly.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
	if c.started.Load() {
		<-c.done
	}
	c.wg.Wait()
	return nil
}

// Done is closed when the loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Status returns the latest connectivity snapshot.
func (c *Client) Status() Status { return *c.status.Load() }

// Transcript returns the latest transcript snapshot. Entries must not be
// modified.
func (c *Client) Transcript() Transcript { return *c.transcript.Load() }

// WaitConnected blocks until the handshake has completed.
func (c *Client) WaitConnected(ctx context.Context) (Status, error) {
	for {
		c.readyMu.Lock()
		ready := c.ready
		c.readyMu.Unlock()

		select {
		case <-ready:
			if st := c.Status(); st.Connected {
				return st, nil
			}
		case <-ctx.Done():
			return c.Status(), ctx.Err()
		case <-c.closing:
			return c.Status(), ErrClosed
		case <-c.done:
			return c.Status(), ErrClosed
		}
	}
}

// SendMessage appends text as a user entry and sends it with chat.send. Once
// the client is started, any failure appends an error entry and returns the
// error. Before Start it returns ErrNotStarted and leaves the transcript alone.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if !c.started.Load() {
		return ErrNotStarted
	}

	var (
		corr       *rpc.Correlator
		sessionKey string
	)
	err := c.do(func() {
		c.rec.AppendUser(text)
		c.rec.SetLoading(true)
		sessionKey = c.rec.SessionKey()
		if c.connected {
			corr = c.corr
		}
		c.publishTranscript()
	})
	if err != nil {
		return err
	}

	if corr == nil {
		err = rpc.ErrNotConnected
	} else {
		ctx = shared.WithSessionKey(ctx, sessionKey)
		_, err = corr.Send(ctx, protocol.MethodChatSend, protocol.ChatSendParams{
			SessionKey:     sessionKey,
			Message:        text,
			Deliver:        false,
			IdempotencyKey: shared.NewIdempotencyKey(),
		})
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClosed) {
		return ErrClosed
	}

	flagged := c.opts.sendErrorsFlagged()
	_ = c.do(func() {
		c.rec.AppendSendError(err, flagged)
		c.publishTranscript()
	})
	shared.LoggerFrom(ctx, c.logger).Warn("chat send failed", "error", err)
	return err
}

// do runs fn on the loop and waits for it.
func (c *Client) do(fn func()) error {
	if !c.started.Load() {
		return rpc.ErrNotConnected
	}
	finished := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(finished) }:
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// post hands fn to the loop from a helper goroutine. It reports false when
// the client is closing and fn was dropped.
func (c *Client) post(fn func()) bool {
	select {
	case c.cmds <- fn:
		return true
	case <-c.closing:
		return false
	case <-c.done:
		return false
	}
}

func (c *Client) onFinal(runID, text string) {
	if c.opts.Bus != nil {
		c.opts.Bus.Publish(bus.FinalEvent{
			SessionKey: c.rec.SessionKey(),
			RunID:      runID,
			Text:       text,
		})
	}
	if c.opts.OnFinal != nil {
		c.opts.OnFinal(runID, text)
	}
}

func (c *Client) storeTranscript() *Transcript {
	snap := &Transcript{
		SessionKey:    c.rec.SessionKey(),
		Entries:       c.rec.Entries(),
		Loading:       c.rec.Loading(),
		HistoryLoaded: c.historyLoaded,
	}
	c.transcript.Store(snap)
	return snap
}

func (c *Client) publishTranscript() {
	snap := c.storeTranscript()
	if c.opts.Bus != nil {
		c.opts.Bus.Publish(bus.TranscriptEvent{
			SessionKey: snap.SessionKey,
			Entries:    snap.Entries,
			Loading:    snap.Loading,
		})
	}
}

func (c *Client) publishStatus() {
	st := &Status{
		Connected:  c.connected,
		State:      handshake.Idle.String(),
		SessionKey: c.rec.SessionKey(),
		Attempt:    c.attempt,
		LastError:  c.lastError,
	}
	if c.hs != nil {
		st.State = c.hs.State().String()
		st.DeviceID = c.hs.DeviceID()
	}
	prev := c.status.Swap(st)

	c.readyMu.Lock()
	select {
	case <-c.ready:
		if !st.Connected {
			c.ready = make(chan struct{})
		}
	default:
		if st.Connected {
			close(c.ready)
		}
	}
	c.readyMu.Unlock()

	if c.opts.Bus != nil && (prev == nil || prev.Connected != st.Connected || prev.Attempt != st.Attempt) {
		c.opts.Bus.Publish(bus.StatusEvent{
			Connected:  st.Connected,
			SessionKey: st.SessionKey,
			Attempt:    st.Attempt,
		})
	}
}
