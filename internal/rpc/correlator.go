// Package rpc correlates request frames with their responses over a single
// shared transport.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	clawotel "github.com/basket/clawlink/internal/otel"
	"github.com/basket/clawlink/internal/protocol"
)

// DefaultTimeout bounds every correlated request.
const DefaultTimeout = 30 * time.Second

// Error is a correlator failure class. Compare with errors.Is.
type Error struct {
	kind string
	msg  string
}

func (e *Error) Error() string     { return e.msg }
func (e *Error) ErrorKind() string { return e.kind }

var (
	ErrNotConnected   = &Error{kind: "not_connected", msg: "gateway not connected"}
	ErrTimeout        = &Error{kind: "timeout", msg: "gateway request timed out"}
	ErrConnectionLost = &Error{kind: "connection_lost", msg: "gateway connection lost"}
)

// RequestError is a rejection ({ok:false}) returned by the gateway.
type RequestError struct {
	Method  string
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Method == "" {
		return e.Message
	}
	return e.Method + ": " + e.Message
}

func (e *RequestError) ErrorKind() string { return "rejected" }

// Sender is the subset of a transport the correlator writes to.
type Sender interface {
	Send(ctx context.Context, data []byte) error
	IsOpen() bool
}

// Observer receives one call per completed request.
type Observer interface {
	ObserveRequest(ctx context.Context, method string, elapsed time.Duration, err error)
}

type result struct {
	payload json.RawMessage
	err     error
}

type pending struct {
	method string
	ch     chan result
}

// Options configures a Correlator.
type Options struct {
	Timeout  time.Duration
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Observer Observer
}

// Correlator owns the pending table for one connection. A new Correlator is
// created for every connection attempt so ids restart at 1.
type Correlator struct {
	sender   Sender
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	observer Observer

	mu      sync.Mutex
	next    uint64
	pending map[string]*pending
}

// New returns a Correlator writing to sender.
func New(sender Sender, opts Options) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("clawlink/rpc")
	}
	return &Correlator{
		sender:   sender,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		observer: opts.Observer,
		pending:  make(map[string]*pending),
	}
}

// Send allocates the next id and blocks until the response, the timeout,
// ctx cancellation or a connection failure.
func (c *Correlator) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.sender == nil || !c.sender.IsOpen() {
		return nil, ErrNotConnected
	}
	c.mu.Lock()
	c.next++
	id := strconv.FormatUint(c.next, 10)
	c.mu.Unlock()
	return c.SendWithID(ctx, id, method, params)
}

// SendWithID is Send with a caller-chosen id. The handshake uses the
// well-known id "connect".
func (c *Correlator) SendWithID(ctx context.Context, id, method string, params any) (json.RawMessage, error) {
	if c.sender == nil || !c.sender.IsOpen() {
		return nil, ErrNotConnected
	}
	ctx, span := clawotel.StartClientSpan(ctx, c.tracer, "gateway."+method,
		clawotel.AttrMethod.String(method),
		clawotel.AttrRequestID.String(id),
	)
	defer span.End()
	started := time.Now()

	payload, err := c.roundTrip(ctx, id, method, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if c.observer != nil {
		c.observer.ObserveRequest(ctx, method, time.Since(started), err)
	}
	return payload, err
}

func (c *Correlator) roundTrip(ctx context.Context, id, method string, params any) (json.RawMessage, error) {
	frame, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	p := &pending{method: method, ch: make(chan result, 1)}
	c.mu.Lock()
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("request id %q already pending", id)
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.sender.Send(ctx, frame); err != nil {
		c.take(id)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	c.logger.Debug("gateway request sent", "method", method, "request_id", id)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-p.ch:
		return r.payload, r.err
	case <-timer.C:
		if c.complete(id, result{err: ErrTimeout}) {
			c.logger.Warn("gateway request timed out", "method", method, "request_id", id, "timeout", c.timeout)
		}
	case <-ctx.Done():
		c.complete(id, result{err: ctx.Err()})
	}
	r := <-p.ch
	return r.payload, r.err
}

// Resolve settles the pending entry matching res.ID. It reports whether an
// entry was found; responses for unknown or already-settled ids are ignored.
func (c *Correlator) Resolve(res *protocol.Response) bool {
	if res == nil {
		return false
	}
	var r result
	if res.OK {
		r.payload = res.Payload
	} else {
		c.mu.Lock()
		p := c.pending[res.ID]
		c.mu.Unlock()
		method := ""
		if p != nil {
			method = p.method
		}
		r.err = &RequestError{Method: method, Code: res.ErrorCode(), Message: res.ErrorMessage()}
	}
	if !c.complete(res.ID, r) {
		c.logger.Debug("dropping response for unknown request", "request_id", res.ID)
		return false
	}
	return true
}

// FailAll rejects every outstanding request with err.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()
	for _, p := range all {
		p.ch <- result{err: err}
	}
	return len(all)
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Has reports whether id is outstanding.
func (c *Correlator) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

func (c *Correlator) take(id string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

// complete removes id and delivers r. Only the first caller for an id wins.
func (c *Correlator) complete(id string, r result) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	p.ch <- r
	return true
}
