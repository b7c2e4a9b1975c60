package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/clawlink/internal/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	open   atomic.Bool
	frames []protocol.Request
	sent   chan protocol.Request
	err    error
}

func newFakeSender() *fakeSender {
	s := &fakeSender{sent: make(chan protocol.Request, 64)}
	s.open.Store(true)
	return s
}

func (s *fakeSender) Send(_ context.Context, data []byte) error {
	if s.err != nil {
		return s.err
	}
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, req)
	s.mu.Unlock()
	s.sent <- req
	return nil
}

func (s *fakeSender) IsOpen() bool { return s.open.Load() }

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ObserveRequest(_ context.Context, method string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, fmt.Sprintf("%s:%v", method, err == nil))
}

func waitSent(t *testing.T, s *fakeSender) protocol.Request {
	t.Helper()
	select {
	case req := <-s.sent:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request frame")
	}
	return protocol.Request{}
}

func TestCorrelator_ReverseOrderResponses(t *testing.T) {
	sender := newFakeSender()
	c := New(sender, Options{})

	const n = 8
	type outcome struct {
		idx     int
		payload string
		err     error
	}
	results := make(chan outcome, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			p, err := c.Send(context.Background(), "echo", map[string]int{"i": i})
			results <- outcome{idx: i, payload: string(p), err: err}
		}(i)
	}

	reqs := make([]protocol.Request, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, waitSent(t, sender))
	}
	seen := map[string]bool{}
	for _, r := range reqs {
		if seen[r.ID] {
			t.Fatalf("duplicate request id %q", r.ID)
		}
		seen[r.ID] = true
	}

	for i := len(reqs) - 1; i >= 0; i-- {
		if !c.Resolve(&protocol.Response{ID: reqs[i].ID, OK: true, Payload: reqs[i].Params}) {
			t.Fatalf("resolve %s returned false", reqs[i].ID)
		}
	}
	for i := 0; i < n; i++ {
		out := <-results
		if out.err != nil {
			t.Fatalf("request %d: %v", out.idx, out.err)
		}
		want := fmt.Sprintf(`{"i":%d}`, out.idx)
		if out.payload != want {
			t.Fatalf("request %d got payload %s, want %s", out.idx, out.payload, want)
		}
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", c.Pending())
	}
}

func TestCorrelator_IDsIncrease(t *testing.T) {
	sender := newFakeSender()
	c := New(sender, Options{Timeout: 50 * time.Millisecond})
	for i := 1; i <= 3; i++ {
		go func() { _, _ = c.Send(context.Background(), "ping", nil) }()
		req := waitSent(t, sender)
		if req.ID != fmt.Sprint(i) {
			t.Fatalf("id = %q, want %d", req.ID, i)
		}
	}
}

func TestCorrelator_RejectionCarriesMessage(t *testing.T) {
	sender := newFakeSender()
	c := New(sender, Options{})
	errc := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "chat.send", nil)
		errc <- err
	}()
	req := waitSent(t, sender)
	c.Resolve(&protocol.Response{ID: req.ID, OK: false, Error: json.RawMessage(`{"code":"INVALID","message":"session missing"}`)})

	err := <-errc
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %T %v, want *RequestError", err, err)
	}
	if reqErr.Message != "session missing" || reqErr.Code != "INVALID" || reqErr.Method != "chat.send" {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
}

func TestCorrelator_RejectionWithoutMessageUsesJSON(t *testing.T) {
	sender := newFakeSender()
	c := New(sender, Options{})
	errc := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "x", nil)
		errc <- err
	}()
	req := waitSent(t, sender)
	c.Resolve(&protocol.Response{ID: req.ID, OK: false, Error: json.RawMessage(`{"code":"E1"}`)})
	var reqErr *RequestError
	if err := <-errc; !errors.As(err, &reqErr) || reqErr.Message != `{"code":"E1"}` {
		t.Fatalf("err = %v, want serialized error object", err)
	}
}

func TestCorrelator_TimeoutThenLateResponse(t *testing.T) {
	sender := newFakeSender()
	obs := &recordingObserver{}
	c := New(sender, Options{Timeout: 40 * time.Millisecond, Observer: obs})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "slow", nil)
		errc <- err
	}()
	req := waitSent(t, sender)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("err = %v, want ErrTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}
	if c.Has(req.ID) {
		t.Fatal("timed out entry should be removed")
	}
	if c.Resolve(&protocol.Response{ID: req.ID, OK: true}) {
		t.Fatal("late response should be a no-op")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.calls) != 1 || obs.calls[0] != "slow:false" {
		t.Fatalf("observer calls = %v", obs.calls)
	}
}

func TestCorrelator_NotConnected(t *testing.T) {
	sender := newFakeSender()
	sender.open.Store(false)
	c := New(sender, Options{})
	if _, err := c.Send(context.Background(), "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if c.Pending() != 0 {
		t.Fatal("nothing should be queued while disconnected")
	}

	if _, err := New(nil, Options{}).Send(context.Background(), "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("nil sender err = %v, want ErrNotConnected", err)
	}
}

func TestCorrelator_WriteFailure(t *testing.T) {
	sender := newFakeSender()
	sender.err = errors.New("broken pipe")
	c := New(sender, Options{})
	if _, err := c.Send(context.Background(), "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if c.Pending() != 0 {
		t.Fatal("failed write must not leave a pending entry")
	}
}

func TestCorrelator_FailAllFirstOutcomeWins(t *testing.T) {
	sender := newFakeSender()
	c := New(sender, Options{})
	errc := make(chan error, 1)
	go func() {
		_, err := c.SendWithID(context.Background(), "connect", protocol.MethodConnect, nil)
		errc <- err
	}()
	req := waitSent(t, sender)
	if req.ID != "connect" {
		t.Fatalf("id = %q, want connect", req.ID)
	}
	if n := c.FailAll(ErrConnectionLost); n != 1 {
		t.Fatalf("FailAll = %d, want 1", n)
	}
	if c.Resolve(&protocol.Response{ID: "connect", OK: true}) {
		t.Fatal("response after FailAll must be ignored")
	}
	if err := <-errc; !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("err = %v, want ErrConnectionLost", err)
	}
}

func TestCorrelator_ContextCancel(t *testing.T) {
	sender := newFakeSender()
	c := New(sender, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, "x", nil)
		errc <- err
	}()
	waitSent(t, sender)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c.Pending() != 0 {
		t.Fatal("canceled request should be removed")
	}
}
