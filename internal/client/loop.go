package client

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/basket/clawlink/internal/audit"
	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/config"
	"github.com/basket/clawlink/internal/handshake"
	"github.com/basket/clawlink/internal/protocol"
	"github.com/basket/clawlink/internal/rpc"
	"github.com/basket/clawlink/internal/shared"
	"github.com/basket/clawlink/internal/transport"
)

const reasonClosedDuringHandshake = "connection closed during handshake"

// timer is a stoppable one-shot whose channel is nil while disarmed.
type timer struct {
	t *time.Timer
}

func (t *timer) C() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.C
}

func (t *timer) reset(d time.Duration) {
	t.stop()
	t.t = time.NewTimer(d)
}

func (t *timer) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

func (c *Client) loop() {
	defer close(c.done)
	defer c.cancel()

	c.dial()
	for {
		select {
		case <-c.ctx.Done():
			c.teardown()
			return
		case <-c.closing:
			c.teardown()
			return
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-c.events:
			if !ok {
				c.onClosed(-1)
				continue
			}
			c.onTransportEvent(ev)
		case <-c.retry.C():
			c.retry.t = nil
			c.dial()
		}
	}
}

// dial starts one connection attempt. Credentials are resolved afresh so a
// rotated token or port is picked up on reconnect.
func (c *Client) dial() {
	c.attempt++
	attempt := c.attempt
	if attempt > 1 {
		c.opts.Metrics.RecordReconnect(c.ctx)
	}
	traceCtx := shared.WithTraceID(c.ctx, shared.NewTraceID())
	c.connLog = shared.LoggerFrom(traceCtx, c.logger).With("attempt", attempt)
	c.publishStatus()

	ep, err := c.opts.Credentials.Endpoint()
	if err != nil {
		c.onDialFailed(err)
		return
	}
	dialer := c.opts.NewDialer(ep)
	ctx := c.ctx

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn, err := dialer.Dial(ctx)
		delivered := c.post(func() { c.onDialed(attempt, ep, conn, err) })
		if !delivered && conn != nil {
			discard(conn)
		}
	}()
}

func (c *Client) onDialed(attempt int, ep config.Endpoint, conn transport.Transport, err error) {
	if attempt != c.attempt {
		if conn != nil {
			discard(conn)
		}
		return
	}
	if err != nil {
		c.onDialFailed(err)
		return
	}

	c.conn = conn
	c.events = conn.Events()
	var observer rpc.Observer
	if c.opts.Metrics != nil {
		observer = c.opts.Metrics
	}
	c.corr = rpc.New(conn, rpc.Options{
		Timeout:  c.opts.RequestTimeout,
		Logger:   c.connLog,
		Tracer:   c.opts.Tracer,
		Observer: observer,
	})
	cfg := c.opts.Handshake
	cfg.Token = ep.Token
	c.hs = handshake.New(cfg, c.opts.Identity, c.connLog)
	c.connLog.Info("gateway transport connected", "url", ep.URL)
}

func (c *Client) onDialFailed(err error) {
	c.lastError = err.Error()
	c.connLog.Warn("gateway dial failed", "error", err)
	c.publishStatus()
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.connLog.Info("reconnecting", "delay", c.opts.ReconnectDelay)
	c.retry.reset(c.opts.ReconnectDelay)
}

func (c *Client) onTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.Opened:
		c.hs.OnOpened()
		c.publishStatus()
	case transport.Message:
		c.onFrame(ev.Data)
	case transport.Errored:
		if ev.Err != nil {
			c.lastError = ev.Err.Error()
		}
	case transport.Closed:
		c.onClosed(ev.Code)
	}
}

func (c *Client) onFrame(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		c.connLog.Debug("dropping malformed frame", "error", err)
		return
	}
	switch f := frame.(type) {
	case *protocol.Response:
		c.corr.Resolve(f)
	case *protocol.Event:
		c.onEvent(f)
	default:
		c.connLog.Debug("ignoring frame", "type", frame.FrameType())
	}
}

func (c *Client) onEvent(f *protocol.Event) {
	switch ev := protocol.DecodeEvent(f).(type) {
	case *protocol.ChallengeEvent:
		c.onChallenge(ev)
	case *protocol.ChatEvent:
		c.opts.Metrics.RecordChatEvent(c.ctx, ev.State)
		if c.rec.Apply(ev) {
			c.publishTranscript()
		}
	case *protocol.UnknownEvent:
		c.connLog.Debug("ignoring gateway event", "event", ev.Name)
	}
}

func (c *Client) onChallenge(ch *protocol.ChallengeEvent) {
	params, err := c.hs.OnChallenge(c.ctx, ch)
	if err != nil {
		if errors.Is(err, handshake.ErrUnexpectedChallenge) {
			c.connLog.Warn("ignoring connect challenge", "state", c.hs.State().String())
			return
		}
		c.onHandshakeFailed(err)
		return
	}
	c.publishStatus()

	corr, attempt, ctx := c.corr, c.attempt, c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		payload, err := corr.SendWithID(ctx, handshake.ConnectRequestID, protocol.MethodConnect, params)
		c.post(func() {
			if attempt != c.attempt || c.corr != corr {
				return
			}
			c.onConnectResult(payload, err)
		})
	}()
}

func (c *Client) onConnectResult(payload json.RawMessage, err error) {
	key, err := c.hs.OnConnectResult(payload, err)
	if err != nil {
		c.onHandshakeFailed(err)
		return
	}
	c.connected = true
	c.lastError = ""
	c.rec.SetSessionKey(key)
	c.opts.Metrics.SetConnected(c.ctx, 1)
	c.recordHandshake(audit.OutcomeConnected, "")
	c.publishStatus()
	c.publishTranscript()
	c.loadHistory(key)
}

// onHandshakeFailed closes the transport; the resulting Closed event
// schedules the reconnect.
func (c *Client) onHandshakeFailed(err error) {
	c.lastError = err.Error()
	c.recordHandshake(audit.OutcomeFailed, err.Error())
	c.publishStatus()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) recordHandshake(outcome, reason string) {
	deviceID := ""
	if c.hs != nil {
		deviceID = c.hs.DeviceID()
	}
	c.opts.Metrics.RecordHandshake(c.ctx, outcome)
	c.opts.Audit.RecordHandshake(c.ctx, deviceID, outcome, reason)
	if c.opts.Bus != nil {
		c.opts.Bus.Publish(bus.HandshakeEvent{
			DeviceID: deviceID,
			Outcome:  outcome,
			Reason:   shared.Redact(reason),
		})
	}
}

func (c *Client) loadHistory(sessionKey string) {
	corr, attempt, ctx := c.corr, c.attempt, c.ctx
	// Sends made while the request is in flight stay after the history.
	mark := c.rec.Mark()
	params := protocol.ChatHistoryParams{SessionKey: sessionKey, Limit: c.opts.HistoryLimit}
	logger := c.connLog

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		payload, err := corr.Send(shared.WithSessionKey(ctx, sessionKey), protocol.MethodChatHistory, params)
		c.post(func() {
			if attempt != c.attempt || c.corr != corr {
				return
			}
			if err != nil {
				logger.Warn("chat history request failed", "session_key", sessionKey, "error", err)
				return
			}
			history, err := protocol.DecodeHistory(payload)
			if err != nil {
				logger.Warn("chat history payload invalid", "session_key", sessionKey, "error", err)
				return
			}
			c.rec.SeedHistory(history, mark)
			c.historyLoaded = true
			c.publishTranscript()
			logger.Debug("chat history loaded", "session_key", sessionKey, "messages", len(history.Messages))
		})
	}()
}

// onClosed handles the end of the current transport, whatever the cause.
func (c *Client) onClosed(code int) {
	if c.conn == nil {
		return
	}
	c.connLog.Info("gateway connection closed", "code", code)

	switch c.hs.State() {
	case handshake.AwaitingChallenge, handshake.Authenticating:
		c.lastError = reasonClosedDuringHandshake
		c.recordHandshake(audit.OutcomeFailed, reasonClosedDuringHandshake)
	}

	wasConnected := c.connected
	c.connected = false
	c.historyLoaded = false
	c.corr.FailAll(rpc.ErrConnectionLost)
	_ = c.conn.Close()
	c.conn, c.events, c.corr = nil, nil, nil
	c.hs.Reset()
	c.rec.ResetRuns()
	if wasConnected {
		c.opts.Metrics.SetConnected(c.ctx, -1)
	}
	c.publishStatus()
	c.publishTranscript()
	c.scheduleReconnect()
}

// teardown runs once as the loop exits.
func (c *Client) teardown() {
	c.retry.stop()
	if c.corr != nil {
		c.corr.FailAll(ErrClosed)
	}
	c.cancel()
	if c.conn != nil {
		discard(c.conn)
	}
	if c.connected {
		c.opts.Metrics.SetConnected(c.ctx, -1)
	}
	c.conn, c.events, c.corr = nil, nil, nil
	c.connected = false
	c.historyLoaded = false
	if c.hs != nil {
		c.hs.Reset()
	}
	c.rec.ResetRuns()
	c.publishStatus()
	c.storeTranscript()
}

// discard closes conn and drains its events so its reader exits.
func discard(conn transport.Transport) {
	_ = conn.Close()
	for range conn.Events() {
	}
}
