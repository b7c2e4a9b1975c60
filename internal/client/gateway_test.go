package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/clawlink/internal/protocol"
	"github.com/basket/clawlink/internal/signer"
)

const (
	testToken      = "tok-test-123"
	testSessionKey = "agent:main:main"
)

// fakeGateway speaks just enough of the gateway protocol for end-to-end
// client tests: challenge, signed connect, chat.history and chat.send.
type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server

	history []protocol.HistoryMessage
	// historyDelay answers chat.history late without blocking other requests.
	historyDelay time.Duration

	// rejectConnects is how many connect requests to refuse before accepting.
	rejectConnects atomic.Int32
	// onChatSend replies to chat.send; nil acks and streams a canned run.
	onChatSend func(ctx context.Context, conn *websocket.Conn, req *protocol.Request)

	connects  atomic.Int32
	attempts  atomic.Int32
	mu        sync.Mutex
	conns     []*websocket.Conn
	requests  []*protocol.Request
	connected []protocol.ConnectParams
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{t: t}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.close)
	return g
}

func (g *fakeGateway) url() string { return "ws" + strings.TrimPrefix(g.srv.URL, "http") }

func (g *fakeGateway) close() {
	g.dropAll()
	g.srv.Close()
}

// dropAll closes every live connection as a gateway restart would.
func (g *fakeGateway) dropAll() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "gateway restarting")
	}
}

func (g *fakeGateway) methods() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.requests))
	for _, r := range g.requests {
		out = append(out, r.Method)
	}
	return out
}

func (g *fakeGateway) lastRequest(method string) *protocol.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.requests) - 1; i >= 0; i-- {
		if g.requests[i].Method == method {
			return g.requests[i]
		}
	}
	return nil
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	n := g.attempts.Add(1)
	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.mu.Unlock()
	defer conn.CloseNow()

	ctx := r.Context()
	nonce := "nonce-" + strconv.Itoa(int(n))
	g.writeEvent(ctx, conn, protocol.EventConnectChallenge, map[string]any{"nonce": nonce, "ts": time.Now().UnixMilli()})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		req, ok := frame.(*protocol.Request)
		if !ok {
			continue
		}
		g.mu.Lock()
		g.requests = append(g.requests, req)
		g.mu.Unlock()

		switch req.Method {
		case protocol.MethodConnect:
			g.handleConnect(ctx, conn, req, nonce)
		case protocol.MethodChatHistory:
			if g.historyDelay > 0 {
				go func(id string) {
					select {
					case <-ctx.Done():
					case <-time.After(g.historyDelay):
						g.writeResponse(ctx, conn, id, true, protocol.ChatHistoryResult{Messages: g.history}, nil)
					}
				}(req.ID)
				continue
			}
			g.writeResponse(ctx, conn, req.ID, true, protocol.ChatHistoryResult{Messages: g.history}, nil)
		case protocol.MethodChatSend:
			if g.onChatSend != nil {
				g.onChatSend(ctx, conn, req)
				continue
			}
			g.writeResponse(ctx, conn, req.ID, true, map[string]any{"runId": "run-1", "status": "started"}, nil)
			g.streamRun(ctx, conn, "run-1", "Hel", "Hello", "Hello there")
		default:
			g.writeResponse(ctx, conn, req.ID, false, nil, map[string]any{"code": "UNKNOWN_METHOD", "message": "unknown method " + req.Method})
		}
	}
}

func (g *fakeGateway) handleConnect(ctx context.Context, conn *websocket.Conn, req *protocol.Request, nonce string) {
	var p protocol.ConnectParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		g.writeResponse(ctx, conn, req.ID, false, nil, map[string]any{"message": "bad params"})
		return
	}
	g.mu.Lock()
	g.connected = append(g.connected, p)
	g.mu.Unlock()

	pub, err := signer.DecodeBase64URL(p.Device.PublicKey)
	sig, sigErr := signer.DecodeBase64URL(p.Device.Signature)
	payload := signer.BuildPayload(signer.PayloadParams{
		DeviceID:   p.Device.ID,
		ClientID:   p.Client.ID,
		ClientMode: p.Client.Mode,
		Role:       p.Role,
		Scopes:     p.Scopes,
		SignedAtMs: p.Device.SignedAt,
		Token:      p.Auth.Token,
		Nonce:      p.Device.Nonce,
	})
	valid := err == nil && sigErr == nil && signer.Verify(payload, sig, pub) &&
		p.Device.Nonce == nonce && p.Auth.Token == testToken

	if !valid {
		g.writeResponse(ctx, conn, req.ID, false, nil, map[string]any{"code": "UNAUTHORIZED", "message": "device signature invalid"})
		return
	}
	if g.rejectConnects.Load() > 0 {
		g.rejectConnects.Add(-1)
		g.writeResponse(ctx, conn, req.ID, false, nil, map[string]any{"code": "UNAUTHORIZED", "message": "pairing required"})
		return
	}
	g.connects.Add(1)
	g.writeResponse(ctx, conn, req.ID, true, map[string]any{
		"type":     "hello-ok",
		"protocol": 3,
		"snapshot": map[string]any{
			"sessionDefaults": map[string]any{"mainSessionKey": testSessionKey},
		},
	}, nil)
}

// streamRun emits cumulative deltas, the final, and a replayed final.
func (g *fakeGateway) streamRun(ctx context.Context, conn *websocket.Conn, runID string, texts ...string) {
	for i, text := range texts {
		state := protocol.ChatStateDelta
		if i == len(texts)-1 {
			state = protocol.ChatStateFinal
		}
		g.writeChat(ctx, conn, state, runID, text)
	}
	g.writeChat(ctx, conn, protocol.ChatStateFinal, runID, texts[len(texts)-1])
}

func (g *fakeGateway) writeChat(ctx context.Context, conn *websocket.Conn, state, runID, text string) {
	g.writeEvent(ctx, conn, protocol.EventChat, map[string]any{
		"state":      state,
		"runId":      runID,
		"sessionKey": testSessionKey,
		"message": map[string]any{
			"role":    "assistant",
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	})
}

func (g *fakeGateway) writeEvent(ctx context.Context, conn *websocket.Conn, name string, payload any) {
	data, err := protocol.EncodeEvent(name, payload)
	if err != nil {
		g.t.Errorf("encode event: %v", err)
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func (g *fakeGateway) writeResponse(ctx context.Context, conn *websocket.Conn, id string, ok bool, payload, errPayload any) {
	data, err := protocol.EncodeResponse(id, ok, payload, errPayload)
	if err != nil {
		g.t.Errorf("encode response: %v", err)
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}
