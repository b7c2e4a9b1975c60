package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event names.
const (
	EventConnectChallenge = "connect.challenge"
	EventChat             = "chat"
)

// Method names.
const (
	MethodConnect     = "connect"
	MethodChatHistory = "chat.history"
	MethodChatSend    = "chat.send"
)

// Chat event states.
const (
	ChatStateDelta = "delta"
	ChatStateFinal = "final"
	ChatStateError = "error"
	ChatStateUser  = "user"
)

// ChallengeEvent is the connect.challenge payload.
type ChallengeEvent struct {
	Nonce string `json:"nonce"`
	Ts    int64  `json:"ts,omitempty"`
}

// ChatEvent is the chat event payload.
type ChatEvent struct {
	State        string          `json:"state"`
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey,omitempty"`
	Role         string          `json:"role,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// UnknownEvent is an event whose name or payload is not understood.
type UnknownEvent struct {
	Name    string
	Payload json.RawMessage
}

// DecodeEvent maps an Event to *ChallengeEvent, *ChatEvent or *UnknownEvent.
func DecodeEvent(ev *Event) any {
	switch ev.Event {
	case EventConnectChallenge:
		var c ChallengeEvent
		if err := json.Unmarshal(ev.Payload, &c); err == nil {
			c.Nonce = strings.TrimSpace(c.Nonce)
			return &c
		}
	case EventChat:
		var c ChatEvent
		if err := json.Unmarshal(ev.Payload, &c); err == nil {
			return &c
		}
	}
	return &UnknownEvent{Name: ev.Event, Payload: ev.Payload}
}

// ClientInfo identifies this client to the gateway.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

// AuthInfo carries the bearer token.
type AuthInfo struct {
	Token string `json:"token,omitempty"`
}

// DeviceProof binds the signed challenge to the device key.
type DeviceProof struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// ConnectParams are the params of the connect request.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Auth        AuthInfo    `json:"auth"`
	Device      DeviceProof `json:"device"`
}

type sessionDefaults struct {
	MainSessionKey string `json:"mainSessionKey"`
}

// HelloPayload is the success payload of connect.
type HelloPayload struct {
	Protocol        int              `json:"protocol,omitempty"`
	SessionDefaults *sessionDefaults `json:"sessionDefaults,omitempty"`
	Snapshot        *struct {
		SessionDefaults *sessionDefaults `json:"sessionDefaults,omitempty"`
	} `json:"snapshot,omitempty"`
}

// MainSessionKey reads snapshot.sessionDefaults.mainSessionKey, then
// sessionDefaults.mainSessionKey. Empty when neither is present.
func MainSessionKey(payload json.RawMessage) string {
	var hello HelloPayload
	if len(payload) == 0 || json.Unmarshal(payload, &hello) != nil {
		return ""
	}
	if hello.Snapshot != nil && hello.Snapshot.SessionDefaults != nil {
		if key := strings.TrimSpace(hello.Snapshot.SessionDefaults.MainSessionKey); key != "" {
			return key
		}
	}
	if hello.SessionDefaults != nil {
		return strings.TrimSpace(hello.SessionDefaults.MainSessionKey)
	}
	return ""
}

// ChatHistoryParams are the params of chat.history.
type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// HistoryMessage is one element of the chat.history result.
type HistoryMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChatHistoryResult is the chat.history payload.
type ChatHistoryResult struct {
	Messages []HistoryMessage `json:"messages"`
}

// DecodeHistory parses a chat.history payload.
func DecodeHistory(payload json.RawMessage) (ChatHistoryResult, error) {
	var out ChatHistoryResult
	if len(payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode chat.history: %w", err)
	}
	return out, nil
}

// ChatSendParams are the params of chat.send. Deliver=false keeps the reply
// off external channels; it arrives only as chat events.
type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Deliver        bool   `json:"deliver"`
	IdempotencyKey string `json:"idempotencyKey"`
}
