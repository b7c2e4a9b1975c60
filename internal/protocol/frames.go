// Package protocol defines the gateway wire frames. Every frame is a JSON
// object with a "type" discriminator: req, res or event.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Frame is one decoded wire message: *Request, *Response, *Event or *Unknown.
type Frame interface {
	FrameType() string
}

// Request is a client→gateway call.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Request) FrameType() string { return TypeRequest }

// Response answers the Request with the same ID.
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func (*Response) FrameType() string { return TypeResponse }

// ErrorMessage returns error.message, or the raw error JSON when it carries no message.
func (r *Response) ErrorMessage() string {
	if len(r.Error) == 0 || string(r.Error) == "null" {
		return "request failed"
	}
	var shape struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Error, &shape); err == nil && shape.Message != "" {
		return shape.Message
	}
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil && s != "" {
		return s
	}
	return string(r.Error)
}

// ErrorCode returns error.code when present.
func (r *Response) ErrorCode() string {
	var shape struct {
		Code json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(r.Error, &shape); err != nil || len(shape.Code) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(shape.Code, &s); err == nil {
		return s
	}
	return string(shape.Code)
}

// Event is a gateway-initiated push.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

func (*Event) FrameType() string { return TypeEvent }

// Unknown carries a well-formed JSON object whose type is not understood.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (u *Unknown) FrameType() string { return u.Type }

// Decode parses one frame. Invalid JSON returns an error; callers drop such frames.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch head.Type {
	case TypeResponse:
		var res Response
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &res, nil
	case TypeEvent:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		return &ev, nil
	case TypeRequest:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		return &req, nil
	default:
		return &Unknown{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// EncodeRequest renders {type:"req", id, method, params}.
func EncodeRequest(id, method string, params any) ([]byte, error) {
	if strings.TrimSpace(method) == "" {
		return nil, fmt.Errorf("encode request: empty method")
	}
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		raw = b
	}
	return json.Marshal(struct {
		Type   string          `json:"type"`
		ID     string          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
	}{TypeRequest, id, method, raw})
}

// EncodeResponse renders a res frame. Used by gateway fakes and tooling.
func EncodeResponse(id string, ok bool, payload any, errPayload any) ([]byte, error) {
	frame := map[string]any{"type": TypeResponse, "id": id, "ok": ok}
	if payload != nil {
		frame["payload"] = payload
	}
	if errPayload != nil {
		frame["error"] = errPayload
	}
	return json.Marshal(frame)
}

// EncodeEvent renders an event frame.
func EncodeEvent(name string, payload any) ([]byte, error) {
	return json.Marshal(map[string]any{"type": TypeEvent, "event": name, "payload": payload})
}
