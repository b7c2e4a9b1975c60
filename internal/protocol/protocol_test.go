package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecode_Variants(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"res","id":"7","ok":true,"payload":{"x":1}}`))
	if err != nil {
		t.Fatalf("decode res: %v", err)
	}
	res, ok := frame.(*Response)
	if !ok {
		t.Fatalf("frame = %T, want *Response", frame)
	}
	if res.ID != "7" || !res.OK || string(res.Payload) != `{"x":1}` {
		t.Fatalf("unexpected response: %+v", res)
	}

	frame, err = Decode([]byte(`{"type":"event","event":"connect.challenge","payload":{"nonce":" abc123 "}}`))
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	ev, ok := frame.(*Event)
	if !ok {
		t.Fatalf("frame = %T, want *Event", frame)
	}
	challenge, ok := DecodeEvent(ev).(*ChallengeEvent)
	if !ok {
		t.Fatalf("DecodeEvent = %T, want *ChallengeEvent", DecodeEvent(ev))
	}
	if challenge.Nonce != "abc123" {
		t.Fatalf("nonce = %q, want abc123", challenge.Nonce)
	}

	frame, err = Decode([]byte(`{"type":"tick","ts":1}`))
	if err != nil {
		t.Fatalf("decode unknown: %v", err)
	}
	if u, ok := frame.(*Unknown); !ok || u.Type != "tick" {
		t.Fatalf("frame = %#v, want *Unknown tick", frame)
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"res",`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestDecodeEvent_UnknownName(t *testing.T) {
	ev := &Event{Event: "presence", Payload: json.RawMessage(`{}`)}
	if _, ok := DecodeEvent(ev).(*UnknownEvent); !ok {
		t.Fatal("expected UnknownEvent")
	}
}

func TestResponse_ErrorMessage(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"message":"bad token","code":"UNAUTHORIZED"}`, "bad token"},
		{`{"code":"E_RATE"}`, `{"code":"E_RATE"}`},
		{`"plain"`, "plain"},
		{``, "request failed"},
	}
	for _, tc := range cases {
		r := &Response{Error: json.RawMessage(tc.raw)}
		if got := r.ErrorMessage(); got != tc.want {
			t.Fatalf("ErrorMessage(%s) = %q, want %q", tc.raw, got, tc.want)
		}
	}
	r := &Response{Error: json.RawMessage(`{"message":"x","code":"UNAUTHORIZED"}`)}
	if got := r.ErrorCode(); got != "UNAUTHORIZED" {
		t.Fatalf("ErrorCode = %q, want UNAUTHORIZED", got)
	}
}

func TestEncodeRequest(t *testing.T) {
	raw, err := EncodeRequest("3", MethodChatSend, ChatSendParams{SessionKey: "main", Message: "hi", IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "req" || got["id"] != "3" || got["method"] != "chat.send" {
		t.Fatalf("unexpected frame: %v", got)
	}
	params := got["params"].(map[string]any)
	if params["deliver"] != false {
		t.Fatalf("deliver = %v, want false", params["deliver"])
	}
	if _, err := EncodeRequest("4", " ", nil); err == nil {
		t.Fatal("expected error for empty method")
	}
}

func TestMainSessionKey(t *testing.T) {
	cases := map[string]string{
		`{"snapshot":{"sessionDefaults":{"mainSessionKey":"agent:main:main"}}}`: "agent:main:main",
		`{"sessionDefaults":{"mainSessionKey":"agent:ops:main"}}`:               "agent:ops:main",
		`{"snapshot":{}}`: "",
		``:                "",
		`[1,2]`:           "",
	}
	for raw, want := range cases {
		if got := MainSessionKey(json.RawMessage(raw)); got != want {
			t.Fatalf("MainSessionKey(%s) = %q, want %q", raw, got, want)
		}
	}
}

func TestExtractText(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"string", `"Hello!"`, "Hello!"},
		{"blocks", `[{"type":"text","text":"Hel"},{"type":"image","url":"x"},{"type":"text","text":"lo"}]`, "Hello"},
		{"untyped block", `[{"text":"a"}]`, "a"},
		{"content string", `{"role":"assistant","content":"hi"}`, "hi"},
		{"content blocks", `{"content":[{"type":"text","text":"x"},{"type":"text","text":"y"}]}`, "xy"},
		{"nested content", `{"content":{"content":"deep"}}`, "deep"},
		{"text field", `{"text":"t"}`, "t"},
		{"text non-string", `{"text":42}`, "42"},
		{"number", `42`, ""},
		{"empty object", `{}`, ""},
		{"null", `null`, ""},
		{"empty", ``, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractText(json.RawMessage(tc.raw)); got != tc.want {
				t.Fatalf("ExtractText(%s) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestDecodeHistory(t *testing.T) {
	res, err := DecodeHistory(json.RawMessage(`{"messages":[{"role":"user","content":"hello"},{"role":"assistant","content":[{"type":"text","text":"Hi"}]}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(res.Messages))
	}
	if got := ExtractText(res.Messages[1].Content); got != "Hi" {
		t.Fatalf("text = %q, want Hi", got)
	}
	if _, err := DecodeHistory(json.RawMessage(`{"messages":"nope"}`)); err == nil {
		t.Fatal("expected decode error")
	}
}
