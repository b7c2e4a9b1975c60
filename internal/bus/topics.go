package bus

import "github.com/basket/clawlink/internal/chat"

// Gateway connection topics.
const (
	TopicGatewayStatus    = "gateway.status"
	TopicGatewayHandshake = "gateway.handshake"
)

// Chat topics.
const (
	TopicChatTranscript = "chat.transcript"
	TopicChatFinal      = "chat.final"
)

// StatusEvent is published whenever connectivity flips.
type StatusEvent struct {
	Connected  bool
	SessionKey string
	Attempt    int // connection attempt counter, starting at 1
}

// HandshakeEvent is published once per handshake outcome.
type HandshakeEvent struct {
	DeviceID string
	Outcome  string // "connected" or "failed"
	Reason   string
}

func (StatusEvent) Topic() string { return TopicGatewayStatus }

func (HandshakeEvent) Topic() string { return TopicGatewayHandshake }

// TranscriptEvent carries an immutable transcript snapshot.
type TranscriptEvent struct {
	SessionKey string
	Entries    []chat.Entry
	Loading    bool
}

// FinalEvent is published on the first finalization of a run.
type FinalEvent struct {
	SessionKey string
	RunID      string
	Text       string
}

func (TranscriptEvent) Topic() string { return TopicChatTranscript }

func (FinalEvent) Topic() string { return TopicChatFinal }
