package client

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawlink/internal/audit"
	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/chat"
	"github.com/basket/clawlink/internal/config"
	"github.com/basket/clawlink/internal/handshake"
	clawotel "github.com/basket/clawlink/internal/otel"
	"github.com/basket/clawlink/internal/transport"
)

// DefaultReconnectDelay is the fixed pause between connection attempts.
const DefaultReconnectDelay = 3 * time.Second

// Credentials resolves the endpoint for each connection attempt.
type Credentials interface {
	Endpoint() (config.Endpoint, error)
}

// StaticCredentials always returns the same endpoint.
type StaticCredentials config.Endpoint

func (s StaticCredentials) Endpoint() (config.Endpoint, error) { return config.Endpoint(s), nil }

// Options configures a Client. Credentials and Identity are required.
type Options struct {
	Credentials Credentials
	Identity    handshake.IdentitySource

	// NewDialer builds the dialer for one attempt. Nil dials with coder/websocket.
	NewDialer func(ep config.Endpoint) transport.Dialer

	// Handshake describes this client in connect. Token is taken from the
	// resolved endpoint on every attempt.
	Handshake handshake.Config

	HistoryLimit   int
	RequestTimeout time.Duration
	ReconnectDelay time.Duration

	// FlagSendErrors renders failed sends as IsError entries. Nil means true.
	FlagSendErrors *bool

	// OnFinal runs on the client loop on each run's first finalization and
	// must not block.
	OnFinal chat.FinalFunc

	// CachedSessionKey and CachedEntries seed the transcript shown until the
	// first history load.
	CachedSessionKey string
	CachedEntries    []chat.Entry

	Bus     *bus.Bus
	Audit   *audit.Log
	Metrics *clawotel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// OptionsFromConfig maps the loaded config onto Options. Collaborators are
// left for the caller to fill in.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Handshake: handshake.Config{
			ClientID:          cfg.Client.ID,
			DisplayName:       cfg.Client.DisplayName,
			Version:           cfg.Client.Version,
			Mode:              cfg.Client.Mode,
			Role:              cfg.Client.Role,
			Scopes:            append([]string(nil), cfg.Client.Scopes...),
			MinProtocol:       cfg.Protocol.Min,
			MaxProtocol:       cfg.Protocol.Max,
			DefaultSessionKey: cfg.Session.DefaultKey,
		},
		HistoryLimit:   cfg.Session.HistoryLimit,
		RequestTimeout: cfg.RequestTimeout(),
		ReconnectDelay: cfg.ReconnectDelay(),
		FlagSendErrors: cfg.FlagSendErrors,
	}
}

func (o Options) sendErrorsFlagged() bool {
	return o.FlagSendErrors == nil || *o.FlagSendErrors
}
