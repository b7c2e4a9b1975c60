// Package handshake drives the challenge-response device authentication
// that opens every gateway connection.
package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/basket/clawlink/internal/identity"
	"github.com/basket/clawlink/internal/protocol"
	"github.com/basket/clawlink/internal/signer"
)

// ConnectRequestID is the fixed id of the connect request.
const ConnectRequestID = "connect"

// DefaultSessionKey is used when the gateway does not advertise one.
const DefaultSessionKey = "main"

var (
	ErrMissingNonce        = errors.New("connect challenge without nonce")
	ErrUnexpectedChallenge = errors.New("connect challenge in unexpected state")
)

// State is the handshake phase of one connection.
type State int

const (
	Idle State = iota
	AwaitingChallenge
	Authenticating
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingChallenge:
		return "awaiting_challenge"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// IdentitySource supplies the device keypair.
type IdentitySource interface {
	LoadOrCreate(ctx context.Context) (identity.DeviceIdentity, error)
}

// Config is the client description sent in connect.
type Config struct {
	ClientID          string
	DisplayName       string
	Version           string
	Platform          string
	Mode              string
	Role              string
	Scopes            []string
	Token             string
	MinProtocol       int
	MaxProtocol       int
	DefaultSessionKey string
}

// Controller is the per-connection handshake state machine. It performs no
// I/O of its own; the owner sends the request it builds and reports back.
type Controller struct {
	cfg      Config
	ids      IdentitySource
	logger   *slog.Logger
	now      func() time.Time
	state    State
	deviceID string
	session  string
	failure  error
}

// New returns a Controller in the Idle state.
func New(cfg Config, ids IdentitySource, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}
	if cfg.DefaultSessionKey == "" {
		cfg.DefaultSessionKey = DefaultSessionKey
	}
	return &Controller{cfg: cfg, ids: ids, logger: logger, now: time.Now}
}

// SetClock replaces the time source used for signedAt.
func (c *Controller) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *Controller) State() State { return c.state }

// SessionKey is the active session key once Connected.
func (c *Controller) SessionKey() string { return c.session }

// DeviceID is the id presented in the last connect request.
func (c *Controller) DeviceID() string { return c.deviceID }

// Failure is the reason the handshake entered Failed.
func (c *Controller) Failure() error { return c.failure }

// OnOpened moves to AwaitingChallenge; the gateway speaks first.
func (c *Controller) OnOpened() {
	c.state = AwaitingChallenge
	c.session = ""
	c.failure = nil
}

// OnChallenge consumes the nonce and returns signed connect params.
func (c *Controller) OnChallenge(ctx context.Context, ch *protocol.ChallengeEvent) (protocol.ConnectParams, error) {
	if c.state != AwaitingChallenge {
		return protocol.ConnectParams{}, fmt.Errorf("%w: %s", ErrUnexpectedChallenge, c.state)
	}
	if ch == nil || ch.Nonce == "" {
		c.fail(ErrMissingNonce)
		return protocol.ConnectParams{}, ErrMissingNonce
	}
	if c.ids == nil {
		err := errors.New("no identity source")
		c.fail(err)
		return protocol.ConnectParams{}, err
	}
	id, err := c.ids.LoadOrCreate(ctx)
	if err != nil {
		err = fmt.Errorf("load device identity: %w", err)
		c.fail(err)
		return protocol.ConnectParams{}, err
	}

	signedAt := c.now().UnixMilli()
	payload := signer.BuildPayload(signer.PayloadParams{
		DeviceID:   id.DeviceID,
		ClientID:   c.cfg.ClientID,
		ClientMode: c.cfg.Mode,
		Role:       c.cfg.Role,
		Scopes:     c.cfg.Scopes,
		SignedAtMs: signedAt,
		Token:      c.cfg.Token,
		Nonce:      ch.Nonce,
	})
	sig, err := signer.Sign(payload, id.PrivateKey)
	if err != nil {
		err = fmt.Errorf("sign connect payload: %w", err)
		c.fail(err)
		return protocol.ConnectParams{}, err
	}

	c.state = Authenticating
	c.deviceID = id.DeviceID
	c.logger.Info("answering connect challenge", "device_id", id.DeviceID, "role", c.cfg.Role)

	scopes := append([]string(nil), c.cfg.Scopes...)
	if scopes == nil {
		scopes = []string{}
	}
	return protocol.ConnectParams{
		MinProtocol: c.cfg.MinProtocol,
		MaxProtocol: c.cfg.MaxProtocol,
		Client: protocol.ClientInfo{
			ID:          c.cfg.ClientID,
			DisplayName: c.cfg.DisplayName,
			Version:     c.cfg.Version,
			Platform:    c.cfg.Platform,
			Mode:        c.cfg.Mode,
		},
		Role:   c.cfg.Role,
		Scopes: scopes,
		Auth:   protocol.AuthInfo{Token: c.cfg.Token},
		Device: protocol.DeviceProof{
			ID:        id.DeviceID,
			PublicKey: id.PublicKeyBase64URL(),
			Signature: signer.EncodeBase64URL(sig),
			SignedAt:  signedAt,
			Nonce:     ch.Nonce,
		},
	}, nil
}

// OnConnectResult settles the handshake. On success it selects the active
// session key and returns it.
func (c *Controller) OnConnectResult(payload json.RawMessage, err error) (string, error) {
	if c.state != Authenticating {
		return "", fmt.Errorf("connect result in state %s", c.state)
	}
	if err != nil {
		c.fail(err)
		return "", err
	}
	key := protocol.MainSessionKey(payload)
	if key == "" {
		key = c.cfg.DefaultSessionKey
	}
	c.state = Connected
	c.session = key
	c.logger.Info("gateway handshake complete", "device_id", c.deviceID, "session_key", key)
	return key, nil
}

// Reset returns to Idle after the connection ends.
func (c *Controller) Reset() {
	c.state = Idle
	c.session = ""
}

func (c *Controller) fail(err error) {
	c.state = Failed
	c.failure = err
	c.logger.Warn("gateway handshake failed", "device_id", c.deviceID, "error", err)
}
