package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrNoCredentials means neither openclaw.json nor overrides supplied a
// gateway address and token.
var ErrNoCredentials = errors.New("gateway credentials not configured")

const credentialsSchema = `{
  "type": "object",
  "required": ["gateway"],
  "properties": {
    "gateway": {
      "type": "object",
      "required": ["auth", "port"],
      "properties": {
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "auth": {
          "type": "object",
          "required": ["token"],
          "properties": {"token": {"type": "string"}}
        }
      }
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func credentialsValidator() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(credentialsSchema))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal credentials schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("openclaw.json", doc); err != nil {
			compileErr = fmt.Errorf("add credentials schema: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("openclaw.json")
	})
	return compiledSchema, compileErr
}

// Credentials are the gateway fields of ~/.openclaw/openclaw.json.
type Credentials struct {
	Token string
	Port  int
}

// DefaultCredentialsPath is ~/.openclaw/openclaw.json.
func DefaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".openclaw", "openclaw.json")
}

// LoadCredentials reads and validates openclaw.json.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read openclaw.json: %w", err)
	}
	return ParseCredentials(data)
}

// ParseCredentials validates raw openclaw.json content and extracts
// gateway.auth.token and gateway.port.
func ParseCredentials(data []byte) (Credentials, error) {
	schema, err := credentialsValidator()
	if err != nil {
		return Credentials{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Credentials{}, fmt.Errorf("parse openclaw.json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return Credentials{}, fmt.Errorf("invalid openclaw.json: %w", err)
	}

	// Validation guarantees the shape below.
	gateway := doc.(map[string]any)["gateway"].(map[string]any)
	token := gateway["auth"].(map[string]any)["token"].(string)
	port, err := strconv.Atoi(fmt.Sprint(gateway["port"]))
	if err != nil {
		return Credentials{}, fmt.Errorf("invalid gateway.port: %w", err)
	}
	return Credentials{Token: token, Port: port}, nil
}

// Endpoint is everything needed to dial and authenticate.
type Endpoint struct {
	URL    string
	Origin string
	Token  string
}

// CredentialProvider resolves the gateway endpoint from config, env and
// openclaw.json. Results are cached until Invalidate.
type CredentialProvider struct {
	cfg Config

	mu     sync.Mutex
	cached *Endpoint
}

func NewCredentialProvider(cfg Config) *CredentialProvider {
	return &CredentialProvider{cfg: cfg}
}

// Invalidate drops the cached endpoint; the next Endpoint call re-reads files.
func (p *CredentialProvider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

// Endpoint returns the resolved endpoint.
func (p *CredentialProvider) Endpoint() (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return *p.cached, nil
	}
	ep, err := resolveEndpoint(p.cfg)
	if err != nil {
		return Endpoint{}, err
	}
	p.cached = &ep
	return ep, nil
}

func resolveEndpoint(cfg Config) (Endpoint, error) {
	ep := Endpoint{
		URL:    strings.TrimSpace(cfg.Gateway.URL),
		Origin: strings.TrimSpace(cfg.Gateway.Origin),
		Token:  cfg.Gateway.Token,
	}
	portOverride := 0
	if raw := os.Getenv("OPENCLAW_GATEWAY_PORT"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 65535 {
			return Endpoint{}, fmt.Errorf("OPENCLAW_GATEWAY_PORT %q: not a valid port", raw)
		}
		portOverride = v
	}

	needFile := ep.Token == "" || (ep.URL == "" && portOverride == 0)
	var creds Credentials
	if needFile {
		path := cfg.CredentialsFile()
		c, err := LoadCredentials(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Endpoint{}, fmt.Errorf("%w: %s not found", ErrNoCredentials, path)
			}
			return Endpoint{}, err
		}
		creds = c
	}
	if ep.Token == "" {
		ep.Token = creds.Token
	}
	if ep.URL == "" {
		port := creds.Port
		if portOverride != 0 {
			port = portOverride
		}
		ep.URL = fmt.Sprintf("ws://127.0.0.1:%d", port)
	}
	return ep, nil
}
