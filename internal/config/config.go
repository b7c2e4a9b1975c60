package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type GatewayConfig struct {
	// URL overrides the ws://127.0.0.1:<port> address derived from credentials.
	URL             string `yaml:"url"`
	Origin          string `yaml:"origin"`
	CredentialsPath string `yaml:"credentials_path"`
	// Token overrides gateway.auth.token from the credentials file.
	Token string `yaml:"token"`
}

type ClientConfig struct {
	ID          string   `yaml:"id"`
	DisplayName string   `yaml:"display_name"`
	Version     string   `yaml:"version"`
	Mode        string   `yaml:"mode"`
	Role        string   `yaml:"role"`
	Scopes      []string `yaml:"scopes"`
}

type ProtocolConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type SessionConfig struct {
	DefaultKey   string `yaml:"default_key"`
	HistoryLimit int    `yaml:"history_limit"`
}

type IdentityConfig struct {
	// Backend is "file" (one JSON file per key) or "sqlite" (kv_store table).
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type SpeechConfig struct {
	Enabled bool     `yaml:"enabled"`
	Command []string `yaml:"command"`
}

type TranscriptConfig struct {
	Cache             bool   `yaml:"cache"`
	RetentionDays     int    `yaml:"retention_days"`
	RetentionSchedule string `yaml:"retention_schedule"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Gateway    GatewayConfig    `yaml:"gateway"`
	Client     ClientConfig     `yaml:"client"`
	Protocol   ProtocolConfig   `yaml:"protocol"`
	Session    SessionConfig    `yaml:"session"`
	Identity   IdentityConfig   `yaml:"identity"`
	Speech     SpeechConfig     `yaml:"speech"`
	Transcript TranscriptConfig `yaml:"transcript"`
	OTel       OTelConfig       `yaml:"otel"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	ReconnectDelaySeconds int `yaml:"reconnect_delay_seconds"`

	// FlagSendErrors renders failed sends as error entries. When false they
	// appear as plain assistant lines prefixed "Error: ".
	FlagSendErrors *bool `yaml:"flag_send_errors"`

	// Missing is true when no config.yaml was found.
	Missing bool `yaml:"-"`
}

const (
	DefaultClientID     = "clawlink"
	DefaultClientMode   = "webchat"
	DefaultRole         = "operator"
	DefaultProtocol     = 3
	DefaultSessionKey   = "main"
	DefaultHistoryLimit = 50
)

// DefaultScopes are requested when client.scopes is empty.
var DefaultScopes = []string{"operator.read", "operator.write"}

// RequestTimeout returns the correlated request timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ReconnectDelay returns the fixed delay between reconnect attempts.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

// SendErrorsFlagged reports whether failed sends render as error entries.
func (c Config) SendErrorsFlagged() bool {
	return c.FlagSendErrors == nil || *c.FlagSendErrors
}

// CredentialsFile returns the resolved openclaw.json path.
func (c Config) CredentialsFile() string {
	if p := strings.TrimSpace(c.Gateway.CredentialsPath); p != "" {
		return expandHome(p)
	}
	return DefaultCredentialsPath()
}

// IdentityPath returns the identity directory (file backend) or database (sqlite backend).
func (c Config) IdentityPath() string {
	if p := strings.TrimSpace(c.Identity.Path); p != "" {
		return expandHome(p)
	}
	if c.Identity.Backend == "sqlite" {
		return filepath.Join(c.HomeDir, "clawlink.db")
	}
	return filepath.Join(c.HomeDir, "identity")
}

// DatabasePath is the sqlite database holding the transcript cache.
func (c Config) DatabasePath() string {
	return filepath.Join(c.HomeDir, "clawlink.db")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the connection-relevant settings.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "url=%s|origin=%s|client=%s|mode=%s|role=%s|scopes=%v|proto=%d-%d|log=%s",
		c.Gateway.URL, c.Gateway.Origin, c.Client.ID, c.Client.Mode, c.Client.Role,
		c.Client.Scopes, c.Protocol.Min, c.Protocol.Max, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Client: ClientConfig{
			ID:      DefaultClientID,
			Version: "0.1.0",
			Mode:    DefaultClientMode,
			Role:    DefaultRole,
		},
		Protocol: ProtocolConfig{Min: DefaultProtocol, Max: DefaultProtocol},
		Session: SessionConfig{
			DefaultKey:   DefaultSessionKey,
			HistoryLimit: DefaultHistoryLimit,
		},
		Identity: IdentityConfig{Backend: "file"},
		Transcript: TranscriptConfig{
			Cache:             true,
			RetentionDays:     30,
			RetentionSchedule: "@daily",
		},
		OTel: OTelConfig{
			Exporter:    "none",
			ServiceName: "clawlink",
			SampleRate:  1.0,
		},
		RequestTimeoutSeconds: 30,
		ReconnectDelaySeconds: 3,
	}
}

func HomeDir() string {
	if override := os.Getenv("CLAWLINK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawlink")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return cfg, fmt.Errorf("create clawlink home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Missing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Client.ID) == "" {
		cfg.Client.ID = DefaultClientID
	}
	if strings.TrimSpace(cfg.Client.Mode) == "" {
		cfg.Client.Mode = DefaultClientMode
	}
	if strings.TrimSpace(cfg.Client.Role) == "" {
		cfg.Client.Role = DefaultRole
	}
	if len(cfg.Client.Scopes) == 0 {
		cfg.Client.Scopes = append([]string(nil), DefaultScopes...)
	}
	if cfg.Protocol.Min <= 0 {
		cfg.Protocol.Min = DefaultProtocol
	}
	if cfg.Protocol.Max < cfg.Protocol.Min {
		cfg.Protocol.Max = cfg.Protocol.Min
	}
	if strings.TrimSpace(cfg.Session.DefaultKey) == "" {
		cfg.Session.DefaultKey = DefaultSessionKey
	}
	if cfg.Session.HistoryLimit <= 0 {
		cfg.Session.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 30
	}
	if cfg.ReconnectDelaySeconds <= 0 {
		cfg.ReconnectDelaySeconds = 3
	}
	cfg.Identity.Backend = strings.ToLower(strings.TrimSpace(cfg.Identity.Backend))
	if cfg.Identity.Backend == "" {
		cfg.Identity.Backend = "file"
	}
	if cfg.Transcript.RetentionSchedule == "" {
		cfg.Transcript.RetentionSchedule = "@daily"
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "clawlink"
	}
}

func validate(cfg Config) error {
	switch cfg.Identity.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("identity.backend %q: must be file or sqlite", cfg.Identity.Backend)
	}
	if cfg.Speech.Enabled && len(cfg.Speech.Command) == 0 {
		return fmt.Errorf("speech.enabled requires speech.command")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWLINK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWLINK_GATEWAY_URL"); raw != "" {
		cfg.Gateway.URL = raw
	}
	if raw := os.Getenv("CLAWLINK_GATEWAY_ORIGIN"); raw != "" {
		cfg.Gateway.Origin = raw
	}
	if raw := os.Getenv("CLAWLINK_CREDENTIALS_PATH"); raw != "" {
		cfg.Gateway.CredentialsPath = raw
	}
	if raw := os.Getenv("CLAWLINK_SESSION_KEY"); raw != "" {
		cfg.Session.DefaultKey = raw
	}
	if raw := os.Getenv("CLAWLINK_REQUEST_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RequestTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CLAWLINK_RECONNECT_DELAY_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ReconnectDelaySeconds = v
		}
	}
	if raw := os.Getenv("OPENCLAW_GATEWAY_TOKEN"); raw != "" {
		cfg.Gateway.Token = raw
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
