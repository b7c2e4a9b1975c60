// Package doctor runs the local checks behind `clawlink status`.
package doctor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/clawlink/internal/config"
	"github.com/basket/clawlink/internal/identity"
	"github.com/basket/clawlink/internal/persistence"
	"github.com/basket/clawlink/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp  time.Time                     `json:"timestamp"`
	System     SystemInfo                    `json:"system"`
	DeviceID   string                        `json:"device_id,omitempty"`
	Results    []CheckResult                 `json:"results"`
	Handshakes []persistence.HandshakeRecord `json:"recent_handshakes,omitempty"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// DialTimeout bounds the gateway reachability probe.
var DialTimeout = 3 * time.Second

// recentHandshakes is how many handshake_log rows the report includes.
const recentHandshakes = 5

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	if cfg == nil {
		d.Results = append(d.Results, CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"})
		return d
	}

	d.Results = append(d.Results, checkConfig(cfg), checkPermissions(cfg))

	ep, creds := checkCredentials(cfg)
	d.Results = append(d.Results, creds)

	store, dbResult := openDatabase(cfg)
	if store != nil {
		defer store.Close()
	}
	d.Results = append(d.Results, dbResult)

	idResult, deviceID := checkIdentity(ctx, cfg, store)
	d.DeviceID = deviceID
	d.Results = append(d.Results, idResult)

	if store != nil {
		if recs, err := store.RecentHandshakes(ctx, recentHandshakes); err == nil {
			d.Handshakes = recs
		}
	}

	d.Results = append(d.Results, checkGateway(ctx, ep, creds.Status == StatusPass), checkSpeech(cfg))
	return d
}

func checkConfig(cfg *config.Config) CheckResult {
	if cfg.Missing {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml not found, using defaults",
			Detail:  config.ConfigPath(cfg.HomeDir),
		}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkPermissions(cfg *config.Config) CheckResult {
	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unusable: %v", err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkCredentials(cfg *config.Config) (config.Endpoint, CheckResult) {
	ep, err := config.NewCredentialProvider(*cfg).Endpoint()
	if err != nil {
		return ep, CheckResult{
			Name:    "Credentials",
			Status:  StatusFail,
			Message: shared.Redact(err.Error()),
			Detail:  fmt.Sprintf("credentials file: %s", cfg.CredentialsFile()),
		}
	}
	return ep, CheckResult{
		Name:    "Credentials",
		Status:  StatusPass,
		Message: fmt.Sprintf("Gateway %s", ep.URL),
		Detail:  "token=" + shared.RedactField("OPENCLAW_GATEWAY_TOKEN", ep.Token),
	}
}

func openDatabase(cfg *config.Config) (*persistence.Store, CheckResult) {
	store, err := persistence.Open(cfg.DatabasePath())
	if err != nil {
		return nil, CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	return store, CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: store.Path()}
}

func checkIdentity(ctx context.Context, cfg *config.Config, store *persistence.Store) (CheckResult, string) {
	blobs, closeBlobs, err := persistence.IdentityBlobs(cfg.Identity.Backend, cfg.IdentityPath(), store)
	if err != nil {
		return CheckResult{Name: "Identity", Status: StatusFail, Message: err.Error()}, ""
	}
	defer func() { _ = closeBlobs() }()

	id, err := identity.NewStore(blobs, slog.Default()).LoadOrCreate(ctx)
	if err != nil {
		return CheckResult{Name: "Identity", Status: StatusFail, Message: fmt.Sprintf("Load failed: %v", err)}, ""
	}
	return CheckResult{
		Name:    "Identity",
		Status:  StatusPass,
		Message: fmt.Sprintf("Device %s", id.DeviceID),
		Detail:  fmt.Sprintf("backend=%s path=%s", backendName(cfg.Identity.Backend), cfg.IdentityPath()),
	}, id.DeviceID
}

func backendName(b string) string {
	if b == "" {
		return persistence.BackendFile
	}
	return b
}

// checkGateway probes TCP reachability only; the handshake itself needs a
// live client.
func checkGateway(ctx context.Context, ep config.Endpoint, haveCreds bool) CheckResult {
	if !haveCreds {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "No credentials"}
	}
	u, err := url.Parse(ep.URL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Gateway", Status: StatusFail, Message: fmt.Sprintf("Invalid gateway URL %q", ep.URL)}
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" || u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Gateway",
			Status:  StatusFail,
			Message: fmt.Sprintf("Unreachable at %s", host),
			Detail:  err.Error(),
		}
	}
	_ = conn.Close()
	return CheckResult{
		Name:    "Gateway",
		Status:  StatusPass,
		Message: fmt.Sprintf("Listening at %s (%dms)", host, latency.Milliseconds()),
	}
}

func checkSpeech(cfg *config.Config) CheckResult {
	if !cfg.Speech.Enabled {
		return CheckResult{Name: "Speech", Status: StatusSkip, Message: "Disabled"}
	}
	if len(cfg.Speech.Command) == 0 {
		return CheckResult{Name: "Speech", Status: StatusWarn, Message: "Enabled but speech.command is empty"}
	}
	if _, err := exec.LookPath(cfg.Speech.Command[0]); err != nil {
		return CheckResult{Name: "Speech", Status: StatusWarn, Message: fmt.Sprintf("%s not found on PATH", cfg.Speech.Command[0])}
	}
	return CheckResult{Name: "Speech", Status: StatusPass, Message: fmt.Sprintf("Using %s", cfg.Speech.Command[0])}
}
