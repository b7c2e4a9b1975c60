package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/clawlink/internal/config"
)

func TestWatcher_DetectsCredentialsChange(t *testing.T) {
	homeDir := t.TempDir()
	credPath := filepath.Join(homeDir, "openclaw.json")
	if err := os.WriteFile(credPath, []byte(`{"gateway":{"port":1,"auth":{"token":"a"}}}`), 0o600); err != nil {
		t.Fatalf("write initial credentials: %v", err)
	}
	cfg := config.Config{HomeDir: homeDir, Gateway: config.GatewayConfig{CredentialsPath: credPath}}

	w := config.NewWatcher(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(credPath, []byte(`{"gateway":{"port":2,"auth":{"token":"b"}}}`), 0o600); err != nil {
		t.Fatalf("write updated credentials: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "openclaw.json" {
				t.Fatalf("expected openclaw.json event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			// Re-write in case the watcher was not yet ready.
			_ = os.WriteFile(credPath, []byte(`{"gateway":{"port":2,"auth":{"token":"b"}}}`), 0o600)
		case <-deadline:
			t.Fatalf("timed out waiting for openclaw.json change event")
		}
	}
}

func TestWatcher_InvalidateOnChange(t *testing.T) {
	homeDir := t.TempDir()
	credPath := filepath.Join(homeDir, "openclaw.json")
	if err := os.WriteFile(credPath, []byte(`{"gateway":{"port":1000,"auth":{"token":"old"}}}`), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
	t.Setenv("OPENCLAW_GATEWAY_PORT", "")
	cfg := config.Config{HomeDir: homeDir, Gateway: config.GatewayConfig{CredentialsPath: credPath}}
	provider := config.NewCredentialProvider(cfg)
	if ep, err := provider.Endpoint(); err != nil || ep.Token != "old" {
		t.Fatalf("initial endpoint = %+v, %v", ep, err)
	}

	w := config.NewWatcher(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	go w.InvalidateOnChange(ctx, provider)

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		_ = os.WriteFile(credPath, []byte(`{"gateway":{"port":1000,"auth":{"token":"new"}}}`), 0o600)
		select {
		case <-tick.C:
			if ep, err := provider.Endpoint(); err == nil && ep.Token == "new" {
				return
			}
		case <-deadline:
			t.Fatal("credentials were not invalidated after file change")
		}
	}
}
