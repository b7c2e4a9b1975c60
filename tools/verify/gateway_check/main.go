// Command gateway_check performs a live handshake against a gateway and,
// with -message, one chat round trip. It prints VERDICT PASS or FAIL.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/client"
	"github.com/basket/clawlink/internal/config"
	"github.com/basket/clawlink/internal/identity"
	"github.com/basket/clawlink/internal/persistence"
)

func main() {
	url := flag.String("url", "", "gateway websocket URL (default from credentials)")
	token := flag.String("token", "", "gateway token (default from credentials)")
	identityDir := flag.String("identity-dir", "", "device identity directory (default from config)")
	message := flag.String("message", "", "optional message to send after connecting")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := check(ctx, *url, *token, *identityDir, *message); err != nil {
		fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func check(ctx context.Context, url, token, identityDir, message string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if url != "" {
		cfg.Gateway.URL = url
	}
	if token != "" {
		cfg.Gateway.Token = token
	}
	backend, idPath := cfg.Identity.Backend, cfg.IdentityPath()
	if identityDir != "" {
		backend, idPath = persistence.BackendFile, identityDir
	}
	blobs, closeBlobs, err := persistence.IdentityBlobs(backend, idPath, nil)
	if err != nil {
		return fmt.Errorf("open identity: %w", err)
	}
	defer func() { _ = closeBlobs() }()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	opts := client.OptionsFromConfig(cfg)
	opts.Credentials = config.NewCredentialProvider(cfg)
	opts.Identity = identity.NewStore(blobs, logger)
	opts.Bus = b
	opts.Logger = logger
	c, err := client.New(opts)
	if err != nil {
		return err
	}
	c.Start(ctx)
	defer c.Close()

	st, err := c.WaitConnected(ctx)
	if err != nil {
		if last := c.Status().LastError; last != "" {
			return fmt.Errorf("handshake: %s", last)
		}
		return fmt.Errorf("handshake: %w", err)
	}
	fmt.Printf("HANDSHAKE_CHECK connected device=%s session=%s\n", st.DeviceID, st.SessionKey)

	if message == "" {
		return nil
	}
	for !c.Transcript().HistoryLoaded || c.Transcript().Loading {
		select {
		case <-ctx.Done():
			return fmt.Errorf("history: %w", ctx.Err())
		case <-sub.Ch():
		}
	}
	fmt.Printf("HISTORY_CHECK entries=%d\n", len(c.Transcript().Entries))

	if err := c.SendMessage(ctx, message); err != nil {
		return fmt.Errorf("chat.send: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for final: %w", ctx.Err())
		case ev := <-sub.Ch():
			if final, ok := ev.Payload.(bus.FinalEvent); ok {
				fmt.Printf("CHAT_CHECK run=%s chars=%d\n", final.RunID, len(final.Text))
				return nil
			}
		}
	}
}
