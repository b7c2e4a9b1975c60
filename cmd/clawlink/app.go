package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/basket/clawlink/internal/audit"
	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/client"
	"github.com/basket/clawlink/internal/config"
	"github.com/basket/clawlink/internal/identity"
	clawotel "github.com/basket/clawlink/internal/otel"
	"github.com/basket/clawlink/internal/persistence"
	"github.com/basket/clawlink/internal/telemetry"
)

// startupError carries the reason code reported when startup fails.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func fail(code string, err error) error { return &startupError{code: code, err: err} }

// app holds the process-wide collaborators shared by every subcommand.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	store   *persistence.Store
	audit   *audit.Log
	otel    *clawotel.Provider
	metrics *clawotel.Metrics
	ids     *identity.Store
	creds   *config.CredentialProvider

	closers []func() error
}

// appOptions are the per-invocation overrides applied on top of config.yaml.
type appOptions struct {
	quiet    bool // keep logs off stderr while a UI owns the terminal
	logLevel string
}

// openApp loads config and opens logging, audit, telemetry and storage in
// that order.
func openApp(ctx context.Context, ao appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fail("E_CONFIG_LOAD", err)
	}
	if ao.logLevel != "" {
		cfg.LogLevel = ao.logLevel
	}
	a := &app{cfg: cfg, bus: bus.New(), creds: config.NewCredentialProvider(cfg)}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, ao.quiet)
	if err != nil {
		return nil, fail("E_LOGGER_INIT", err)
	}
	a.closers = append(a.closers, closer.Close)
	a.logger = logger
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_missing", cfg.Missing)

	if a.audit, err = audit.Open(cfg.HomeDir); err != nil {
		return nil, a.fail("E_AUDIT_INIT", err)
	}
	a.closers = append(a.closers, a.audit.Close)

	a.otel, err = clawotel.Init(ctx, clawotel.FromConfig(cfg, Version))
	if err != nil {
		return nil, a.fail("E_OTEL_INIT", err)
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.otel.Shutdown(shutdownCtx)
	})
	a.metrics = a.otel.Metrics

	if a.store, err = persistence.Open(cfg.DatabasePath()); err != nil {
		return nil, a.fail("E_STORE_OPEN", err)
	}
	a.closers = append(a.closers, a.store.Close)
	a.audit.SetSink(a.store)
	logger.Info("startup phase", "phase", "schema_migrated")

	blobs, closeBlobs, err := persistence.IdentityBlobs(cfg.Identity.Backend, cfg.IdentityPath(), a.store)
	if err != nil {
		return nil, a.fail("E_IDENTITY_OPEN", err)
	}
	a.closers = append(a.closers, closeBlobs)
	a.ids = identity.NewStore(blobs, logger)

	return a, nil
}

// fail logs a startup failure, releases what was opened so far and wraps
// err with its reason code.
func (a *app) fail(code string, err error) error {
	if a.logger != nil {
		a.logger.Error("startup failure", "reason_code", code, "error", err.Error())
	}
	a.close()
	return fail(code, err)
}

// close releases everything openApp acquired, newest first.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// clientOptions wires config and the shared collaborators into client.Options.
func (a *app) clientOptions(ctx context.Context) client.Options {
	opts := client.OptionsFromConfig(a.cfg)
	opts.Credentials = a.creds
	opts.Identity = a.ids
	opts.Bus = a.bus
	opts.Audit = a.audit
	opts.Metrics = a.metrics
	opts.Tracer = a.otel.Tracer
	opts.Logger = a.logger
	if opts.Handshake.Version == "" {
		opts.Handshake.Version = Version
	}

	if a.cfg.Transcript.Cache {
		key, entries, ok, err := a.store.LatestTranscript(ctx)
		switch {
		case err != nil:
			a.logger.Warn("transcript cache unreadable", "error", err)
		case ok:
			opts.CachedSessionKey, opts.CachedEntries = key, entries
			a.logger.Debug("restored cached transcript", "session_key", key, "entries", len(entries))
		}
	}
	return opts
}

// reportError prints err to stderr. Startup failures keep the structured
// JSON shape so wrappers can match on reason_code.
func reportError(stderr io.Writer, err error) {
	var se *startupError
	if !errors.As(err, &se) {
		fmt.Fprintf(stderr, "clawlink: %v\n", err)
		return
	}
	fmt.Fprintf(stderr,
		`{"timestamp":"%s","level":"ERROR","component":"client","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano), se.code, se.err.Error())
}
