package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basket/clawlink/internal/client"
	"github.com/basket/clawlink/internal/config"
	"github.com/basket/clawlink/internal/cron"
	"github.com/basket/clawlink/internal/speech"
	"github.com/basket/clawlink/internal/tui"
)

type chatFlags struct {
	lines bool
	title string
}

func (f *chatFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.lines, "lines", false, "use the plain line-oriented view even on a terminal")
	cmd.Flags().StringVar(&f.title, "title", "", "title shown in the chat header")
}

func newChatCmd(flags *rootFlags, stdin io.Reader, stdout io.Writer) *cobra.Command {
	chat := &chatFlags{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive chat session (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), flags, chat, stdin, stdout)
		},
	}
	chat.register(cmd)
	return cmd
}

// interactiveTerminal reports whether the full-screen view can own the
// terminal.
func interactiveTerminal(stdin io.Reader, stdout io.Writer) bool {
	if os.Getenv("CLAWLINK_NO_TUI") != "" {
		return false
	}
	in, ok := stdin.(*os.File)
	if !ok || !isatty.IsTerminal(in.Fd()) {
		return false
	}
	out, ok := stdout.(*os.File)
	return ok && isatty.IsTerminal(out.Fd())
}

// runChat runs the client, its background jobs and one chat view until the
// view exits or ctx is cancelled.
func runChat(ctx context.Context, flags *rootFlags, cf *chatFlags, stdin io.Reader, stdout io.Writer) error {
	interactive := !cf.lines && interactiveTerminal(stdin, stdout)

	a, err := openApp(ctx, flags.appOptions(interactive))
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger
	if _, err := a.creds.Endpoint(); err != nil {
		// The watcher may deliver credentials later; keep retrying.
		logger.Warn("gateway credentials unavailable", "reason_code", "E_CREDENTIALS", "error", err)
	}

	opts := a.clientOptions(ctx)
	var speaker *speech.CommandSpeaker
	if a.cfg.Speech.Enabled && len(a.cfg.Speech.Command) > 0 {
		speaker = speech.NewCommandSpeaker(a.cfg.Speech.Command, speech.Options{Logger: logger})
		opts.OnFinal = speaker.Speak
	}
	c, err := client.New(opts)
	if err != nil {
		return a.fail("E_CLIENT_INIT", err)
	}
	sched, err := cron.NewScheduler(cron.Config{
		Store:         a.store,
		RetentionDays: a.cfg.Transcript.RetentionDays,
		Schedule:      a.cfg.Transcript.RetentionSchedule,
		Logger:        logger,
	})
	if err != nil {
		return a.fail("E_RETENTION_SCHEDULE", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return c.Run(gctx) })
	if a.cfg.Transcript.Cache {
		g.Go(func() error { return a.store.CacheTranscripts(gctx, a.bus, logger) })
	}
	g.Go(func() error { return sched.Run(gctx) })
	if speaker != nil {
		g.Go(func() error { return speaker.Run(gctx) })
	}

	watcher := config.NewWatcher(a.cfg, logger)
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		g.Go(func() error {
			watcher.InvalidateOnChange(gctx, a.creds)
			return nil
		})
	}
	logger.Info("startup phase", "phase", "client_started", "interactive", interactive)

	cc := tui.ChatConfig{Session: c, Bus: a.bus, Title: cf.title, Logger: logger}
	g.Go(func() error {
		// The view owns the session lifetime.
		defer cancel()
		if interactive {
			return tui.RunChat(gctx, cc)
		}
		return tui.RunLines(gctx, cc, stdin, stdout)
	})

	err = g.Wait()
	logger.Info("chat session ended", "failed_handshakes", a.audit.Failures(), "audit_write_errors", a.audit.WriteErrors())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
