package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/client"
)

const defaultSendTimeout = 2 * time.Minute

func newSendCmd(flags *rootFlags, stdout io.Writer) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send one message and print the agent's final reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runSend(ctx, flags, strings.Join(args, " "), stdout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultSendTimeout, "how long to wait for the connection and the reply")
	return cmd
}

// runSend connects, waits for the session history, sends text once and
// prints the first final reply.
func runSend(ctx context.Context, flags *rootFlags, text string, stdout io.Writer) error {
	a, err := openApp(ctx, flags.appOptions(true))
	if err != nil {
		return err
	}
	defer a.close()
	if _, err := a.creds.Endpoint(); err != nil {
		return a.fail("E_CREDENTIALS", err)
	}

	c, err := client.New(a.clientOptions(ctx))
	if err != nil {
		return a.fail("E_CLIENT_INIT", err)
	}
	sub := a.bus.Subscribe(bus.TopicChatTranscript, bus.TopicChatFinal)
	defer a.bus.Unsubscribe(sub)

	c.Start(ctx)
	defer c.Close()

	if _, err := c.WaitConnected(ctx); err != nil {
		return fmt.Errorf("gateway not connected: %w", statusCause(c, err))
	}
	if err := waitHistory(ctx, c, sub); err != nil {
		return fmt.Errorf("session history: %w", err)
	}
	if err := c.SendMessage(ctx, text); err != nil {
		return err
	}
	reply, err := awaitReply(ctx, sub)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, reply)
	return err
}

// statusCause prefers the client's last connection error over a bare
// deadline so the user sees why the gateway refused.
func statusCause(c *client.Client, err error) error {
	if st := c.Status(); st.LastError != "" && errors.Is(err, context.DeadlineExceeded) {
		return errors.New(st.LastError)
	}
	return err
}

// waitHistory returns once the first history load has settled.
func waitHistory(ctx context.Context, c *client.Client, sub *bus.Subscription) error {
	for {
		if t := c.Transcript(); t.HistoryLoaded && !t.Loading {
			return nil
		}
		if _, err := sub.Next(ctx); err != nil {
			return err
		}
	}
}

// awaitReply waits for the next final reply. A settled transcript ending in
// an error entry means the run failed.
func awaitReply(ctx context.Context, sub *bus.Subscription) (string, error) {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return "", fmt.Errorf("waiting for reply: %w", err)
		}
		switch p := ev.Payload.(type) {
		case bus.FinalEvent:
			return p.Text, nil
		case bus.TranscriptEvent:
			if p.Loading || len(p.Entries) == 0 {
				continue
			}
			if last := p.Entries[len(p.Entries)-1]; last.IsError {
				return "", errors.New(last.Text)
			}
		}
	}
}
