// Command clawlink is a terminal chat client for an OpenClaw gateway.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// rootFlags are shared by every subcommand.
type rootFlags struct {
	home     string
	logLevel string
}

func (f *rootFlags) appOptions(quiet bool) appOptions {
	return appOptions{quiet: quiet, logLevel: f.logLevel}
}

// newRootCmd builds the command tree. Chat is the default action.
func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	flags := &rootFlags{}
	chat := &chatFlags{}

	root := &cobra.Command{
		Use:   "clawlink",
		Short: "Chat with an OpenClaw agent over its gateway",
		Long: `clawlink connects to an OpenClaw gateway as a paired device, loads the
session history and streams the agent's replies as you chat.

Credentials come from ~/.openclaw/openclaw.json or the OPENCLAW_GATEWAY_*
environment variables. Client settings live in $CLAWLINK_HOME/config.yaml.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.home != "" {
				return os.Setenv("CLAWLINK_HOME", flags.home)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), flags, chat, stdin, stdout)
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&flags.home, "home", "", "client home directory (default $CLAWLINK_HOME or ~/.clawlink)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	chat.register(root)

	root.AddCommand(
		newChatCmd(flags, stdin, stdout),
		newSendCmd(flags, stdout),
		newIdentityCmd(flags, stdout),
		newStatusCmd(stdout),
	)
	return root
}

// execute runs the command tree and returns the process exit code.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		reportError(stderr, err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
