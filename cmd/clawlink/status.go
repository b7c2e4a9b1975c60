package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/clawlink/internal/config"
	"github.com/basket/clawlink/internal/doctor"
)

var errChecksFailed = errors.New("one or more checks failed")

func newStatusCmd(stdout io.Writer) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"doctor"},
		Short:   "Check config, credentials, identity and gateway reachability",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				// Keep going; the report shows what is wrong.
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			}
			diag := doctor.Run(cmd.Context(), &cfg, Version)
			if asJSON {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return err
				}
			} else {
				printDiagnosis(stdout, diag)
			}
			if diag.Failed() {
				return errChecksFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "clawlink status (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")

	for _, res := range diag.Results {
		fmt.Fprintf(w, "[%s] %-12s %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "       %s\n", res.Detail)
		}
	}

	if len(diag.Handshakes) == 0 {
		return
	}
	fmt.Fprintln(w, "---")
	fmt.Fprintln(w, "Recent handshakes:")
	for _, h := range diag.Handshakes {
		line := fmt.Sprintf("  %s  %-9s", h.CreatedAt.Local().Format(time.DateTime), h.Outcome)
		if h.Reason != "" {
			line += "  " + h.Reason
		}
		fmt.Fprintln(w, line)
	}
}
