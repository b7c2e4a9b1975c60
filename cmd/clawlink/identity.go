package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newIdentityCmd(flags *rootFlags, stdout io.Writer) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print this device's id and public key, creating them on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentity(cmd.Context(), flags, asJSON, stdout)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func runIdentity(ctx context.Context, flags *rootFlags, asJSON bool, stdout io.Writer) error {
	a, err := openApp(ctx, flags.appOptions(true))
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.ids.LoadOrCreate(ctx)
	if err != nil {
		return fmt.Errorf("load device identity: %w", err)
	}
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{
			"device_id":  id.DeviceID,
			"public_key": id.PublicKeyBase64URL(),
			"backend":    a.cfg.Identity.Backend,
			"path":       a.cfg.IdentityPath(),
		})
	}
	fmt.Fprintf(stdout, "device_id:  %s\n", id.DeviceID)
	fmt.Fprintf(stdout, "public_key: %s\n", id.PublicKeyBase64URL())
	return nil
}
