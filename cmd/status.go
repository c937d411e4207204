package cmd

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/evolved/internal/observability"
	"github.com/xkilldash9x/evolved/internal/store"
)

// newStatusCmd creates the 'status' command: print the persisted state,
// retry queue and metrics as JSON. Reads the data directory directly, so it
// works whether or not a serve process is running.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Prints the persisted engine state, retry queue and metrics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}

			st, err := store.New(cfg.Engine.DataDir, observability.GetLogger())
			if err != nil {
				return fmt.Errorf("failed to open data store: %w", err)
			}

			enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(st.Snapshot()); err != nil {
				return fmt.Errorf("failed to encode snapshot: %w", err)
			}
			return nil
		},
	}
	return cmd
}
