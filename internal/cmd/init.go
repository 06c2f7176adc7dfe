package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rgoulet/conveyor/internal/vault"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the vault directory layout",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := vault.Init(vaultRoot); err != nil {
			return err
		}
		configPath := filepath.Join(vaultRoot, "conveyor.yaml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
				return fmt.Errorf("write default config: %w", err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "vault initialized at %s\n", vaultRoot)
		return nil
	},
}

const defaultConfig = `# conveyor configuration
intake:
  poll_interval_seconds: 3
  max_entry_bytes: 1048576
executor:
  poll_interval_seconds: 5
  max_cycles: 10
  cooldown_seconds: 2
  workers: 2
oracle:
  # endpoint: http://localhost:1234/v1/chat/completions
  # model: local-model
  timeout_seconds: 120
`

func init() {
	rootCmd.AddCommand(initCmd)
}
