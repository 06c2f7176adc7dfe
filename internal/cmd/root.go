// Package cmd wires the conveyor command tree.
package cmd

import (
	"github.com/spf13/cobra"
)

var vaultRoot string

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Durable multi-stage work item pipeline",
	Long: `Conveyor watches an intake directory, admits dropped files as work
items, and drives each item through triage, execution, and verification
until it reaches a terminal state. Every action is written to an
append-only audit trail inside the vault.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultRoot, "vault", ".", "vault root directory")
}
