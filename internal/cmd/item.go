package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rgoulet/conveyor/internal/audit"
	"github.com/rgoulet/conveyor/internal/item"
	"github.com/rgoulet/conveyor/internal/lifecycle"
	"github.com/rgoulet/conveyor/internal/logging"
	"github.com/rgoulet/conveyor/internal/vault"
)

var actionReason string

// findItem resolves an item id or pending file name to its path.
func findItem(v *vault.Vault, ref string) (string, error) {
	dir := v.Dir(vault.NamespacePending)
	if strings.HasSuffix(ref, ".md") {
		path := filepath.Join(dir, ref)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	names, err := v.List(vault.NamespacePending)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		if strings.HasPrefix(name, "ESCALATION_") || !strings.HasSuffix(name, ".md") {
			continue
		}
		path := filepath.Join(dir, name)
		it, _, err := item.LoadFile(path)
		if err != nil {
			continue
		}
		if it.ID == ref {
			return path, nil
		}
	}
	return "", fmt.Errorf("no pending item matches %q", ref)
}

func withManager(fn func(cmd *cobra.Command, m *lifecycle.Manager, v *vault.Vault, path string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		v, err := vault.Open(vaultRoot)
		if err != nil {
			return err
		}
		log, err := logging.New(vaultRoot)
		if err != nil {
			return err
		}
		defer log.Close()
		audits, err := audit.NewWriter(v.Dir(vault.NamespaceAudit))
		if err != nil {
			return err
		}
		path, err := findItem(v, args[0])
		if err != nil {
			return err
		}
		return fn(cmd, lifecycle.NewManager(v, audits, log), v, path)
	}
}

var approveCmd = &cobra.Command{
	Use:   "approve <item>",
	Short: "Record a human approval for a tier-gated item",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(cmd *cobra.Command, m *lifecycle.Manager, v *vault.Vault, path string) error {
		it, err := m.Approve(path, "operator")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s approved at tier %d; resume it to continue\n", it.ID, it.ApprovedTier)
		return nil
	}),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <item>",
	Short: "Release a halted item back to the ready queue",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(cmd *cobra.Command, m *lifecycle.Manager, v *vault.Vault, path string) error {
		it, _, err := m.Apply(path, item.ActionResume, "", "operator")
		if err != nil && !errors.Is(err, lifecycle.ErrNoop) {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", it.ID, it.State)
		return nil
	}),
}

var rejectCmd = &cobra.Command{
	Use:   "reject <item>",
	Short: "Reject a new item with a reason",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(cmd *cobra.Command, m *lifecycle.Manager, v *vault.Vault, path string) error {
		it, terminal, err := m.Apply(path, item.ActionReject, actionReason, "operator")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s rejected -> %s\n", it.ID, filepath.Base(terminal))
		return nil
	}),
}

func init() {
	rejectCmd.Flags().StringVar(&actionReason, "reason", "", "why the item is rejected")
	_ = rejectCmd.MarkFlagRequired("reason")
	rootCmd.AddCommand(approveCmd, resumeCmd, rejectCmd)
}
