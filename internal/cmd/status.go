package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rgoulet/conveyor/internal/item"
	"github.com/rgoulet/conveyor/internal/vault"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize vault contents by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := vault.Open(vaultRoot)
		if err != nil {
			return err
		}
		counts := map[item.State]int{}
		escalations := 0
		for _, ns := range []vault.Namespace{vault.NamespacePending, vault.NamespaceTerminal} {
			names, err := v.List(ns)
			if err != nil {
				return err
			}
			for _, name := range names {
				if strings.HasPrefix(name, "ESCALATION_") {
					escalations++
					continue
				}
				if !strings.HasSuffix(name, ".md") {
					continue
				}
				it, _, err := item.LoadFile(filepath.Join(v.Dir(ns), name))
				if err != nil {
					continue
				}
				counts[it.State]++
			}
		}
		intakeFiles, err := v.List(vault.NamespaceIntake)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "intake\t%d\n", len(intakeFiles))
		for _, state := range []item.State{item.StateNew, item.StateReady, item.StateInProgress, item.StateBlocked, item.StateDone} {
			fmt.Fprintf(w, "%s\t%d\n", state, counts[state])
		}
		fmt.Fprintf(w, "escalations\t%d\n", escalations)
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
