package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rgoulet/conveyor/internal/audit"
	"github.com/rgoulet/conveyor/internal/config"
	"github.com/rgoulet/conveyor/internal/executor"
	"github.com/rgoulet/conveyor/internal/intake"
	"github.com/rgoulet/conveyor/internal/lifecycle"
	"github.com/rgoulet/conveyor/internal/logging"
	"github.com/rgoulet/conveyor/internal/memory"
	"github.com/rgoulet/conveyor/internal/oracle"
	"github.com/rgoulet/conveyor/internal/plan"
	"github.com/rgoulet/conveyor/internal/vault"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the intake watcher, triage loop, and executor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(vaultRoot)
		if err != nil {
			return err
		}
		v, err := vault.Open(cfg.Vault.Root)
		if err != nil {
			return err
		}
		ledger, err := vault.OpenLedger(v)
		if err != nil {
			return err
		}
		defer ledger.Close()
		log, err := logging.New(cfg.Vault.Root)
		if err != nil {
			return err
		}
		defer log.Close()
		audits, err := audit.NewWriter(v.Dir(vault.NamespaceAudit))
		if err != nil {
			return err
		}
		mem, err := memory.NewStore(v.Dir(vault.NamespaceMemory))
		if err != nil {
			return err
		}

		plans := plan.NewRepository(v.Dir(vault.NamespacePlans))
		life := lifecycle.NewManager(v, audits, log, lifecycle.WithPlans(plans))
		watcher, err := intake.NewWatcher(v, ledger, audits, log, cfg.Intake)
		if err != nil {
			return err
		}
		var o oracle.Oracle
		if cfg.Oracle.Endpoint != "" {
			o = oracle.NewHTTPOracle(cfg.Oracle)
		} else {
			log.Printf("run: no oracle endpoint configured, using scripted mode")
			o = oracle.NewScripted()
		}
		exec := executor.New(v, cfg.Executor, life, plans, mem, o, audits, log)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Printf("run: pipeline starting in %s", cfg.Vault.Root)
		fmt.Fprintf(cmd.OutOrStdout(), "conveyor running, vault %s\n", cfg.Vault.Root)

		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error { return watcher.Run(groupCtx) })
		group.Go(func() error { return triageLoop(groupCtx, life, cfg.IntakePollInterval()) })
		group.Go(func() error { return exec.Run(groupCtx) })

		err = group.Wait()
		log.Printf("run: pipeline stopped")
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func triageLoop(ctx context.Context, life *lifecycle.Manager, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := life.TriageAll(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
