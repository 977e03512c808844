package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/cuemby/shipyard/pkg/log"
	"github.com/cuemby/shipyard/pkg/manager"
	"github.com/cuemby/shipyard/pkg/reconciler"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass and print its report",
	Long: `Run one reconciliation pass and print its report.

By default the pass runs inside the server. With --local it runs in this
process against the configured store and runtime, for use while the server
is stopped.`,
	RunE: runReconcile,
}

func init() {
	addConfigFlags(reconcileCmd)
	reconcileCmd.Flags().Bool("local", false, "Reconcile directly against the store and runtime")
	reconcileCmd.Flags().Bool("background", false, "Only trigger a pass on the server, do not wait for it")
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	local, _ := cmd.Flags().GetBool("local")
	background, _ := cmd.Flags().GetBool("background")

	var report *reconciler.Report
	if local {
		if report, err = reconcileLocal(cmd); err != nil {
			return err
		}
	} else {
		if report, err = newClient(cmd).Reconcile(cmd.Context(), !background); err != nil {
			return err
		}
		if report == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Reconciliation triggered")
			return nil
		}
	}

	return p.print(report, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Containers updated:\t%d\n", report.ContainersUpdated)
		fmt.Fprintf(w, "Images deactivated:\t%d\n", report.ImagesDeactivated)
		fmt.Fprintf(w, "Orphan containers:\t%d\n", report.OrphanContainers)
		fmt.Fprintf(w, "Orphan images:\t%d\n", report.OrphanImages)
		fmt.Fprintf(w, "Skipped:\t%d\n", report.Skipped)
	})
}

func reconcileLocal(cmd *cobra.Command) (*reconciler.Report, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	initLogging(cfg)

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
	}
	defer store.Close()

	rt, daemon, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s runtime: %w", cfg.Runtime, err)
	}
	if daemon != nil {
		defer daemon.Stop()
	}
	defer rt.Close()

	recon := reconciler.NewReconciler(store, rt, reconciler.Config{
		Timeout: cfg.RuntimeTimeout,
		Locks:   manager.NewKeyedLock(),
	})
	report, err := recon.Reconcile(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("reconciliation failed: %w", err)
	}
	logger := log.WithComponent("reconcile")
	logger.Debug().Interface("report", report).Msg("Local pass finished")
	return report, nil
}
