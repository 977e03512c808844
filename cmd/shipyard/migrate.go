package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/cuemby/shipyard/pkg/storage"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy records from the embedded store into PostgreSQL",
	Long: `Copy every record from the embedded bolt store in --data-dir into the
PostgreSQL database named by DATABASE_URL. Stop the server first.

Records already present in PostgreSQL are skipped, so the command can be
rerun after an interruption. The bolt file is backed up before copying and
is left untouched.

Examples:
  DATABASE_URL=postgres://shipyard@db/shipyard shipyard migrate --dry-run
  DATABASE_URL=postgres://shipyard@db/shipyard shipyard migrate`,
	RunE: runMigrate,
}

func init() {
	addConfigFlags(migrateCmd)
	migrateCmd.Flags().Bool("dry-run", false, "Show what would be copied without making changes")
	migrateCmd.Flags().String("backup", "", "Path for the bolt backup (default: <data-dir>/shipyard.db.backup)")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initLogging(cfg)
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backup, _ := cmd.Flags().GetString("backup")
	out := cmd.OutOrStdout()

	dbPath := filepath.Join(cfg.DataDir, "shipyard.db")
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("database not found at %s: %w", dbPath, err)
	}

	src, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer src.Close()

	if !dryRun {
		if backup == "" {
			backup = dbPath + ".backup"
		}
		if err := src.Backup(backup); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
		fmt.Fprintf(out, "✓ Backup created: %s\n", backup)
	}

	dst, err := storage.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dst.Close()

	report, err := storage.Copy(dst, src, dryRun)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if err := p.print(report, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Uploaded images:\t%d\n", report.UploadedImages)
		fmt.Fprintf(w, "Docker images:\t%d\n", report.DockerImages)
		fmt.Fprintf(w, "Containers:\t%d\n", report.Containers)
		fmt.Fprintf(w, "Already present:\t%d\n", report.Skipped)
	}); err != nil {
		return err
	}

	if dryRun {
		fmt.Fprintln(out, "\nDry run completed. No changes made.")
	} else {
		fmt.Fprintln(out, "\n✓ Migration completed. Set STORE_DRIVER=postgres to use it.")
	}
	return nil
}
