package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bullpen-dev/bullpen/internal/common/config"
	"github.com/bullpen-dev/bullpen/internal/store"
)

var backupCmd = &cobra.Command{
	Use:   "backup [path]",
	Short: "Write an online backup of the database",
	Long: `Write a consistent snapshot of the database to the given path without
stopping a running daemon. Without a path the snapshot lands in the
configured backup directory under a timestamped name.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBackup,
}

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Compact the database file",
	Args:  cobra.NoArgs,
	RunE:  runVacuum,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bullpen version",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println("bullpen " + version)
	},
}

func runBackup(_ *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Disconnect() }()

	path := ""
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		name := fmt.Sprintf("bullpen-%s.db", time.Now().UTC().Format("20060102-150405"))
		path = filepath.Join(cfg.Database.BackupDir, name)
	}

	if err := st.Backup(context.Background(), path); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	fmt.Printf("backup written to %s\n", path)
	return nil
}

func runVacuum(_ *cobra.Command, _ []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Disconnect() }()

	if err := st.Vacuum(context.Background()); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	fmt.Println("vacuum complete")
	return nil
}

// openStore loads configuration and connects to the database for one-shot
// maintenance commands.
func openStore() (*config.Config, *store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}

	st := store.New(store.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: time.Duration(cfg.Database.BusyTimeoutMS) * time.Millisecond,
		CloudSync:   cfg.Database.CloudSync,
	}, log)
	if err := st.Connect(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return cfg, st, nil
}
