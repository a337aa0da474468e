// Package cli contains the Cobra commands of the pagedtopic binary.
//
// Every command opens the local data directory, runs one operation and
// closes it again; nothing stays resident. Output is one JSON document
// per line.
//
// Usage
//
//	pagedtopic publish --topic orders --count 10 --data 'order-%d'
//	pagedtopic groups ensure --topic orders --group billing --filter 'json.kind == "order"'
//	pagedtopic remaining --topic orders --group billing
//	pagedtopic rollback --topic orders --group billing
//	pagedtopic read --topic orders --channel 0 --from 0:0 --limit 5
//	pagedtopic groups destroy --topic orders --group billing
//	pagedtopic sweep
//
// Configuration is read from --config (JSON or YAML), then PT_*
// environment variables, then --data-dir.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	cfgpkg "github.com/rzbill/pagedtopic/internal/config"
	"github.com/rzbill/pagedtopic/internal/runtime"
	pebblestore "github.com/rzbill/pagedtopic/internal/storage/pebble"
	"github.com/rzbill/pagedtopic/pkg/log"
)

// NewRoot constructs the root command. logger is handed to the runtime
// each command opens.
func NewRoot(logger log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "pagedtopic",
		Short:         "Paged topic CLI",
		Long:          "pagedtopic publishes to and inspects paged, channelized topics stored in a local data directory.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	root.PersistentFlags().String("config", "", "Config file (.json, .yaml or .yml)")

	root.AddCommand(
		newPublishCommand(logger),
		newRemainingCommand(logger),
		newRollbackCommand(logger),
		newReadCommand(logger),
		newGroupsCommand(logger),
		newDestroyCommand(logger),
		newSweepCommand(logger),
	)
	return root
}

// loadConfig layers the config file, PT_* variables and --data-dir.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	cfgpkg.FromEnv(&cfg)
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Store.DataDir = dir
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = cfgpkg.DefaultDataDir()
	}
	return cfg, cfg.Validate()
}

// withRuntime opens the runtime for one command and closes it afterwards.
func withRuntime(cmd *cobra.Command, logger log.Logger, fn func(ctx context.Context, rt *runtime.Runtime) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := runtime.Open(runtime.Options{
		DataDir:        cfg.Store.DataDir,
		Fsync:          pebblestore.ParseFsyncMode(cfg.Store.Fsync),
		FsyncInterval:  time.Duration(cfg.Store.FsyncIntervalMs) * time.Millisecond,
		Config:         cfg,
		Logger:         logger,
		DisableSweeper: true,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Store.DataDir, err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	err = fn(ctx, rt)
	if cerr := rt.Close(); err == nil {
		err = cerr
	}
	return err
}

func requireString(cmd *cobra.Command, name string) (string, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return v, nil
}

func printJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
