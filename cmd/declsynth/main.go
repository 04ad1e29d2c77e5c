package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"declsynth/internal/config"
	"declsynth/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "declsynth",
	Short: "declsynth - incremental C# source generation",
	Long: `declsynth scans a C# corpus, selects the type declarations carrying the
[HiFromGenerator] attribute and writes a companion partial type for each one.

Rounds are incremental: declarations whose text and enclosing scope did not
change since the previous round are served from the pipeline cache, which is
persisted in SQLite between runs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/declsynth.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Round budget; unfinished declarations are retried next round (0 = none)")

	generateCmd.Flags().Bool("no-cache", false, "Ignore and do not update the persisted cache")
	generateCmd.Flags().Bool("strict", false, "Fail when any declaration produced a diagnostic")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	statsCmd.Flags().Int("limit", 10, "Number of recent rounds to show")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspace returns the absolute workspace directory.
func resolveWorkspace() (string, error) {
	ws := workspace
	if ws == "" {
		var err error
		ws, err = os.Getwd()
		if err != nil {
			return "", err
		}
	}
	return filepath.Abs(ws)
}

// loadConfig loads and validates the workspace configuration and sets up the
// category file loggers.
func loadConfig(ws string) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath(ws)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	if err := logging.Initialize(ws, logging.Options{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSON(),
		Categories: cfg.Logging.Categories,
	}); err != nil {
		logger.Warn("File logging unavailable", zap.Error(err))
	}
	logging.Boot("config loaded from %s", path)
	logging.BootDebug("corpus=%s output=%s cache=%v (%s)", cfg.Corpus.Root, cfg.Output.Dir, cfg.Cache.Enabled, cfg.Cache.Driver)
	if logging.IsDebugMode() {
		logger.Debug("Debug logs enabled", zap.String("dir", filepath.Join(ws, ".declsynth", "logs")))
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
