package main

import (
	"context"
	"fmt"
	"os"

	"declsynth/internal/config"
	"declsynth/internal/store"
	"declsynth/internal/watch"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// initCmd writes a default configuration file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default declsynth.yaml into the workspace",
	RunE:  runInit,
}

// generateCmd runs one round
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run one generation round over the corpus",
	Long: `Loads the corpus, runs one incremental round and writes the artifacts
into the output directory. Artifacts of declarations that disappeared are
removed. Declarations that could not be resolved are reported as warnings.

Exits non-zero on configuration errors and artifact name collisions.`,
	RunE: runGenerate,
}

// watchCmd re-runs rounds as sources change
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run a round, then another every time sources change",
	RunE:  runWatch,
}

// statsCmd shows the persisted cache and round history
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the persisted cache and recent rounds",
	RunE:  runStats,
}

func runInit(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath(ws)
	}
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}
	logger.Info("Config written", zap.String("path", path))
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}
	noCache, _ := cmd.Flags().GetBool("no-cache")
	strict, _ := cmd.Flags().GetBool("strict")

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	e, err := newEngine(ws, cfg, !noCache)
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := e.round(ctx)
	if err != nil {
		return err
	}
	fmt.Println(renderReport(report))

	if strict && len(report.Result.Diagnostics) > 0 {
		return fmt.Errorf("%d diagnostics", len(report.Result.Diagnostics))
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	e, err := newEngine(ws, cfg, true)
	if err != nil {
		return err
	}
	defer e.Close()

	runRound := func(ctx context.Context) {
		report, err := e.round(ctx)
		if err != nil {
			if isFatal(err) {
				fmt.Fprintln(os.Stderr, errorStyle.Render("round failed: "+err.Error()))
			}
			return
		}
		fmt.Println(renderReport(report))
	}
	runRound(ctx)

	w, err := watch.New(watch.Options{
		Root:           e.root,
		IgnorePatterns: e.ignores,
		Debounce:       cfg.GetDebounce(),
	}, func(ctx context.Context, changed []string) {
		logger.Info("Sources changed", zap.Int("files", len(changed)))
		runRound(ctx)
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("%s (Ctrl+C to stop)\n", titleStyle.Render("Watching "+e.root))

	<-ctx.Done()
	w.Stop()
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil || limit <= 0 {
		limit = 10
	}

	path := config.ResolvePath(ws, cfg.Cache.Path)
	if !cfg.Cache.Enabled {
		fmt.Println("Cache persistence is disabled")
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("No cache yet. Run 'declsynth generate' first.")
		return nil
	}

	db, err := store.Open(cfg.Cache.Driver, path)
	if err != nil {
		return err
	}
	defer db.Close()

	snap, err := db.Load()
	if err != nil {
		return err
	}
	rounds, err := db.RecentRounds(limit)
	if err != nil {
		return err
	}
	fmt.Println(renderSnapshot(snap))
	fmt.Println(renderRounds(rounds))
	return nil
}
