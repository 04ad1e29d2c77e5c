package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"declsynth/internal/config"
	"declsynth/internal/frontend"
	"declsynth/internal/higen"
	"declsynth/internal/logging"
	"declsynth/internal/pipeline"
	"declsynth/internal/sink"
	"declsynth/internal/store"

	"go.uber.org/zap"
)

// engine wires the front end, pipeline, directory sink and cache store of one
// workspace. Rounds run one at a time.
type engine struct {
	ws     string
	cfg    *config.Config
	corpus *frontend.Workspace
	pipe   *pipeline.Pipeline
	out    *sink.Dir
	db     *store.Store // nil when the cache is not persisted

	root        string
	ignores     []string
	fingerprint string
}

// metaGenerator is the store metadata key holding the generator fingerprint
// the cached artifacts were rendered with.
const metaGenerator = "generator"

// roundReport is everything a command prints about one round.
type roundReport struct {
	Result *pipeline.RoundResult
	Load   frontend.LoadStats
	Files  sink.DirStats
}

func newEngine(ws string, cfg *config.Config, persist bool) (*engine, error) {
	tmpl, err := cfg.LoadTemplate(ws)
	if err != nil {
		return nil, err
	}
	gen, err := higen.New(higen.Options{Suffix: cfg.Generator.Suffix, Template: tmpl})
	if err != nil {
		return nil, err
	}
	pcfg := gen.Config()

	root := config.ResolvePath(ws, cfg.Corpus.Root)
	if root == "" {
		root = ws
	}
	outDir := config.ResolvePath(ws, cfg.Output.Dir)

	ignores := append([]string(nil), cfg.Corpus.IgnorePatterns...)
	if rel, err := filepath.Rel(root, outDir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		ignores = append(ignores, filepath.ToSlash(rel))
	}
	symbols := make([]string, 0, len(pcfg.Static))
	for _, a := range pcfg.Static {
		symbols = append(symbols, a.Key())
	}

	e := &engine{
		ws:          ws,
		cfg:         cfg,
		root:        root,
		ignores:     ignores,
		fingerprint: gen.Fingerprint(),
		corpus: frontend.NewWorkspace(frontend.Options{
			Root:           root,
			IgnorePatterns: ignores,
			Workers:        cfg.Corpus.Workers,
			MaxFileBytes:   cfg.Corpus.MaxFileBytes,
			Symbols:        symbols,
		}),
	}

	cache := pipeline.NewCache()
	if persist && cfg.Cache.Enabled {
		db, err := store.Open(cfg.Cache.Driver, config.ResolvePath(ws, cfg.Cache.Path))
		if err != nil {
			e.corpus.Close()
			return nil, err
		}
		e.db = db
		snap, err := db.Load()
		if err != nil {
			logger.Warn("Cache unreadable, starting cold", zap.Error(err))
		} else {
			if prev, _ := db.GetMeta(metaGenerator); prev != e.fingerprint {
				// Descriptors stay valid; rendered text does not.
				logger.Debug("Generator settings changed, dropping cached artifacts",
					zap.String("previous", prev),
					zap.String("current", e.fingerprint))
				snap.Emits = nil
			}
			loaded, skipped := cache.Restore(snap)
			logger.Debug("Cache restored",
				zap.Int("entries", loaded),
				zap.Int("skipped", skipped),
				zap.Uint64("generation", snap.Generation))
		}
	}

	opts := []pipeline.Option{pipeline.WithCache(cache)}
	if cfg.Generator.Workers > 0 {
		opts = append(opts, pipeline.WithWorkers(cfg.Generator.Workers))
	}
	e.pipe = pipeline.New(pcfg, opts...)

	e.out, err = sink.NewDir(outDir, cfg.Output.Extension)
	if err != nil {
		e.Close()
		return nil, err
	}
	if err := e.pipe.Initialize(e.out); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// round loads the corpus, runs the pipeline and settles the output directory.
// With a timeout the round may end partial: written files stay, nothing is
// pruned, and unfinished declarations are evaluated next round.
func (e *engine) round(ctx context.Context) (*roundReport, error) {
	corpus, load, err := e.corpus.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	logger.Debug("Corpus loaded",
		zap.Int("files", load.Files),
		zap.Int("parsed", load.Parsed),
		zap.Int("reused", load.Reused),
		zap.Duration("duration", load.Duration))

	// The budget covers evaluation only; loading is never cut short by it.
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := e.pipe.Run(runCtx, corpus, e.out)
	if err != nil {
		if abortErr := e.out.Abort(); abortErr != nil {
			logger.Warn("Output manifest not saved", zap.Error(abortErr))
		}
		return nil, err
	}

	report := &roundReport{Result: res, Load: load}
	if res.Partial {
		err = e.out.Abort()
	} else {
		report.Files, err = e.out.Commit()
	}
	if err != nil {
		return report, fmt.Errorf("settle output: %w", err)
	}

	e.persist(res)
	return report, nil
}

// persist saves the cache snapshot and the round summary. Failures only cost a
// cold start later, so they are logged.
func (e *engine) persist(res *pipeline.RoundResult) {
	if e.db == nil {
		return
	}
	if err := e.db.Save(e.pipe.Cache().Snapshot()); err != nil {
		logger.Warn("Cache not saved", zap.Error(err))
		logging.Get(logging.CategoryStore).Error("save failed: %v", err)
	} else if err := e.db.SetMeta(metaGenerator, e.fingerprint); err != nil {
		logger.Warn("Generator fingerprint not saved", zap.Error(err))
	}
	rec := store.RoundRecord{
		RoundID:     res.RoundID,
		Generation:  res.Generation,
		FinishedAt:  time.Now(),
		Duration:    res.Duration,
		Artifacts:   len(res.Artifacts),
		Diagnostics: len(res.Diagnostics),
		Hits:        res.Stats.Hits,
		Misses:      res.Stats.Misses,
		Partial:     res.Partial,
	}
	if err := e.db.RecordRound(rec); err != nil {
		logger.Warn("Round not recorded", zap.Error(err))
	}
}

// Close releases the parser pool and the cache database.
func (e *engine) Close() error {
	e.corpus.Close()
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}

// isFatal reports whether a round error is a configuration or collision
// failure rather than an interruption.
func isFatal(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
