// Package pipeline implements the incremental declaration-to-artifact generator:
// a syntactic predicate narrows the corpus, a semantic transform resolves marker
// annotations by symbol identity and projects descriptors, a cache memoizes both
// stages across rounds, and an emission stage renders descriptors into named
// artifacts for a sink.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"declsynth/internal/decl"
	"declsynth/internal/logging"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Pipeline runs rounds over a declaration store. Rounds are serialized; inside a
// round declarations are evaluated concurrently.
type Pipeline struct {
	cfg     Config
	cache   *Cache // nil when caching is disabled
	workers int

	roundMu sync.Mutex // one round at a time

	mu         sync.Mutex
	initCount  int
	lastDigest string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWorkers bounds the number of declarations evaluated concurrently.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithCache uses c instead of a fresh cache, e.g. one restored from disk.
func WithCache(c *Cache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithoutCache disables memoization. Output is identical; only work repeats.
func WithoutCache() Option {
	return func(p *Pipeline) { p.cache = nil }
}

// New creates a pipeline. The configuration is validated on every round so a
// bad configuration is reported where the round would have run.
func New(cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		cache:   NewCache(),
		workers: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Cache returns the pipeline's cache, or nil when caching is disabled.
func (p *Pipeline) Cache() *Cache {
	return p.cache
}

// RoundResult describes one completed round.
type RoundResult struct {
	Generation  uint64
	RoundID     string
	Artifacts   []Artifact
	Diagnostics []Diagnostic
	States      map[decl.Identity]State
	Stats       CacheStats // deltas for this round
	// Partial is set when the context ended before every declaration was
	// evaluated; those declarations are Unseen.
	Partial bool
	// Changed reports whether the artifact set differs from the previous round.
	Changed  bool
	Duration time.Duration
}

// Count returns how many declarations ended the round in state s.
func (r *RoundResult) Count(s State) int {
	n := 0
	for _, st := range r.States {
		if st == s {
			n++
		}
	}
	return n
}

type outcome struct {
	state State
	desc  Descriptor
	diag  *Diagnostic
}

// Run executes one round: evaluate every declaration in store, render the
// candidates, and hand the artifacts to sink in key order.
//
// Configuration errors, duplicate identities and artifact name collisions halt
// the round with an error; nothing is handed to the sink in that case.
func (p *Pipeline) Run(ctx context.Context, store decl.Store, sink Sink) (*RoundResult, error) {
	if err := p.cfg.validate(); err != nil {
		return nil, err
	}

	p.roundMu.Lock()
	defer p.roundMu.Unlock()

	start := time.Now()
	roundID := uuid.NewString()
	rlog := logging.WithRequestID(logging.CategoryPipeline, roundID)

	decls := store.Declarations()
	if err := checkIdentities(decls); err != nil {
		return nil, err
	}

	var gen uint64
	var before CacheStats
	if p.cache != nil {
		before = p.cache.Stats()
		gen = p.cache.beginRound()
	}
	rlog.WithField("generation", gen).Info("round started: %d declarations", len(decls))

	outcomes, partial := p.evaluate(ctx, decls, store.Resolver())

	result := &RoundResult{
		Generation: gen,
		RoundID:    roundID,
		States:     make(map[decl.Identity]State, len(decls)),
		Partial:    partial,
	}
	for i, o := range outcomes {
		result.States[decls[i].ID] = o.state
		if o.diag != nil {
			result.Diagnostics = append(result.Diagnostics, *o.diag)
		}
	}

	artifacts, renderDiags, err := p.emit(collectCandidates(decls, outcomes))
	result.Diagnostics = append(result.Diagnostics, renderDiags...)
	sortDiagnostics(result.Diagnostics)
	if err != nil {
		p.finish(result, before, false)
		rlog.Error("round halted: %v", err)
		return nil, err
	}

	for _, a := range artifacts {
		if err := sink.Add(a); err != nil {
			p.finish(result, before, false)
			rlog.Error("sink rejected %s: %v", a.Key(), err)
			return nil, fmt.Errorf("deliver %s: %w", a.Key(), err)
		}
	}
	result.Artifacts = artifacts

	p.finish(result, before, !partial)

	digest := digestArtifacts(artifacts)
	p.mu.Lock()
	if !partial {
		result.Changed = digest != p.lastDigest
		p.lastDigest = digest
	} else {
		result.Changed = true
	}
	p.mu.Unlock()

	result.Duration = time.Since(start)
	rlog.Info("round finished in %v: candidates=%d rejected=%d filtered=%d unseen=%d artifacts=%d diagnostics=%d changed=%v",
		result.Duration, result.Count(Candidate), result.Count(Rejected), result.Count(FilteredOut),
		result.Count(Unseen), len(artifacts), len(result.Diagnostics), result.Changed)
	if p.cache != nil {
		logging.Cache("round %d: %s", gen, result.Stats)
	}
	return result, nil
}

func (p *Pipeline) finish(r *RoundResult, before CacheStats, complete bool) {
	if p.cache == nil {
		return
	}
	p.cache.endRound(complete)
	r.Stats = p.cache.Stats().Sub(before)
}

// evaluate decides every declaration independently. Declarations not started
// before ctx ends are left Unseen.
func (p *Pipeline) evaluate(ctx context.Context, decls []decl.Declaration, resolver decl.Resolver) ([]outcome, bool) {
	outcomes := make([]outcome, len(decls))
	var g errgroup.Group
	g.SetLimit(p.workers)

	for i := range decls {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcomes[i] = p.decide(decls[i], resolver)
			return nil
		})
	}
	_ = g.Wait()

	unseen := 0
	for i := range outcomes {
		// the zero outcome is Unseen
		if outcomes[i].state == Unseen {
			unseen++
		}
	}
	if unseen > 0 {
		logging.PipelineDebug("round budget exhausted: %d of %d declarations unseen", unseen, len(decls))
	}
	return outcomes, unseen > 0
}

// decide runs the predicate and transform for one declaration, through the cache.
func (p *Pipeline) decide(d decl.Declaration, resolver decl.Resolver) outcome {
	var hash string
	if p.cache != nil {
		hash = decl.ContentHash(d)
		if e, ok := p.cache.lookup(d, hash); ok {
			logging.CacheDebug("HIT %s (%s)", d.ID, e.State)
			return outcome{state: e.State, desc: e.Descriptor, diag: e.Problem}
		}
	}

	o := p.compute(d, resolver)

	if p.cache != nil {
		p.cache.store(CacheEntry{
			Identity:    d.ID,
			ContentHash: hash,
			Fingerprint: d.Fingerprint(),
			State:       o.state,
			Descriptor:  o.desc,
			Problem:     o.diag,
		})
		logging.CacheDebug("MISS %s -> %s", d.ID, o.state)
	}
	return o
}

func (p *Pipeline) compute(d decl.Declaration, resolver decl.Resolver) outcome {
	ok, diag := p.filter(d)
	if !ok {
		return outcome{state: FilteredOut, diag: diag}
	}
	state, desc, diag := p.transform(d, resolver)
	if diag != nil {
		logging.PipelineWarn("%s", diag)
	}
	return outcome{state: state, desc: desc, diag: diag}
}

func checkIdentities(decls []decl.Declaration) error {
	seen := make(map[decl.Identity]struct{}, len(decls))
	for _, d := range decls {
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateIdentity, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

func sortDiagnostics(diags []Diagnostic) {
	sort.SliceStable(diags, func(i, j int) bool {
		if diags[i].Decl != diags[j].Decl {
			return diags[i].Decl < diags[j].Decl
		}
		return diags[i].Kind < diags[j].Kind
	})
}

func digestArtifacts(artifacts []Artifact) string {
	h := sha256.New()
	for _, a := range artifacts {
		fmt.Fprintf(h, "%d:%s%d:%s", len(a.Key()), a.Key(), len(a.Text), a.Text)
	}
	return hex.EncodeToString(h.Sum(nil))
}
