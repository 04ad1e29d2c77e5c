package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"declsynth/internal/decl"
	"declsynth/internal/higen"
	"declsynth/internal/pipeline"
	"declsynth/internal/sink"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type markerResolver struct{}

func (markerResolver) ResolveAnnotation(d decl.Declaration, u decl.AnnotationUsage) (decl.SymbolID, error) {
	switch u.Spelling {
	case "HiFromGenerator":
		return higen.Marker, nil
	case "Ambiguous":
		return "", &decl.ResolutionError{Decl: d.ID, Usage: u, Err: decl.ErrAmbiguousSymbol}
	}
	return "", decl.ErrUnknownSymbol
}

func corpus() decl.StaticStore {
	mk := func(file, ns, name, spelling string) decl.Declaration {
		d := decl.Declaration{
			ID:        decl.NewIdentity(file, ns, name, decl.KindClass, 0),
			Kind:      decl.KindClass,
			Namespace: ns,
			Name:      name,
			File:      file,
			Partial:   true,
			Content:   []byte("partial class " + name + " {}"),
		}
		if spelling != "" {
			d.Lists = 1
			d.Annotations = []decl.AnnotationUsage{{Spelling: spelling}}
		}
		return d
	}
	return decl.StaticStore{
		Decls: []decl.Declaration{
			mk("Person.cs", "Method_Consumer", "Person", "HiFromGenerator"),
			mk("Order.cs", "Shop", "Order", "HiFromGenerator"),
			mk("Odd.cs", "Shop", "Odd", "Ambiguous"),
			mk("Plain.cs", "Shop", "Plain", ""),
		},
		Res: markerResolver{},
	}
}

func warmPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	g, err := higen.New(higen.Options{})
	require.NoError(t, err)
	p := pipeline.New(g.Config())
	_, err = p.Run(context.Background(), corpus(), sink.NewMemory())
	require.NoError(t, err)
	return p
}

func openTemp(t *testing.T, driver string) *Store {
	t.Helper()
	s, err := Open(driver, filepath.Join(t.TempDir(), "cache", "declsynth.db"))
	if err != nil && driver == "sqlite3" && strings.Contains(err.Error(), "CGO_ENABLED=0") {
		t.Skip("mattn/go-sqlite3 requires cgo")
	}
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_EmptyLoad(t *testing.T) {
	s := openTemp(t, "sqlite")
	snap, err := s.Load()
	require.NoError(t, err)
	assert.Zero(t, snap.Generation)
	assert.Empty(t, snap.Entries)
	assert.Empty(t, snap.Emits)
}

func TestStore_SaveLoadRestoresWarmCache(t *testing.T) {
	for _, driver := range []string{"sqlite", "sqlite3"} {
		t.Run(driver, func(t *testing.T) {
			s := openTemp(t, driver)
			assert.Equal(t, driver, s.Driver())

			warm := warmPipeline(t)
			want := warm.Cache().Snapshot()
			require.NoError(t, s.Save(want))

			got, err := s.Load()
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
			}

			// A fresh process restores and hits for every declaration.
			cache := pipeline.NewCache()
			loaded, skipped := cache.Restore(got)
			assert.Equal(t, len(want.Entries)+len(want.Emits), loaded)
			assert.Zero(t, skipped)

			g, err := higen.New(higen.Options{})
			require.NoError(t, err)
			p := pipeline.New(g.Config(), pipeline.WithCache(cache))
			res, err := p.Run(context.Background(), corpus(), sink.NewMemory())
			require.NoError(t, err)
			assert.Equal(t, int64(4), res.Stats.Hits)
			assert.Zero(t, res.Stats.Misses)
			assert.Len(t, res.Artifacts, 2)
			assert.Len(t, res.Diagnostics, 1, "cached resolution problems are replayed")
		})
	}
}

func TestStore_SaveReplaces(t *testing.T) {
	s := openTemp(t, "sqlite")
	require.NoError(t, s.Save(warmPipeline(t).Cache().Snapshot()))
	require.NoError(t, s.Save(pipeline.Snapshot{Generation: 7}))

	snap, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), snap.Generation)
	assert.Empty(t, snap.Entries)
	assert.Empty(t, snap.Emits)
}

func TestStore_SkipsUndecodableRows(t *testing.T) {
	s := openTemp(t, "sqlite")
	require.NoError(t, s.Save(warmPipeline(t).Cache().Snapshot()))
	_, err := s.db.Exec(`UPDATE decl_cache SET descriptor_json = '{broken' WHERE identity LIKE 'Order.cs#%'`)
	require.NoError(t, err)

	snap, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 3)
}

func TestStore_Rounds(t *testing.T) {
	s := openTemp(t, "sqlite")
	base := time.Unix(1700000000, 0)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.RecordRound(RoundRecord{
			RoundID:    "round-" + string(rune('0'+i)),
			Generation: uint64(i),
			FinishedAt: base.Add(time.Duration(i) * time.Second),
			Duration:   time.Duration(i) * time.Millisecond,
			Artifacts:  i,
			Hits:       int64(i * 2),
			Partial:    i == 2,
		}))
	}

	rounds, err := s.RecentRounds(2)
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.Equal(t, "round-3", rounds[0].RoundID)
	assert.Equal(t, uint64(3), rounds[0].Generation)
	assert.True(t, rounds[0].FinishedAt.Equal(base.Add(3*time.Second)))
	assert.Equal(t, 3*time.Millisecond, rounds[0].Duration)
	assert.True(t, rounds[1].Partial)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestOpen_MigratesOldRoundsTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE rounds (
		round_id TEXT PRIMARY KEY,
		generation INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		artifacts INTEGER NOT NULL,
		diagnostics INTEGER NOT NULL,
		hits INTEGER NOT NULL,
		misses INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s, err := Open("sqlite", path)
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, columnExists(s.db, "rounds", "partial"))
	assert.Zero(t, RunMigrations(s.db), "second run has nothing to do")

	require.NoError(t, s.RecordRound(RoundRecord{RoundID: "r1", Generation: 1, FinishedAt: time.Now(), Partial: true}))
	rounds, err := s.RecentRounds(1)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.True(t, rounds[0].Partial)
}

func TestStore_Meta(t *testing.T) {
	s := openTemp(t, "sqlite")
	v, err := s.GetMeta("generator")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetMeta("generator", "abc"))
	require.NoError(t, s.SetMeta("generator", "def"))
	v, err = s.GetMeta("generator")
	require.NoError(t, err)
	assert.Equal(t, "def", v)
}
