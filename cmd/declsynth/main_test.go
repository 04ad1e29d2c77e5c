package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"declsynth/internal/config"
	"declsynth/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const personSource = `using HiGenerator;

namespace Method_Consumer
{
    [HiFromGenerator]
    partial class Person
    {
        public string Name { get; set; } = "Alice";
    }
}
`

func setupWorkspace(t *testing.T) string {
	t.Helper()
	logger = zap.NewNop()
	workspace = t.TempDir()
	configPath = ""
	timeout = 0

	src := filepath.Join(workspace, "src", "Person.cs")
	if err := os.MkdirAll(filepath.Dir(src), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte(personSource), 0644); err != nil {
		t.Fatal(err)
	}
	return workspace
}

func TestInitWritesDefaultConfig(t *testing.T) {
	ws := setupWorkspace(t)

	output := captureOutput(t, func() {
		if err := runInit(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runInit returned error: %v", err)
		}
	})
	if !strings.Contains(output, config.FileName) {
		t.Fatalf("expected config path in output, got: %s", output)
	}

	cfg, err := config.Load(config.DefaultPath(ws))
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Generator.Suffix != "_Hi" {
		t.Errorf("expected default suffix, got %q", cfg.Generator.Suffix)
	}

	if err := runInit(&cobra.Command{}, nil); err == nil {
		t.Fatal("expected error when config already exists")
	}
}

func TestGenerateWritesArtifactsAndWarmsCache(t *testing.T) {
	ws := setupWorkspace(t)

	output := captureOutput(t, func() {
		if err := runGenerate(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runGenerate returned error: %v", err)
		}
	})
	if !strings.Contains(output, "1 candidate") {
		t.Fatalf("expected round summary, got: %s", output)
	}

	out := filepath.Join(ws, "Generated")
	data, err := os.ReadFile(filepath.Join(out, "Method_Consumer", "Person_Hi.g.cs"))
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if !strings.Contains(string(data), "generated for Person at compile-time") {
		t.Errorf("unexpected artifact text:\n%s", data)
	}
	if _, err := os.Stat(filepath.Join(out, "HiGenerator", "HiFromGeneratorAttribute.g.cs")); err != nil {
		t.Errorf("attribute artifact not written: %v", err)
	}

	// A second process starts from the persisted cache.
	captureOutput(t, func() {
		if err := runGenerate(&cobra.Command{}, nil); err != nil {
			t.Fatalf("second runGenerate returned error: %v", err)
		}
	})

	db, err := store.Open("sqlite", filepath.Join(ws, ".declsynth", "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer db.Close()
	rounds, err := db.RecentRounds(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rounds) != 2 {
		t.Fatalf("expected 2 recorded rounds, got %d", len(rounds))
	}
	if rounds[0].Hits != 1 || rounds[0].Misses != 0 {
		t.Errorf("expected warm second round, got hits=%d misses=%d", rounds[0].Hits, rounds[0].Misses)
	}
	if rounds[1].Misses != 1 {
		t.Errorf("expected cold first round, got misses=%d", rounds[1].Misses)
	}
}

func TestGenerateRemovesArtifactOfDeletedSource(t *testing.T) {
	ws := setupWorkspace(t)
	captureOutput(t, func() {
		if err := runGenerate(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runGenerate returned error: %v", err)
		}
	})

	if err := os.Remove(filepath.Join(ws, "src", "Person.cs")); err != nil {
		t.Fatal(err)
	}
	captureOutput(t, func() {
		if err := runGenerate(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runGenerate returned error: %v", err)
		}
	})

	out := filepath.Join(ws, "Generated")
	if _, err := os.Stat(filepath.Join(out, "Method_Consumer", "Person_Hi.g.cs")); !os.IsNotExist(err) {
		t.Errorf("stale artifact still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "HiGenerator", "HiFromGeneratorAttribute.g.cs")); err != nil {
		t.Errorf("static artifact must survive: %v", err)
	}
}

func TestGenerateFailsOnCollision(t *testing.T) {
	ws := setupWorkspace(t)
	// Same namespace and name in two files, different kinds: two artifacts
	// with one key.
	other := `namespace Method_Consumer
{
    [HiGenerator.HiFromGenerator]
    partial class Person<T> { }
}
`
	if err := os.WriteFile(filepath.Join(ws, "src", "Generic.cs"), []byte(other), 0644); err != nil {
		t.Fatal(err)
	}

	var err error
	captureOutput(t, func() {
		err = runGenerate(&cobra.Command{}, nil)
	})
	if err == nil || !strings.Contains(err.Error(), "collision") {
		t.Fatalf("expected collision error, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(ws, "Generated", "Method_Consumer", "Person_Hi.g.cs")); !os.IsNotExist(statErr) {
		t.Errorf("nothing may be delivered from a halted round: %v", statErr)
	}
}

func TestGenerateStrictFailsOnDiagnostics(t *testing.T) {
	ws := setupWorkspace(t)
	ambiguous := `using A;
using B;

namespace A { class HiFromGeneratorAttribute { } }
namespace B { class HiFromGeneratorAttribute { } }

namespace Odd
{
    [HiFromGenerator]
    partial class Thing { }
}
`
	if err := os.WriteFile(filepath.Join(ws, "src", "Odd.cs"), []byte(ambiguous), 0644); err != nil {
		t.Fatal(err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().Bool("strict", true, "")
	var err error
	output := captureOutput(t, func() {
		err = runGenerate(cmd, nil)
	})
	if err == nil || !strings.Contains(err.Error(), "diagnostics") {
		t.Fatalf("expected strict failure, got %v", err)
	}
	if !strings.Contains(output, "warning:") {
		t.Errorf("expected diagnostic warning, got: %s", output)
	}
	if _, statErr := os.Stat(filepath.Join(ws, "Generated", "Method_Consumer", "Person_Hi.g.cs")); statErr != nil {
		t.Errorf("unaffected declarations are still generated: %v", statErr)
	}
}

func TestStatsWithoutCache(t *testing.T) {
	setupWorkspace(t)
	output := captureOutput(t, func() {
		if err := runStats(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runStats returned error: %v", err)
		}
	})
	if !strings.Contains(output, "No cache yet") {
		t.Fatalf("expected missing cache notice, got: %s", output)
	}
}

func TestStatsAfterGenerate(t *testing.T) {
	setupWorkspace(t)
	captureOutput(t, func() {
		if err := runGenerate(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runGenerate returned error: %v", err)
		}
	})
	output := captureOutput(t, func() {
		if err := runStats(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runStats returned error: %v", err)
		}
	})
	if !strings.Contains(output, "Recent rounds") || !strings.Contains(output, "1 candidate") {
		t.Fatalf("unexpected stats output: %s", output)
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	origErr := os.Stderr
	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout = wOut
	os.Stderr = wErr

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		_, _ = io.Copy(&buf, rErr)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	_ = wErr.Close()
	os.Stdout = origOut
	os.Stderr = origErr
	return <-done
}
