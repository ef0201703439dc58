package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeModels(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write model %s: %v", name, err)
		}
	}
}

func withTTY(t *testing.T, tty bool) {
	t.Helper()
	prev := stdinIsTTY
	stdinIsTTY = func() bool { return tty }
	t.Cleanup(func() { stdinIsTTY = prev })
}

func TestDiscoverMCFModelsSorted(t *testing.T) {
	dir := t.TempDir()
	writeModels(t, dir, "b.mcf", "a.MCF", "ignore.txt")
	if err := os.Mkdir(filepath.Join(dir, "sub.mcf"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := discoverMCFModels(dir)
	if err != nil {
		t.Fatalf("discoverMCFModels returned error: %v", err)
	}
	want := []string{filepath.Join(dir, "a.MCF"), filepath.Join(dir, "b.mcf")}
	if len(got) != len(want) {
		t.Fatalf("unexpected model count: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected ordering at %d: got %q want %q", i, got[i], want[i])
		}
	}

	if _, err := discoverMCFModels(filepath.Join(dir, "b.mcf")); err == nil {
		t.Fatalf("expected error for a file path")
	}
}

func TestResolveModelPath(t *testing.T) {
	t.Run("model flag bypasses env", func(t *testing.T) {
		t.Setenv(envModelsDir, "")
		got, err := resolveModelPath("/tmp/model.mcf", "", bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelPath returned error: %v", err)
		}
		if got != filepath.Clean("/tmp/model.mcf") {
			t.Fatalf("unexpected model path: got %q", got)
		}
	})

	t.Run("nothing configured", func(t *testing.T) {
		t.Setenv(envModelsDir, "")
		if _, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatalf("expected error without a model or models dir")
		}
	})

	t.Run("single model selects automatically", func(t *testing.T) {
		dir := t.TempDir()
		writeModels(t, dir, "only.mcf")
		t.Setenv(envModelsDir, dir)
		withTTY(t, false)

		got, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelPath returned error: %v", err)
		}
		if want := filepath.Join(dir, "only.mcf"); got != want {
			t.Fatalf("unexpected model path: got %q want %q", got, want)
		}
	})

	t.Run("flag dir wins over env", func(t *testing.T) {
		dir := t.TempDir()
		writeModels(t, dir, "flag.mcf")
		t.Setenv(envModelsDir, t.TempDir())
		withTTY(t, false)

		got, err := resolveModelPath("", dir, bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelPath returned error: %v", err)
		}
		if want := filepath.Join(dir, "flag.mcf"); got != want {
			t.Fatalf("unexpected model path: got %q want %q", got, want)
		}
	})

	t.Run("multiple models requires tty", func(t *testing.T) {
		dir := t.TempDir()
		writeModels(t, dir, "a.mcf", "b.mcf")
		t.Setenv(envModelsDir, dir)
		withTTY(t, false)

		if _, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatalf("expected error when multiple models and stdin is not a tty")
		}
	})

	t.Run("interactive selection chooses sorted index", func(t *testing.T) {
		dir := t.TempDir()
		writeModels(t, dir, "b.mcf", "a.mcf")
		t.Setenv(envModelsDir, dir)
		withTTY(t, true)

		got, err := resolveModelPath("", "", bytes.NewBufferString("x\n9\n2\n"), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelPath returned error: %v", err)
		}
		if want := filepath.Join(dir, "b.mcf"); got != want {
			t.Fatalf("unexpected model selection: got %q want %q", got, want)
		}
	})

	t.Run("interactive selection at eof", func(t *testing.T) {
		dir := t.TempDir()
		writeModels(t, dir, "a.mcf", "b.mcf")
		t.Setenv(envModelsDir, dir)
		withTTY(t, true)

		if _, err := resolveModelPath("", "", bytes.NewBufferString("7"), io.Discard); err == nil {
			t.Fatalf("expected error for an invalid final selection")
		}
	})
}

func TestSnapshotOutReplacesAtomically(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ctx.session")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, commit, err := snapshotOut(path)
	if err != nil {
		t.Fatalf("snapshotOut: %v", err)
	}
	if _, err := f.WriteString("new"); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if b, _ := os.ReadFile(path); string(b) != "old" {
		t.Fatalf("target changed before commit: %q", b)
	}
	if err := commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if b, _ := os.ReadFile(path); string(b) != "new" {
		t.Fatalf("target after commit = %q", b)
	}
	ents, _ := os.ReadDir(filepath.Dir(path))
	if len(ents) != 1 {
		t.Fatalf("temp file left behind: %v", ents)
	}
}
