package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p != Default() {
		t.Fatalf("Load(missing) = %+v, want Default()", p)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vtmon.yaml")
	contents := "ignore_vtable_mismatch: true\ntheme: custom\nmax_stack_frames: 8\nno_color: true\n"
	if err := writeFile(path, contents); err != nil {
		t.Fatalf("writeFile: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Profile{IgnoreVtableMismatch: true, Theme: "custom", MaxStackFrames: 8, NoColor: true}
	if p != want {
		t.Fatalf("Load() = %+v, want %+v", p, want)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vtmon.yaml")
	if err := writeFile(path, "theme: [unterminated\n"); err != nil {
		t.Fatalf("writeFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error parsing malformed YAML")
	}
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
