package pstackconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathRewriteRulesApply(t *testing.T) {
	rules := PathRewriteRules{
		{From: "/build/src", To: "/home/me/src"},
		{From: "/build", To: "/other"},
	}

	for _, test := range []struct {
		path string
		want string
	}{
		{"/build/src/main.go", "/home/me/src/main.go"},
		{"/build/lib/util.go", "/other/lib/util.go"},
		{"/unrelated/path.go", "/unrelated/path.go"},
	} {
		if got := rules.Apply(test.path); got != test.want {
			t.Errorf("Apply(%q) = %q, want %q", test.path, got, test.want)
		}
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxFrames != 0 || len(cfg.SubstitutePath) != 0 {
		t.Errorf("got %+v, want the zero-value Default()", cfg)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pstack.yaml")
	contents := `
substitute-path:
  - from: /build
    to: /home/me
debug-info-directories:
  - /usr/lib/debug
max-frames: 64
decode-args: true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxFrames != 64 {
		t.Errorf("got MaxFrames %d, want 64", cfg.MaxFrames)
	}
	if !cfg.DecodeArgs {
		t.Error("got DecodeArgs false, want true")
	}
	if len(cfg.SubstitutePath) != 1 || cfg.SubstitutePath[0].From != "/build" {
		t.Errorf("got SubstitutePath %+v", cfg.SubstitutePath)
	}
	if len(cfg.DebugInfoDirectories) != 1 || cfg.DebugInfoDirectories[0] != "/usr/lib/debug" {
		t.Errorf("got DebugInfoDirectories %+v", cfg.DebugInfoDirectories)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("max-frames: [this is not an int"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error parsing malformed YAML")
	}
}
