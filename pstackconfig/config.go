// Package pstackconfig holds the explicit configuration record threaded
// through the core's constructors (path rewrites, extra debug
// directories, frame caps, decode flags): a plain struct, no ambient
// globals, optionally hydrated from a YAML file on disk.
package pstackconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// PathRewriteRule substitutes a recorded absolute path prefix with a
// local filesystem path when resolving source files or separate debug
// files, as a simple ordered (from, to) pair.
type PathRewriteRule struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// PathRewriteRules is an ordered list of PathRewriteRule, applied first
// match wins.
type PathRewriteRules []PathRewriteRule

// Apply returns path with the first matching rule's prefix substituted, or
// path unchanged if no rule matches.
func (rules PathRewriteRules) Apply(path string) string {
	for _, r := range rules {
		if len(path) >= len(r.From) && path[:len(r.From)] == r.From {
			return r.To + path[len(r.From):]
		}
	}
	return path
}

// Config is the explicit configuration record passed into the unwinder's
// constructor (unwind.New). Nothing in this module reads configuration
// from ambient global state.
type Config struct {
	// SubstitutePath rewrites recorded absolute source/binary paths to
	// local filesystem locations.
	SubstitutePath PathRewriteRules `yaml:"substitute-path"`

	// DebugInfoDirectories are extra directories searched, in order, for
	// separate debug files (both at the original path and under a
	// build-id/xx/yyyy… layout), after the binary's own directory and its
	// sibling .debug/ directory.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`

	// MaxFrames caps the number of frames the unwinder will emit for a
	// single thread. Zero means unbounded.
	MaxFrames int `yaml:"max-frames"`

	// DecodeArgs, when true, asks the unwinder to decode DW_AT_location
	// for function arguments as it symbolicates each frame.
	DecodeArgs bool `yaml:"decode-args"`

	// DecodeLocals is the DecodeArgs equivalent for local variables.
	DecodeLocals bool `yaml:"decode-locals"`

	// NoSource suppresses source file/line lookups entirely, skipping the
	// line-number program evaluation for every frame.
	NoSource bool `yaml:"no-source"`
}

// Default returns the zero-value Config augmented with the rewrite/debug
// directory lists empty, matching a "do nothing extra" baseline.
func Default() *Config {
	return &Config{}
}

// Load reads a YAML configuration file at path into a new Config. A
// missing file is not an error: Load returns Default() so callers can
// unconditionally call Load on an optional config path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("pstackconfig: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("pstackconfig: parsing %s: %w", path, err)
	}
	return cfg, nil
}
