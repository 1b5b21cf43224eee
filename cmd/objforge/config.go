package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"objforge/internal/target"
)

const configFileName = "objforge.toml"

// fileConfig mirrors objforge.toml. Every section is optional.
type fileConfig struct {
	Output  outputConfig  `toml:"output"`
	Target  targetConfig  `toml:"target"`
	Program programConfig `toml:"program"`

	// hasExitCode is set when [program].exit_code was given, so that an
	// explicit 0 is kept.
	hasExitCode bool
	path        string
}

type outputConfig struct {
	Name string `toml:"name"`
	Dir  string `toml:"dir"`
}

type targetConfig struct {
	Triples []string          `toml:"triples"`
	Flags   map[string]string `toml:"flags"`
}

type programConfig struct {
	Message  string `toml:"message"`
	ExitCode int64  `toml:"exit_code"`
	Entry    string `toml:"entry"`
}

// findConfig walks up from startDir looking for objforge.toml.
func findConfig(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return fileConfig{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return fileConfig{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if meta.IsDefined("output", "name") && strings.TrimSpace(cfg.Output.Name) == "" {
		return fileConfig{}, fmt.Errorf("%s: [output].name is empty", path)
	}
	if meta.IsDefined("target", "triples") {
		for _, t := range cfg.Target.Triples {
			if _, err := target.ParseTriple(t); err != nil {
				return fileConfig{}, fmt.Errorf("%s: [target].triples: %w", path, err)
			}
		}
	}
	for name, value := range cfg.Target.Flags {
		if _, err := target.DefaultFlags().Set(name, value); err != nil {
			return fileConfig{}, fmt.Errorf("%s: [target.flags]: %w", path, err)
		}
	}
	flags, err := target.CanonicalOverrides(cfg.Target.Flags)
	if err != nil {
		return fileConfig{}, fmt.Errorf("%s: [target.flags]: %w", path, err)
	}
	cfg.Target.Flags = flags
	if meta.IsDefined("program", "exit_code") {
		if cfg.Program.ExitCode < 0 || cfg.Program.ExitCode > 255 {
			return fileConfig{}, fmt.Errorf("%s: [program].exit_code %d out of range 0..255", path, cfg.Program.ExitCode)
		}
		cfg.hasExitCode = true
	}
	cfg.path = path
	return cfg, nil
}

// resolveConfig loads the explicit path, or the nearest objforge.toml when
// path is empty. A missing implicit file yields the zero config.
func resolveConfig(path string) (fileConfig, error) {
	if path != "" {
		return loadConfig(path)
	}
	found, ok, err := findConfig(".")
	if err != nil || !ok {
		return fileConfig{}, err
	}
	return loadConfig(found)
}
