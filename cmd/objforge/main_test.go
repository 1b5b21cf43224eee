package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"objforge/internal/target"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), configFileName)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", configFileName, err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[output]
name = "greet"
dir = "out"

[target]
triples = ["x86_64-linux-gnu", "aarch64-linux-gnu"]

[target.flags]
is_pic = "true"

[program]
message = "hi"
exit_code = 0
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Output.Name != "greet" || cfg.Output.Dir != "out" {
		t.Errorf("output = %+v", cfg.Output)
	}
	if len(cfg.Target.Triples) != 2 || cfg.Target.Flags["is_pic"] != "true" {
		t.Errorf("target = %+v", cfg.Target)
	}
	if !cfg.hasExitCode || cfg.Program.ExitCode != 0 || cfg.Program.Message != "hi" {
		t.Errorf("program = %+v (hasExitCode=%t)", cfg.Program, cfg.hasExitCode)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "[output]\nnmae = \"x\"\n", "unknown keys: output.nmae"},
		{"empty name", "[output]\nname = \"  \"\n", "[output].name is empty"},
		{"bad triple", "[target]\ntriples = [\"-\"]\n", "[target].triples"},
		{"bad flag", "[target.flags]\nopt_level = \"3\"\n", "[target.flags]"},
		{"bad bool", "[target.flags]\nis_pic = \"maybe\"\n", "invalid boolean"},
		{"exit code", "[program]\nexit_code = 300\n", "out of range"},
		{"syntax", "[output\n", "failed to parse TOML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestFindConfigWalksUp(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, configFileName), []byte("[output]\nname = \"x\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	path, ok, err := findConfig(nested)
	if err != nil || !ok {
		t.Fatalf("findConfig = %q, %t, %v", path, ok, err)
	}
	if filepath.Dir(path) != root {
		t.Errorf("found %q, want it in %q", path, root)
	}
}

func TestProgressView(t *testing.T) {
	tests := []struct {
		in         string
		want       progressView
		quiet, tty bool
		enabled    bool
	}{
		{"", progressAuto, false, true, true},
		{"AUTO", progressAuto, false, false, false},
		{"auto", progressAuto, true, true, false},
		{"on", progressAlways, true, false, true},
		{" off ", progressNever, false, true, false},
		{"never", progressNever, false, true, false},
	}
	for _, tt := range tests {
		got, err := parseProgressView(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("parseProgressView(%q) = %s, %v; want %s", tt.in, got, err, tt.want)
			continue
		}
		if on := got.enabled(tt.quiet, tt.tty); on != tt.enabled {
			t.Errorf("%s.enabled(quiet=%t, tty=%t) = %t", got, tt.quiet, tt.tty, on)
		}
	}
	if _, err := parseProgressView("sometimes"); err == nil {
		t.Error("expected an error for an unknown value")
	}
}

func TestProgramFlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, `
[target]
triples = ["aarch64-linux-gnu"]
[target.flags]
is_pic = "true"
[program]
message = "from config"
exit_code = 3
`)
	var p programFlags
	cmd := &cobra.Command{Use: "test"}
	p.register(cmd)
	if err := cmd.Flags().Parse([]string{"--config", path, "--message", "from flag", "--set", "is_pic=false"}); err != nil {
		t.Fatal(err)
	}
	s, err := p.resolve(cmd)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.program.Message != "from flag" || s.program.ExitCode != 3 || !s.program.KeepZeroExit {
		t.Errorf("program = %+v", s.program)
	}
	if len(s.targets) != 1 || s.targets[0] != "aarch64-linux-gnu" {
		t.Errorf("targets = %v", s.targets)
	}
	if s.overrides["is_pic"] != "false" {
		t.Errorf("overrides = %v", s.overrides)
	}

	if err := cmd.Flags().Parse([]string{"--exit-code", "256"}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.resolve(cmd); err == nil {
		t.Error("expected an out of range exit code to fail")
	}
}

func TestSetOverridesConfigFlagSpelling(t *testing.T) {
	path := writeConfig(t, "[target]\ntriples = [\"x86_64-linux-gnu\"]\n[target.flags]\npic = \"true\"\n")
	var p programFlags
	cmd := &cobra.Command{Use: "test"}
	p.register(cmd)
	if err := cmd.Flags().Parse([]string{"--config", path, "--set", "is_pic=false"}); err != nil {
		t.Fatal(err)
	}
	s, err := p.resolve(cmd)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(s.overrides) != 1 || s.overrides["is_pic"] != "false" {
		t.Errorf("overrides = %v", s.overrides)
	}
	cfg, err := target.ResolveTriple(s.targets[0], s.overrides)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Flags.PIC {
		t.Error("the command line value lost to the config file")
	}
}

func TestLoadConfigConflictingFlagSpellings(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "[target.flags]\npic = \"true\"\nis_pic = \"false\"\n"))
	if err == nil || !strings.Contains(err.Error(), "set twice") {
		t.Fatalf("err = %v, want a conflicting flag error", err)
	}
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--color", "off"}, args...))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("objforge %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestEmitAndInspect(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, "[output]\nname = \"demo\"\n")
	out := execute(t, "emit", "--config", cfg, "--target", "x86_64-linux-gnu", "--target", "aarch64-linux-gnu", "-o", dir, "--ui", "off")
	for _, arch := range []string{"x86_64", "aarch64"} {
		if !strings.Contains(out, filepath.Join(dir, "demo-"+arch+"-linux.o")) {
			t.Errorf("output does not mention the %s object:\n%s", arch, out)
		}
	}

	var buf bytes.Buffer
	if err := runInspect(&buf, filepath.Join(dir, "demo-aarch64-linux.o")); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !strings.Contains(buf.String(), "main(i64, i64) -> i64") {
		t.Errorf("inspect output:\n%s", buf.String())
	}
}

func TestIRCommand(t *testing.T) {
	cfg := writeConfig(t, "")
	out := execute(t, "ir", "--config", cfg, "--target", "x86_64-linux-gnu", "--exit-code", "9")
	for _, want := range []string{"function %main", "iconst.i64 9", "return"} {
		if !strings.Contains(out, want) {
			t.Errorf("ir output missing %q:\n%s", want, out)
		}
	}
}

func TestVersionJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := renderVersionJSON(&buf, versionOptions{showHash: true}); err != nil {
		t.Fatal(err)
	}
	var payload versionPayload
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v\n%s", err, buf.String())
	}
	if payload.Tool != "objforge" || payload.Version == "" || payload.GitCommit == "" || len(payload.Targets) == 0 {
		t.Errorf("payload = %+v", payload)
	}
}
