package main

import (
	"fmt"
	"maps"

	"github.com/spf13/cobra"

	"objforge/internal/hello"
	"objforge/internal/target"
)

// programFlags are the flags shared by commands that build the program.
type programFlags struct {
	config   string
	targets  []string
	sets     []string
	message  string
	exitCode int64
	entry    string
}

func (p *programFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&p.config, "config", "", "configuration file (default: nearest "+configFileName+")")
	f.StringArrayVar(&p.targets, "target", nil, "target triple, repeatable (default: host)")
	f.StringArrayVar(&p.sets, "set", nil, "codegen flag name=value, repeatable")
	f.StringVar(&p.message, "message", "", "message passed to puts (default \""+hello.DefaultMessage+"\")")
	f.Int64Var(&p.exitCode, "exit-code", hello.DefaultExitCode, "value returned from the entry function")
	f.StringVar(&p.entry, "entry", "", "entry function name (default \""+hello.DefaultEntryName+"\")")
}

// settings is the merged view of the config file and the command line.
type settings struct {
	targets   []string
	overrides map[string]string
	program   hello.Options
	name      string
	dir       string
}

// resolve merges the configuration file with the flags; flags given on the
// command line win. Codegen flag names are canonical on both sides, so
// "--set is_pic=false" replaces a file's "pic = true".
func (p *programFlags) resolve(cmd *cobra.Command) (settings, error) {
	fc, err := resolveConfig(p.config)
	if err != nil {
		return settings{}, err
	}
	s := settings{
		targets:   fc.Target.Triples,
		overrides: make(map[string]string),
		program: hello.Options{
			Message:   fc.Program.Message,
			EntryName: fc.Program.Entry,
		},
		name: fc.Output.Name,
		dir:  fc.Output.Dir,
	}
	maps.Copy(s.overrides, fc.Target.Flags)
	if fc.hasExitCode {
		s.program.ExitCode = fc.Program.ExitCode
		s.program.KeepZeroExit = true
	}

	flags := cmd.Flags()
	if flags.Changed("target") {
		s.targets = p.targets
	}
	sets, err := target.ParseAssignments(p.sets)
	if err != nil {
		return settings{}, err
	}
	maps.Copy(s.overrides, sets)
	if flags.Changed("message") {
		s.program.Message = p.message
	}
	if flags.Changed("exit-code") {
		if p.exitCode < 0 || p.exitCode > 255 {
			return settings{}, fmt.Errorf("--exit-code %d out of range 0..255", p.exitCode)
		}
		s.program.ExitCode = p.exitCode
		s.program.KeepZeroExit = true
	}
	if flags.Changed("entry") {
		s.program.EntryName = p.entry
	}

	if len(s.targets) == 0 {
		host, err := target.Resolve(target.Host(), nil)
		if err != nil {
			return settings{}, fmt.Errorf("no --target given and the host is unsupported: %w", err)
		}
		s.targets = []string{host.Triple}
	}
	return s, nil
}
