package main

import (
	"io"

	"github.com/spf13/cobra"

	"objforge/internal/hello"
	"objforge/internal/module"
	"objforge/internal/target"
	"objforge/internal/trace"
)

var irProgram programFlags

func init() {
	irProgram.register(irCmd)
}

var irCmd = &cobra.Command{
	Use:   "ir",
	Short: "Print the IR of the hello program",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := irProgram.resolve(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for i, t := range s.targets {
			if len(s.targets) > 1 {
				if i > 0 {
					io.WriteString(out, "\n")
				}
				io.WriteString(out, "; "+t+"\n")
			}
			if err := printIR(out, t, s, trace.FromContext(cmd.Context())); err != nil {
				return err
			}
		}
		return nil
	},
}

// printIR builds the program for triple and writes the entry function's IR.
func printIR(w io.Writer, triple string, s settings, tracer trace.Tracer) error {
	cfg, err := target.ResolveTriple(triple, s.overrides)
	if err != nil {
		return err
	}
	m, err := module.New(cfg, module.Options{Name: s.name, Tracer: tracer})
	if err != nil {
		return err
	}
	opts := s.program
	opts.DumpIR = w
	_, err = hello.Build(m, opts)
	return err
}
