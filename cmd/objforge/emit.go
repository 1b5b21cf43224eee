package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"objforge/internal/pipeline"
	"objforge/internal/trace"
)

var (
	emitProgram programFlags
	emitOutDir  string
	emitName    string
	emitDumpIR  bool
	emitUI      string
	emitJobs    int
)

func init() {
	emitProgram.register(emitCmd)
	emitCmd.Flags().StringVarP(&emitOutDir, "output-dir", "o", "", "directory for object files (default \".\")")
	emitCmd.Flags().StringVar(&emitName, "name", "", "object file stem and file symbol (default \"hello\")")
	emitCmd.Flags().BoolVar(&emitDumpIR, "dump-ir", false, "print the entry function's IR before emitting")
	emitCmd.Flags().StringVar(&emitUI, "ui", "auto", "progress UI (auto|on|off)")
	emitCmd.Flags().IntVarP(&emitJobs, "jobs", "j", 0, "targets built at once (default GOMAXPROCS)")
}

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Write the hello program as an object file per target",
	Args:  cobra.NoArgs,
	RunE:  runEmit,
}

var okColor = color.New(color.FgGreen)

func runEmit(cmd *cobra.Command, args []string) error {
	s, err := emitProgram.resolve(cmd)
	if err != nil {
		return err
	}
	view, err := parseProgressView(emitUI)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("output-dir") {
		s.dir = emitOutDir
	}
	if s.dir == "" {
		s.dir = "."
	}
	if cmd.Flags().Changed("name") {
		s.name = emitName
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("output directory: %w", err)
	}

	out := cmd.OutOrStdout()
	if emitDumpIR {
		if err := printIR(out, s.targets[0], s, trace.FromContext(cmd.Context())); err != nil {
			return err
		}
	}

	req := &pipeline.Request{
		Targets:   s.targets,
		Overrides: s.overrides,
		Program:   s.program,
		Name:      s.name,
		OutDir:    s.dir,
		Jobs:      emitJobs,
	}
	var results []pipeline.Result
	if view.enabled(quiet(cmd), isTerminal(os.Stdout)) {
		results, err = runEmitWithUI(cmd.Context(), "emitting objects", req)
	} else {
		results, err = pipeline.Emit(cmd.Context(), req)
	}

	showTimings, _ := cmd.Root().PersistentFlags().GetBool("timings")
	if !quiet(cmd) {
		for _, r := range results {
			if r.Err != nil || r.Path == "" {
				continue
			}
			fmt.Fprintf(out, "%s %s (%s, %d bytes)\n", okColor.Sprint("wrote"), r.Path, r.Target, len(r.Object))
			if showTimings {
				printStageTimings(out, r.Timings)
			}
		}
	}
	return err
}
