package main

import (
	"debug/elf"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"objforge/internal/module"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE.o",
	Short: "List the function signatures recorded in an object file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd.OutOrStdout(), args[0])
	},
}

func runInspect(w io.Writer, path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(w, "%s: %s %s\n", path, f.Machine, f.Type)
	sec := f.Section(module.SignatureNoteSection)
	if sec == nil {
		fmt.Fprintln(w, "no signature notes")
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return fmt.Errorf("%s: %w", module.SignatureNoteSection, err)
	}
	notes, err := module.ParseSignatureNotes(data)
	if err != nil {
		return err
	}
	for _, n := range notes {
		ret := strings.Join(n.Returns, ", ")
		if len(n.Returns) > 1 {
			ret = "(" + ret + ")"
		}
		if ret == "" {
			ret = "()"
		}
		fmt.Fprintf(w, "  %s(%s) -> %s  [%s]\n", n.Symbol, strings.Join(n.Params, ", "), ret, n.CallConv)
	}
	return nil
}
