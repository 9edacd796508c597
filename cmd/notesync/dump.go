package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/astromechza/notesync/pkg/document"
	"github.com/astromechza/notesync/pkg/viz"
)

var (
	dumpCmd = &cobra.Command{
		Use:   "dump STATE_FILE",
		Short: "Print the change history of a saved replica as a dot digraph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read: %w", err)
			}
			revs, err := document.History(raw)
			if err != nil {
				return err
			}
			for _, rev := range revs {
				slog.Info("change", "hash", rev.Hash, "actor", rev.Actor, "seq", rev.Seq, "deps", rev.Deps, "msg", rev.Message, "time", rev.Time)
			}
			return viz.WriteDot(revs, cmd.OutOrStdout())
		},
	}

	renderCmd = &cobra.Command{
		Use:   "render STATE_FILE [OUTPUT_SVG]",
		Short: "Render the change history of a saved replica as an svg",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read: %w", err)
			}
			out := filepath.Join(os.TempDir(), filepath.Base(args[0])+".svg")
			if len(args) > 1 {
				out = args[1]
			}
			if err := viz.RenderStateToFile(raw, out); err != nil {
				return err
			}
			slog.Info("written", "path", out)
			return nil
		},
	}
)
