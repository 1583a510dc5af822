package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/cadence/internal/diagram"
	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/pkg/schema"
)

var diagramOpts struct {
	run    string
	format string
	out    string
}

var diagramCmd = &cobra.Command{
	Use:   "diagram <definition>",
	Short: "Render a definition, optionally with a run's progress",
	Long: `diagram draws the steps of a definition with the delay before each one.
With --run, executed steps show their outcome and the step the run waits on
is highlighted. png and svg output are written to --out.`,
	Args: cobra.ExactArgs(1),
	RunE: runDiagram,
}

func init() {
	f := diagramCmd.Flags()
	f.StringVar(&diagramOpts.run, "run", "", "overlay this run's progress")
	f.StringVarP(&diagramOpts.format, "format", "f", "ascii", "ascii, mermaid, png or svg")
	f.StringVarP(&diagramOpts.out, "out", "o", "", "write to this file instead of stdout")
	rootCmd.AddCommand(diagramCmd)
}

func runDiagram(cmd *cobra.Command, args []string) error {
	format := diagram.Format(diagramOpts.format)
	if (format == diagram.FormatPNG || format == diagram.FormatSVG) && diagramOpts.out == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "--out is required for %s output", format)
	}

	return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
		def, ok := rt.catalog.Definition(args[0])
		if !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", args[0])
		}
		var run *store.Run
		if diagramOpts.run != "" {
			r, err := rt.engine.GetRun(ctx, diagramOpts.run)
			if err != nil {
				return err
			}
			run = r
		}

		model, err := diagram.Build(def, run)
		if err != nil {
			return err
		}
		out, err := diagram.Render(ctx, model, format)
		if err != nil {
			return err
		}
		if diagramOpts.out != "" {
			return os.WriteFile(diagramOpts.out, out, 0o644)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	})
}
