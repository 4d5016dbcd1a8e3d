package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dunamismax/studioqueue/internal/host/raster"
	"github.com/dunamismax/studioqueue/internal/layers"
)

func newInspectCommand(ctx *commandContext) *cobra.Command {
	var find string

	cmd := &cobra.Command{
		Use:   "inspect <template>",
		Short: "Print a template's layer tree and the name each layer matches on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, closer, err := ctx.newLogger()
			if err != nil {
				return err
			}
			defer closer.Close()

			h := raster.New(logger)
			docID, err := h.Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer h.Close(cmd.Context(), docID, false)

			tree, err := h.Layers(cmd.Context(), docID)
			if err != nil {
				return err
			}

			target := find
			if target == "" {
				target = ctx.cfg.Mockup.Layer
			}
			return printLayerTree(cmd.OutOrStdout(), tree, target)
		},
	}

	cmd.Flags().StringVar(&find, "layer", "", "Layer name to resolve (defaults to STUDIO_MOCKUP_LAYER)")
	return cmd
}

func printLayerTree(w io.Writer, tree *layers.Node, target string) error {
	match, found := layers.FindByName(tree, target)

	var rows [][]string
	layers.Walk(tree, func(n *layers.Node, depth int) bool {
		swappable := ""
		if n.Swappable {
			swappable = "yes"
		}
		marker := ""
		if found && n == match {
			marker = "<-"
		}
		rows = append(rows, []string{
			strings.Repeat("  ", depth) + n.Name,
			string(n.Kind),
			swappable,
			layers.CollapseName(n.Name),
			marker,
		})
		return true
	})

	fmt.Fprintln(w, renderTable(
		[]string{"Layer", "Kind", "Smart", "Matches as", ""},
		rows,
		nil,
	))

	switch {
	case !found:
		return fmt.Errorf("no layer matches %q", target)
	case !match.Swappable:
		fmt.Fprintf(w, "%q resolves to %q, which is not a smart object\n", target, match.Name)
	default:
		fmt.Fprintf(w, "%q resolves to %q\n", target, match.Name)
	}
	return nil
}
