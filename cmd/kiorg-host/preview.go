package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/houqp/kiorg/internal/plugins"
	"github.com/houqp/kiorg/pkg/protocol"
)

func newPreviewCommand(opts *rootOptions) *cobra.Command {
	var popup bool

	cmd := &cobra.Command{
		Use:   "preview <file>",
		Short: "Render a file through the matching plugin",
		Long: `Preview routes the file to the first plugin whose declared pattern
matches its name, dispatches a preview request, and prints the returned
component tree as text.

Example:
  kiorg-host preview notes.txt
  kiorg-host preview --popup report.md`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(opts, args[0], popup)
		},
	}
	cmd.Flags().BoolVar(&popup, "popup", false, "request the expanded popup rendering")
	return cmd
}

func runPreview(opts *rootOptions, path string, popup bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, log, teardown, err := startEngine(ctx, opts)
	if err != nil {
		return err
	}
	defer teardown()

	render := mgr.Preview
	if popup {
		render = mgr.PreviewPopup
	}
	components, err := render(abs)
	var reported *plugins.PluginError
	switch {
	case errors.As(err, &reported):
		return fmt.Errorf("plugin %s reported: %s", reported.Plugin, reported.Message)
	case err != nil:
		return err
	case components == nil:
		log.WithField("path", abs).Debug("no plugin matched")
		fmt.Println("no plugin preview available")
		return nil
	}

	renderComponents(os.Stdout, components)
	return nil
}

// renderComponents prints a component tree the way a plugin author wants to
// eyeball it, one component per block.
func renderComponents(w io.Writer, components []protocol.Component) {
	for i, c := range components {
		if i > 0 {
			fmt.Fprintln(w)
		}
		switch c := c.(type) {
		case protocol.Title:
			fmt.Fprintf(w, "# %s\n", c.Text)
		case protocol.Text:
			fmt.Fprintln(w, c.Text)
		case protocol.Table:
			renderTable(w, c)
		case protocol.Image:
			switch {
			case c.Source.Bytes != nil:
				fmt.Fprintf(w, "[image: %d %s bytes, uid %s]\n",
					len(c.Source.Bytes.Data), c.Source.Bytes.Format, c.Source.Bytes.UID)
			default:
				fmt.Fprintf(w, "[image: %s]\n", c.Source.Path)
			}
		case protocol.Unknown:
			fmt.Fprintf(w, "[unsupported component %q]\n", c.TypeTag)
		default:
			fmt.Fprintf(w, "[%s component]\n", c.ComponentType())
		}
	}
}

func renderTable(w io.Writer, t protocol.Table) {
	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = len(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	line := func(cells []string) string {
		parts := make([]string, 0, len(cells))
		for i, cell := range cells {
			if i < len(widths) {
				parts = append(parts, fmt.Sprintf("%-*s", widths[i], cell))
			} else {
				parts = append(parts, cell)
			}
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	fmt.Fprintln(w, line(t.Headers))
	for i, width := range widths {
		if i > 0 {
			fmt.Fprint(w, "  ")
		}
		fmt.Fprint(w, strings.Repeat("-", width))
	}
	fmt.Fprintln(w)
	for _, row := range t.Rows {
		fmt.Fprintln(w, line(row))
	}
}
