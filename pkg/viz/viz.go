// Package viz draws the change history of a note as a graph, one node per change labelled with the text at that
// point.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"unicode/utf8"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/notesync/pkg/document"
)

const maxLabelText = 32

func label(r document.Revision) string {
	return fmt.Sprintf("%s %s@%d %q", r.Hash[:8], shortActor(r.Actor), r.Seq, truncate(r.Text, maxLabelText))
}

func shortActor(actor string) string {
	if len(actor) > 8 {
		return actor[:8]
	}
	return actor
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

// RenderSvg writes an SVG of the history to w.
func RenderSvg(revs []document.Revision, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node, len(revs))
	edgeCounter := 0
	for _, r := range revs {
		n, err := graph.CreateNode(r.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label(r))
		nodeMap[r.Hash] = n

		for _, dep := range r.Deps {
			from, ok := nodeMap[dep]
			if !ok {
				return fmt.Errorf("change %s depends on unknown change %s", r.Hash, dep)
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), from, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := w.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write svg: %w", err)
	}
	return nil
}

// RenderStateToFile renders the history of a saved note to outputPath.
func RenderStateToFile(state []byte, outputPath string) error {
	revs, err := document.History(state)
	if err != nil {
		return err
	}
	var buff bytes.Buffer
	if err := RenderSvg(revs, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

// WriteDot writes the history in graphviz dot syntax without needing graphviz itself.
func WriteDot(revs []document.Revision, w io.Writer) error {
	if _, err := fmt.Fprintln(w, `digraph "log" {`); err != nil {
		return err
	}
	for _, r := range revs {
		if _, err := fmt.Fprintf(w, "    %q [label=%q]\n", r.Hash, label(r)); err != nil {
			return err
		}
		for _, dep := range r.Deps {
			if _, err := fmt.Fprintf(w, "    %q -> %q\n", dep, r.Hash); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}
