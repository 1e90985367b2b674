// Package diag renders the version tree for operators: a graphviz .dot
// file via emicklei/dot, or a quick table via go-pretty, mirroring the
// teacher's own diagnostics tooling (structured renderers over whichever
// library fits the output shape, rather than hand-rolled formatting).
package diag

import (
	"io"
	"os"
	"sort"

	"github.com/emicklei/dot"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/timmoreton/castle/cerrors"
	"github.com/timmoreton/castle/version"
)

// Lister is the narrow contract diag needs from a version registry.
type Lister interface {
	List() []version.Version
}

// WriteDot renders the version tree as a graphviz digraph.
func WriteDot(r Lister, path string) error {
	vs := r.List()
	g := dot.NewGraph(dot.Directed)
	nodes := make(map[uint32]dot.Node, len(vs))
	for _, v := range vs {
		label := "v" + itoa(v.ID)
		if v.Flags.IsSnapshot {
			label += " (snap)"
		}
		if v.Flags.Attached {
			label += " [attached]"
		}
		n := g.Node(label)
		nodes[v.ID] = n
	}
	for _, v := range vs {
		if v.ID == version.RootID {
			continue
		}
		if p, ok := nodes[v.Parent]; ok {
			g.Edge(p, nodes[v.ID])
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return cerrors.Wrap(cerrors.IO, err, "create dot file %s", path)
	}
	defer f.Close()
	if _, err := io.WriteString(f, g.String()); err != nil {
		return cerrors.Wrap(cerrors.IO, err, "write dot file %s", path)
	}
	return nil
}

// PrintTable writes a flat table of every version and its key fields.
func PrintTable(r Lister, w io.Writer) error {
	vs := r.List()
	sort.Slice(vs, func(i, j int) bool { return vs[i].O < vs[j].O })

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"id", "parent", "o", "r", "snapshot", "attached", "da_id", "size"})
	for _, v := range vs {
		t.AppendRow(table.Row{v.ID, v.Parent, v.O, v.R, v.Flags.IsSnapshot, v.Flags.Attached, v.DAID, v.Size})
	}
	t.Render()
	return nil
}

func itoa(id uint32) string {
	if id == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = byte('0' + id%10)
		id /= 10
	}
	return string(buf[i:])
}
