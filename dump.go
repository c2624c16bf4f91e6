// dump.go
//
// Textual cache-model dumps. DumpModel writes one line per data unit the
// client is known to hold something of, in a stable order, so that two
// dumps taken around an operation can be compared line by line. The diff
// helpers use the Myers algorithm from github.com/hexops/gotextdiff.

package jpipserve

import (
	"fmt"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
)

// DumpModel returns the durable cache model, one unit per line. Units the
// client holds nothing of are omitted.
func (s *Server) DumpModel() string {
	var b strings.Builder
	hp := &s.holes
	for _, st := range s.streams {
		if st == nil {
			continue
		}
		if line, ok := formatState(&st.header.spanState, hp); ok {
			fmt.Fprintf(&b, "main stream=%d %s\n", st.id, line)
		}
		for n := range st.tiles {
			t := &st.tiles[n]
			if !t.expanded {
				continue
			}
			if line, ok := formatState(&t.header.spanState, hp); ok {
				fmt.Fprintf(&b, "tile stream=%d tile=%d %s\n", st.id, t.num, line)
			}
			for c := range t.comps {
				for r := range t.comps[c].res {
					rp := &t.comps[c].res[r]
					for i := range rp.precincts {
						line, ok := formatState(rp.precincts[i].state(), hp)
						if !ok {
							continue
						}
						w := rp.grid.Size.X
						p := Point{rp.grid.Pos.X + i%w, rp.grid.Pos.Y + i/w}
						fmt.Fprintf(&b, "precinct stream=%d tile=%d comp=%d res=%d at=%d,%d %s\n",
							st.id, t.num, c, r, p.X, p.Y, line)
					}
				}
			}
		}
	}
	for i := range s.meta.nodes {
		n := &s.meta.nodes[i]
		if line, ok := formatState(&n.model.spanState, hp); ok {
			fmt.Fprintf(&b, "meta bin=%d offset=%d %s\n", n.binID, n.binOffset, line)
		}
	}
	return b.String()
}

func formatState(st *spanState, hp *holePool) (string, bool) {
	if st.span == 0 && !st.complete && st.holes == noHoles {
		return "", false
	}
	var b strings.Builder
	if st.span < 0 {
		fmt.Fprintf(&b, "packets=%d", -st.span)
	} else {
		fmt.Fprintf(&b, "span=%d", st.span)
	}
	if st.complete {
		b.WriteString(" complete")
	}
	if rs := hp.ranges(st.holes); len(rs) > 0 {
		b.WriteString(" holes=")
		for i, r := range rs {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "[%d,%d)", r[0], r[1])
		}
	}
	return b.String(), true
}

// DiffModelDumps returns a unified diff between two dumps, or "" when they
// are equal.
func DiffModelDumps(before, after string) string {
	if before == after {
		return ""
	}
	edits := myers.ComputeEdits(span.URIFromPath("model"), before, after)
	return fmt.Sprint(gotextdiff.ToUnified("before", "after", before, edits))
}

// ChangedUnits returns the lines of after that are not in before: the
// units whose model an operation created or changed.
func ChangedUnits(before, after string) []string {
	if before == after {
		return nil
	}
	edits := myers.ComputeEdits(span.URIFromPath("model"), before, after)
	u := gotextdiff.ToUnified("before", "after", before, edits)
	var out []string
	for _, h := range u.Hunks {
		for _, ln := range h.Lines {
			if ln.Kind == gotextdiff.Insert {
				out = append(out, strings.TrimSuffix(ln.Content, "\n"))
			}
		}
	}
	return out
}
