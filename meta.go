package jpipserve

import (
	"fmt"
	"math"
	"slices"
)

// MetaQualifier selects which kinds of metadata a MetaRequest matches.
type MetaQualifier uint8

const (
	MetaReqAll MetaQualifier = 1 << iota
	MetaReqGlobal
	MetaReqStream
	MetaReqWindow
)

// MetaRequest asks for metadata beyond what the window's scope rules pull
// in.
type MetaRequest struct {
	// BoxType restricts the request to one four-character box type; 0
	// matches any box.
	BoxType uint32

	Qualifier MetaQualifier

	// Priority sends matching boxes ahead of imagery.
	Priority bool

	// ByteLimit is how many bytes of box contents to send.
	ByteLimit int

	// Recurse extends the request to all descendants of matching boxes.
	Recurse bool

	// RootBin is the metadata bin whose boxes the request is rooted at.
	RootBin int64

	// MaxDepth is how far below RootBin the request applies; negative means
	// unlimited.
	MaxDepth int
}

// unlimitedDepth stands in for a negative MaxDepth.
const unlimitedDepth = math.MaxInt32

// metaNode is one metadata group inside the metaTree arena. Links between
// nodes are arena indices; -1 means none.
type metaNode struct {
	group MetaGroup

	parent int
	prev   int
	next   int
	child  int

	// link is the tightest node containing the target of a cross-reference.
	link int

	binID     int64
	binOffset int
	depth     int

	model unitModel

	// Scope scratch, rebuilt for every window.
	inScope    bool
	maxContent int
	sequence   int
	activeLen  int
}

func (n *metaNode) lastInBin() bool { return n.next < 0 }

func (n *metaNode) fileRange() (int64, int64) {
	l := n.group.FileLength
	if l <= 0 {
		l = int64(n.group.Length)
	}
	return n.group.FilePos, n.group.FilePos + l
}

// metaTree owns every metadata node. Bin 0 holds the top-level groups;
// each group with children opens a new bin, numbered in preorder.
type metaTree struct {
	nodes []metaNode

	// binHead maps a bin id to the index of its first group.
	binHead map[int64]int

	completedBins int
}

func newMetaTree(top []MetaGroup) (*metaTree, error) {
	mt := &metaTree{binHead: make(map[int64]int)}
	if len(top) == 0 {
		return mt, nil
	}
	nextBin := int64(1)
	if _, err := mt.addBin(top, -1, 0, 0, &nextBin); err != nil {
		return nil, err
	}
	for i := range mt.nodes {
		mt.nodes[i].link = -1
		if mt.nodes[i].group.LinkTarget > 0 {
			mt.nodes[i].link = mt.tightestContainer(mt.nodes[i].group.LinkTarget, 0)
		}
	}
	return mt, nil
}

// addBin appends the groups of one bin and, depth first, their children.
// It returns the index of the first group.
func (mt *metaTree) addBin(groups []MetaGroup, parent int, bin int64, depth int, nextBin *int64) (int, error) {
	first, prev, off := -1, -1, 0
	mt.binHead[bin] = len(mt.nodes)
	for _, g := range groups {
		if g.Length < 0 || g.HeaderPrefix < 0 || g.HeaderPrefix > g.Length {
			return -1, &StructureError{Stream: -1, Tile: -1,
				Reason: fmt.Sprintf("metadata group %d in bin %d has length %d and header prefix %d", g.Key, bin, g.Length, g.HeaderPrefix)}
		}
		if prev >= 0 && g.FilePos < mt.nodes[prev].group.FilePos {
			return -1, &StructureError{Stream: -1, Tile: -1,
				Reason: fmt.Sprintf("metadata group %d in bin %d starts at file offset %d, before its predecessor at %d", g.Key, bin, g.FilePos, mt.nodes[prev].group.FilePos)}
		}
		idx := len(mt.nodes)
		mt.nodes = append(mt.nodes, metaNode{
			group: g, parent: parent, prev: prev, next: -1, child: -1,
			binID: bin, binOffset: off, depth: depth,
		})
		mt.nodes[idx].model.total = g.Length
		mt.nodes[idx].group.Children = nil
		if prev >= 0 {
			mt.nodes[prev].next = idx
		}
		if first < 0 {
			first = idx
		}
		prev = idx
		off += g.Length
		if len(g.Children) > 0 {
			sub := *nextBin
			*nextBin++
			childDepth := depth
			if len(g.Children[0].BoxTypes) > 0 {
				childDepth++
			}
			c, err := mt.addBin(g.Children, idx, sub, childDepth, nextBin)
			if err != nil {
				return -1, err
			}
			mt.nodes[idx].child = c
		}
	}
	return first, nil
}

func (mt *metaTree) numBins() int { return len(mt.binHead) }

// tightestContainer returns the deepest node whose file range holds pos,
// scanning the siblings that start at first; -1 if none does.
func (mt *metaTree) tightestContainer(pos int64, first int) int {
	for i := first; i >= 0; i = mt.nodes[i].next {
		start, lim := mt.nodes[i].fileRange()
		if pos < start {
			return -1
		}
		if pos >= lim {
			continue
		}
		if c := mt.nodes[i].child; c >= 0 {
			if inner := mt.tightestContainer(pos, c); inner >= 0 {
				return inner
			}
		}
		return i
	}
	return -1
}

// binComplete reports whether every group of the bin headed by the bin of
// node i has been delivered.
func (mt *metaTree) binComplete(i int) bool {
	i = mt.binHead[mt.nodes[i].binID]
	for ; i >= 0; i = mt.nodes[i].next {
		n := &mt.nodes[i]
		if n.model.holes != noHoles || n.model.span < n.model.total {
			return false
		}
		if n.lastInBin() && !n.model.complete {
			return false
		}
	}
	return true
}

func (mt *metaTree) complete() bool { return mt.completedBins == mt.numBins() }

// metaWindow carries what the scope pass needs to know about a window.
type metaWindow struct {
	streams      []int
	regions      []Rect
	reqs         []MetaRequest
	dyn          []int
	metadataOnly bool
	maxSequence  int

	all, global, stream, window bool
}

func newMetaWindow(streams []int, regions []Rect, reqs []MetaRequest, metadataOnly bool, maxSeq int) *metaWindow {
	w := &metaWindow{streams: streams, regions: regions, reqs: reqs, metadataOnly: metadataOnly,
		maxSequence: maxSeq, dyn: make([]int, len(reqs))}
	for _, r := range reqs {
		w.all = w.all || r.Qualifier&MetaReqAll != 0
		w.global = w.global || r.Qualifier&MetaReqGlobal != 0
		w.stream = w.stream || r.Qualifier&MetaReqStream != 0
		w.window = w.window || r.Qualifier&MetaReqWindow != 0
	}
	return w
}

func reqDepth(r MetaRequest, base int) int {
	if r.MaxDepth < 0 {
		return unlimitedDepth
	}
	return base + r.MaxDepth
}

// activeGroups runs the scope pass for w and returns the in-scope nodes in
// delivery order: ascending sequence, tree order among equals.
func (mt *metaTree) activeGroups(w *metaWindow) []int {
	if len(mt.nodes) == 0 {
		return nil
	}
	for i := range mt.nodes {
		n := &mt.nodes[i]
		n.inScope = false
		n.maxContent = 0
		n.sequence = w.maxSequence
		n.activeLen = 0
	}
	for k, r := range w.reqs {
		w.dyn[k] = -1
		if r.RootBin == 0 {
			w.dyn[k] = reqDepth(r, 0)
		}
	}
	links := false
	for i := 0; i >= 0; i = mt.nodes[i].next {
		if mt.findScope(w, i, w.maxSequence, nil, -1) {
			links = true
		}
	}
	if links {
		for i := 0; i >= 0; i = mt.nodes[i].next {
			mt.addLinkTargets(i)
		}
	}
	var out []int
	for i := 0; i >= 0; i = mt.nodes[i].next {
		out = mt.includeGroups(i, out)
	}
	slices.SortStableFunc(out, func(a, b int) int { return mt.nodes[a].sequence - mt.nodes[b].sequence })
	for i := range mt.nodes {
		mt.nodes[i].inScope = false
	}
	return out
}

// findScope decides whether node i is in scope, how much of it to send and
// at what sequence. acc, when non-nil, is a byte budget inherited from an
// ancestor's request. It reports whether any in-scope node below carries a
// cross-reference.
func (mt *metaTree) findScope(w *metaWindow, i, maxSeq int, acc *int, recDepth int) bool {
	n := &mt.nodes[i]
	scope := &n.group.Scope
	n.maxContent = 0
	origLimit := 0
	if acc != nil {
		n.maxContent = *acc
		if n.maxContent < 0 {
			n.maxContent = 0
			acc = nil
		} else {
			n.inScope = true
			origLimit = n.maxContent
			if n.child < 0 {
				*acc -= n.group.Length
				acc = nil
			}
		}
	}
	if recDepth >= n.depth {
		n.inScope = true
	}
	n.sequence = w.maxSequence
	if n.inScope {
		n.sequence = maxSeq
	}

	scopeMatch, streamMatch, trueRegion := true, false, false
	if scope.Flags&MetaImageSpecific != 0 {
		for _, s := range w.streams {
			if slices.Contains(scope.Streams, s) {
				streamMatch = true
				break
			}
		}
		if !streamMatch && scope.Flags&MetaGlobal == 0 {
			scopeMatch = false
		}
	}
	if streamMatch && scope.Flags&MetaRegionSpecific != 0 {
		regionMatch := false
		for _, r := range w.regions {
			if scope.Region.Intersects(r) {
				regionMatch = true
				break
			}
		}
		if !regionMatch && scope.Flags&(MetaImageWide|MetaGlobal) == 0 {
			scopeMatch = false
		}
		trueRegion = regionMatch
	}

	possible := w.all ||
		(w.global && scope.Flags&MetaGlobal != 0) ||
		(w.window && trueRegion) ||
		(w.stream && streamMatch && scope.Flags&MetaImageWide != 0)
	if possible && len(n.group.BoxTypes) > 0 {
		for k, r := range w.reqs {
			if w.dyn[k] < n.depth {
				continue
			}
			if r.BoxType != 0 && !slices.Contains(n.group.BoxTypes, r.BoxType) {
				continue
			}
			q := r.Qualifier
			if q&MetaReqAll != 0 ||
				(q&MetaReqGlobal != 0 && scope.Flags&MetaGlobal != 0) ||
				(q&MetaReqStream != 0 && streamMatch && scope.Flags&MetaImageWide != 0) ||
				(q&MetaReqWindow != 0 && trueRegion) {
				n.inScope = true
				n.sequence = min(n.sequence, scope.Sequence)
				if r.Priority && n.sequence > 0 {
					n.sequence = 0
				}
				origLimit = max(origLimit, r.ByteLimit)
				if r.Recurse && w.dyn[k] > recDepth {
					recDepth = w.dyn[k]
				}
			}
		}
	}
	n.maxContent = max(n.maxContent, origLimit)

	if n.child < 0 && scopeMatch &&
		(scope.Flags&MetaMandatory != 0 || (scope.Flags&MetaImageMandatory != 0 && !w.metadataOnly)) {
		n.inScope = true
		n.maxContent = math.MaxInt
		origLimit = math.MaxInt
		n.sequence = min(n.sequence, scope.Sequence)
	}

	links := false
	if n.child >= 0 && (n.inScope || scopeMatch || possible) {
		left := origLimit
		if left != math.MaxInt {
			left -= 8
		}
		childBin := mt.nodes[n.child].binID
		childDepth := mt.nodes[n.child].depth
		for k, r := range w.reqs {
			if r.RootBin == childBin {
				w.dyn[k] = reqDepth(r, childDepth)
			}
		}
		for c := n.child; c >= 0; c = mt.nodes[c].next {
			cn := &mt.nodes[c]
			if len(cn.group.BoxTypes) == 0 {
				if left <= 0 {
					cn.inScope = false
					continue
				}
				cn.inScope = n.inScope
				cn.sequence = n.sequence
				cn.maxContent = left
				if left != math.MaxInt {
					left -= cn.group.Length
				}
				if cn.link >= 0 {
					links = true
				}
				continue
			}
			var ref *int
			if left > 0 {
				ref = &left
			}
			if mt.findScope(w, c, n.sequence, ref, recDepth) {
				links = true
			}
		}
		left = max(left, 0)
		if acc != nil && origLimit != math.MaxInt {
			*acc -= origLimit - left
		}
		if first := &mt.nodes[n.child]; first.inScope {
			n.inScope = true
			n.maxContent = math.MaxInt
			n.sequence = min(n.sequence, first.sequence)
		}
		for k, r := range w.reqs {
			if r.RootBin == childBin {
				w.dyn[k] = -1
			}
		}
	}

	if n.inScope {
		if scope.Flags&MetaIncludeFirstSubbox != 0 && n.child >= 0 {
			mt.pullFirstSubbox(n.child, n.sequence)
		}
		for p := n.prev; p >= 0; p = mt.nodes[p].prev {
			pn := &mt.nodes[p]
			if pn.inScope && pn.sequence <= n.sequence {
				if pn.maxContent == math.MaxInt {
					break
				}
			} else {
				pn.sequence = n.sequence
				pn.inScope = true
				if pn.link >= 0 {
					links = true
				}
				if pn.group.Scope.Flags&MetaIncludeFirstSubbox != 0 && pn.child >= 0 {
					mt.pullFirstSubbox(pn.child, n.sequence)
				}
			}
			pn.maxContent = math.MaxInt
		}
	}

	if n.prev >= 0 {
		pn := &mt.nodes[n.prev]
		if pn.inScope && pn.group.Scope.Flags&MetaIncludeNextSibling != 0 {
			if !n.inScope {
				n.inScope = true
				n.maxContent = n.group.Length
				n.sequence = pn.sequence
			} else if pn.sequence < n.sequence {
				n.sequence = pn.sequence
			}
		}
	}
	if n.binID == 0 {
		n.inScope = true
		n.maxContent = math.MaxInt
	}
	if n.inScope && n.link >= 0 {
		links = true
	}
	return links
}

func (mt *metaTree) pullFirstSubbox(c, seq int) {
	cn := &mt.nodes[c]
	cn.sequence = seq
	cn.inScope = true
	cn.maxContent = math.MaxInt
}

// addLinkTargets pulls the targets of in-scope cross-references, with
// their ancestors and prior siblings, into scope.
func (mt *metaTree) addLinkTargets(i int) {
	n := &mt.nodes[i]
	if !n.inScope {
		return
	}
	if n.link >= 0 {
		for scan := n.link; scan >= 0; scan = mt.nodes[scan].parent {
			for g := scan; g >= 0; g = mt.nodes[g].prev {
				gn := &mt.nodes[g]
				limit := math.MaxInt
				if g == scan {
					limit = gn.group.HeaderPrefix
				}
				switch {
				case !gn.inScope:
					gn.sequence = n.sequence
					gn.inScope = true
					gn.maxContent = limit
				default:
					gn.sequence = min(gn.sequence, n.sequence)
					if gn.maxContent < gn.group.Length {
						gn.maxContent = limit
					}
				}
			}
		}
	}
	for c := n.child; c >= 0; c = mt.nodes[c].next {
		mt.addLinkTargets(c)
	}
}

// includeGroups appends node i and the in-scope prefix of its bin's
// children to out, fixing each node's active length.
func (mt *metaTree) includeGroups(i int, out []int) []int {
	n := &mt.nodes[i]
	if !n.inScope {
		return out
	}
	n.activeLen = n.group.Length
	if body := n.group.Length - n.group.HeaderPrefix; n.maxContent < body {
		n.activeLen = n.maxContent + n.group.HeaderPrefix
	}
	out = append(out, i)
	for c := n.child; c >= 0 && mt.nodes[c].inScope; c = mt.nodes[c].next {
		out = mt.includeGroups(c, out)
	}
	return out
}

// wanted reports whether node i still has something to send for its
// active length.
func (mt *metaTree) wanted(i int) bool {
	n := &mt.nodes[i]
	m := &n.model
	if m.holes == noHoles && n.activeLen <= m.span &&
		(m.complete || !n.lastInBin() || n.activeLen < m.total) {
		return false
	}
	return true
}

func (n *metaNode) unitRef() UnitRef {
	return UnitRef{Class: ClassMeta, BinID: n.binID, Group: n.group.Key}
}
