package jpipserve

import "fmt"

// defaultPrecinctExp is used for resolutions whose precinct size the target
// does not report; 2^15 samples covers any realistic resolution.
const defaultPrecinctExp = 15

// stream is the structural tree and cache model of one codestream.
//
// A stream starts collapsed: only its main header has a cache model. The
// tile array is allocated the first time window content is requested, and
// each tile fetches its own structure from the Target on first touch.
type stream struct {
	id   int
	info StreamInfo

	// header is the main header cache model.
	header unitModel

	// slopes holds MaxLayers+1 descending layer log-slope thresholds used by
	// the simulator's admission test.
	slopes []int

	// tileGrid is the absolute index range of tiles covering the canvas.
	tileGrid Rect
	numTiles int

	// tiles is nil while the stream is collapsed.
	tiles []tile

	completedTiles int

	attached bool
	locked   bool

	// windows lists every codestream window, across all contexts, that
	// views this stream.
	windows []*codestreamWindow

	// instructions holds tile header and precinct model instructions
	// keyed by tile number, applied when the sequencer first opens the tile.
	instructions map[int][]ModelInstruction
}

// tile is one tile of a codestream together with its header cache model.
type tile struct {
	st   *stream
	num  int
	idx  Point
	rect Rect

	expanded bool
	layers   int
	header   unitModel
	comps    []tileComp

	totalPrecincts     int
	completedPrecincts int
}

// tileComp holds the resolutions of one tile-component.
type tileComp struct {
	t    *tile
	c    int
	rect Rect
	gain float64
	res  []resolution
}

// resolution is one resolution level of a tile-component; r counts up from
// the lowest resolution. Precinct cache models are allocated lazily.
type resolution struct {
	tc   *tileComp
	r    int
	rect Rect
	exp  Point

	// grid is the index range of precincts that intersect rect.
	grid Rect

	// pidBase is the sequence number of the first precinct of this
	// resolution within its tile-component.
	pidBase int64

	precincts []precinctModel
}

func newStream(id int, info StreamInfo) (*stream, error) {
	if info.Canvas.Empty() {
		return nil, &StructureError{Stream: id, Tile: -1, Reason: "empty canvas"}
	}
	if info.NumComponents < 1 {
		return nil, &StructureError{Stream: id, Tile: -1, Reason: "no image components"}
	}
	if info.MaxLayers < 1 {
		return nil, &StructureError{Stream: id, Tile: -1, Reason: "no quality layers"}
	}
	if info.MainHeaderBytes < 0 || info.MaxDiscardLevels < 0 {
		return nil, &StructureError{Stream: id, Tile: -1, Reason: "negative header length or discard levels"}
	}
	if info.TileSize.X <= 0 || info.TileSize.Y <= 0 {
		lim := info.Canvas.Lim()
		info.TileOrigin = Point{}
		info.TileSize = lim
	}
	st := &stream{id: id, info: info}
	st.header.total = info.MainHeaderBytes

	lim := info.Canvas.Lim()
	org := info.TileOrigin
	st.tileGrid.Pos = Point{
		floorDiv(info.Canvas.Pos.X-org.X, info.TileSize.X),
		floorDiv(info.Canvas.Pos.Y-org.Y, info.TileSize.Y),
	}
	st.tileGrid.Size = Point{
		ceilDiv(lim.X-org.X, info.TileSize.X) - st.tileGrid.Pos.X,
		ceilDiv(lim.Y-org.Y, info.TileSize.Y) - st.tileGrid.Pos.Y,
	}
	st.numTiles = st.tileGrid.Size.X * st.tileGrid.Size.Y
	st.slopes = layerSlopes(info.LayerLogSlopes, info.MaxLayers)
	return st, nil
}

// sameStructure reports whether a fresh StreamInfo agrees with the summary
// the stream was built from.
func (st *stream) sameStructure(info StreamInfo) bool {
	a, b := st.info, info
	if b.TileSize.X <= 0 || b.TileSize.Y <= 0 {
		b.TileOrigin, b.TileSize = a.TileOrigin, a.TileSize
	}
	return a.Canvas == b.Canvas && a.TileOrigin == b.TileOrigin &&
		a.TileSize == b.TileSize && a.NumComponents == b.NumComponents &&
		a.MaxLayers == b.MaxLayers && a.MainHeaderBytes == b.MainHeaderBytes &&
		a.MaxDiscardLevels == b.MaxDiscardLevels
}

// expanded reports whether the tile array exists.
func (st *stream) expanded() bool { return st.tiles != nil }

// expand allocates the tile array. No Target call is needed: every tile
// starts unexpanded.
func (st *stream) expand() {
	if st.tiles != nil {
		return
	}
	st.tiles = make([]tile, st.numTiles)
	for n := range st.tiles {
		t := &st.tiles[n]
		t.st = st
		t.num = n
		t.idx = Point{st.tileGrid.Pos.X + n%st.tileGrid.Size.X, st.tileGrid.Pos.Y + n/st.tileGrid.Size.X}
		t.rect = st.tileRect(t.idx)
	}
}

func (st *stream) tileRect(idx Point) Rect {
	cell := Rect{
		Pos:  Point{st.info.TileOrigin.X + idx.X*st.info.TileSize.X, st.info.TileOrigin.Y + idx.Y*st.info.TileSize.Y},
		Size: st.info.TileSize,
	}
	return cell.Intersect(st.info.Canvas)
}

// tileAt returns the tile at an absolute tile index, expanding the stream
// if necessary.
func (st *stream) tileAt(idx Point) *tile {
	st.expand()
	rel := Point{idx.X - st.tileGrid.Pos.X, idx.Y - st.tileGrid.Pos.Y}
	return &st.tiles[rel.X+rel.Y*st.tileGrid.Size.X]
}

// tilesFor returns the absolute index range of tiles meeting region.
func (st *stream) tilesFor(region Rect) Rect {
	region = region.Intersect(st.info.Canvas)
	if region.Empty() {
		return Rect{}
	}
	org, sz := st.info.TileOrigin, st.info.TileSize
	lim := region.Lim()
	out := Rect{Pos: Point{floorDiv(region.Pos.X-org.X, sz.X), floorDiv(region.Pos.Y-org.Y, sz.Y)}}
	out.Size = Point{ceilDiv(lim.X-org.X, sz.X) - out.Pos.X, ceilDiv(lim.Y-org.Y, sz.Y) - out.Pos.Y}
	return out
}

func (st *stream) componentSub(c int) Point {
	if c < len(st.info.ComponentSub) {
		if s := st.info.ComponentSub[c]; s.X > 0 && s.Y > 0 {
			return s
		}
	}
	return Point{1, 1}
}

func (st *stream) componentGain(c int) float64 {
	if c < len(st.info.ComponentGains) {
		if g := st.info.ComponentGains[c]; g > 0 {
			return min(g, 1)
		}
	}
	return 1
}

func (st *stream) removeWindow(cw *codestreamWindow) {
	for i, w := range st.windows {
		if w == cw {
			st.windows = append(st.windows[:i], st.windows[i+1:]...)
			return
		}
	}
}

// isComplete reports whether the client holds the tile header and every
// precinct of the tile.
func (t *tile) isComplete() bool {
	return t.expanded && t.header.isComplete() && t.completedPrecincts == t.totalPrecincts
}

func (st *stream) isComplete() bool {
	return st.header.isComplete() && st.expanded() && st.completedTiles == st.numTiles
}

// expandTile fetches the tile's structure from the Target and builds its
// component and resolution substructure. It is idempotent.
func (st *stream) expandTile(tgt Target, t *tile) error {
	if t.expanded {
		return nil
	}
	info, err := tgt.TileInfo(st.id, t.num)
	if err != nil {
		return fmt.Errorf("tile info for codestream %d tile %d: %w", st.id, t.num, err)
	}
	if len(info.Components) != st.info.NumComponents {
		return &StructureError{Stream: st.id, Tile: t.num,
			Reason: fmt.Sprintf("tile reports %d components, codestream has %d", len(info.Components), st.info.NumComponents)}
	}
	if info.NumLayers < 1 || info.NumLayers > st.info.MaxLayers {
		return &StructureError{Stream: st.id, Tile: t.num,
			Reason: fmt.Sprintf("tile reports %d layers, codestream allows 1..%d", info.NumLayers, st.info.MaxLayers)}
	}
	if info.HeaderBytes < 0 {
		return &StructureError{Stream: st.id, Tile: t.num, Reason: "negative tile header length"}
	}

	t.layers = info.NumLayers
	t.header.total = info.HeaderBytes
	t.comps = make([]tileComp, len(info.Components))
	t.totalPrecincts = 0
	for c, ci := range info.Components {
		if ci.NumResolutions < 1 || ci.NumResolutions-1 < st.info.MaxDiscardLevels {
			return &StructureError{Stream: st.id, Tile: t.num,
				Reason: fmt.Sprintf("component %d has %d resolutions, need more than %d", c, ci.NumResolutions, st.info.MaxDiscardLevels)}
		}
		tc := &t.comps[c]
		tc.t = t
		tc.c = c
		tc.rect = t.rect.reduce(st.componentSub(c))
		tc.gain = st.componentGain(c)
		tc.res = make([]resolution, ci.NumResolutions)
		var pid int64
		for r := range tc.res {
			rp := &tc.res[r]
			rp.tc = tc
			rp.r = r
			rp.rect = tc.rect.discard(ci.NumResolutions - 1 - r)
			rp.exp = Point{defaultPrecinctExp, defaultPrecinctExp}
			if r < len(ci.PrecinctExp) {
				e := ci.PrecinctExp[r]
				if e.X < 0 || e.Y < 0 || e.X > 30 || e.Y > 30 {
					return &StructureError{Stream: st.id, Tile: t.num,
						Reason: fmt.Sprintf("component %d resolution %d has precinct exponent %v", c, r, e)}
				}
				rp.exp = e
			}
			rp.grid = rp.precinctsIn(rp.rect)
			rp.pidBase = pid
			n := rp.grid.Area()
			pid += n
			t.totalPrecincts += int(n)
		}
	}
	t.expanded = true
	return nil
}

// precinctsIn returns the absolute index range of precincts meeting region,
// which is given in this resolution's coordinates.
func (rp *resolution) precinctsIn(region Rect) Rect {
	region = region.Intersect(rp.rect)
	if region.Empty() {
		return Rect{}
	}
	w, h := 1<<rp.exp.X, 1<<rp.exp.Y
	lim := region.Lim()
	out := Rect{Pos: Point{floorDiv(region.Pos.X, w), floorDiv(region.Pos.Y, h)}}
	out.Size = Point{ceilDiv(lim.X, w) - out.Pos.X, ceilDiv(lim.Y, h) - out.Pos.Y}
	return out
}

// precinctRect returns the samples of this resolution covered by precinct p.
func (rp *resolution) precinctRect(p Point) Rect {
	cell := Rect{
		Pos:  Point{p.X << rp.exp.X, p.Y << rp.exp.Y},
		Size: Point{1 << rp.exp.X, 1 << rp.exp.Y},
	}
	return cell.Intersect(rp.rect)
}

func (rp *resolution) precinctOffset(p Point) int {
	return (p.X - rp.grid.Pos.X) + (p.Y-rp.grid.Pos.Y)*rp.grid.Size.X
}

// precinctAt returns the cache model of precinct p, allocating the
// resolution's model array on first use.
func (rp *resolution) precinctAt(p Point) *precinctModel {
	if rp.precincts == nil {
		rp.precincts = make([]precinctModel, rp.grid.Area())
	}
	return &rp.precincts[rp.precinctOffset(p)]
}

// lookupPrecinct is precinctAt without allocation; it returns nil for a
// precinct that has never been modeled or lies outside the grid.
func (rp *resolution) lookupPrecinct(p Point) *precinctModel {
	if rp.precincts == nil || !rp.grid.Contains(Rect{Pos: p, Size: Point{1, 1}}) {
		return nil
	}
	return &rp.precincts[rp.precinctOffset(p)]
}

// precinctID computes the in-class identifier of precinct p:
// t + numTiles*(c + numComponents*s), with s the precinct's sequence number
// within its tile-component.
func (rp *resolution) precinctID(p Point) int64 {
	t := rp.tc.t
	st := t.st
	s := rp.pidBase + int64(rp.precinctOffset(p))
	return int64(t.num) + int64(st.numTiles)*(int64(rp.tc.c)+int64(st.info.NumComponents)*s)
}

func (rp *resolution) unitRef(p Point) UnitRef {
	t := rp.tc.t
	return UnitRef{
		Class:      ClassPrecinct,
		Stream:     t.st.id,
		Tile:       t.num,
		Component:  rp.tc.c,
		Resolution: rp.r,
		Precinct:   p,
		BinID:      rp.precinctID(p),
	}
}

// layerSlopes builds the admission thresholds for a stream with maxLayers
// layers. Reported slopes are extended downwards in 256 steps; with no
// report a dummy ladder starting at 49000 is used.
func layerSlopes(reported []int, maxLayers int) []int {
	need := maxLayers + 1
	out := make([]int, need)
	if len(reported) == 0 {
		gap := min(max((65000-49000)/need, 1), 256)
		val := 49000
		for i := need - 1; i >= 0; i-- {
			out[i] = val
			val += gap
		}
		return out
	}
	n := copy(out, reported)
	for i := n; i < need; i++ {
		out[i] = out[i-1] - 256
	}
	return out
}
