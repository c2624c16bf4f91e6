package jpipserve

import (
	"encoding/binary"
	"slices"

	farm "github.com/dgryski/go-farm"
)

// Window is a client's window of interest.
type Window struct {
	// Region is the requested area on the high-resolution reference grid.
	// An empty region asks for headers only.
	Region Rect `yaml:"region"`

	// DiscardLevels is the number of highest resolution levels the client
	// does not want.
	DiscardLevels int `yaml:"discard_levels"`

	// MaxLayers caps the number of quality layers; 0 means all.
	MaxLayers int `yaml:"max_layers"`

	// Components restricts the codestream components served; nil means all.
	Components []int `yaml:"components"`

	// OutputComponents names the image components the client reconstructs.
	// With a ComponentMapper target the codestream components each tile
	// needs for them are served; otherwise they are read as codestream
	// components. nil leaves the choice to Components.
	OutputComponents []int `yaml:"output_components"`

	// Codestreams lists the codestreams in view; nil means codestream 0.
	Codestreams []int `yaml:"codestreams"`

	MetaRequests []MetaRequest `yaml:"-"`

	// MetadataOnly suppresses all codestream content.
	MetadataOnly bool `yaml:"metadata_only"`

	// SequenceCodestreams asks for codestreams to be served one after the
	// other rather than interleaved.
	SequenceCodestreams bool `yaml:"sequence_codestreams"`

	// FullWindow disables shrinking an oversized window.
	FullWindow bool `yaml:"full_window"`
}

// imageryFingerprint hashes the fields that decide which codestream content
// is in view. Two windows with equal fingerprints sequence the same data.
func (w *Window) imageryFingerprint() uint64 {
	buf := make([]byte, 0, 64)
	for _, v := range []int{w.Region.Pos.X, w.Region.Pos.Y, w.Region.Size.X, w.Region.Size.Y, w.DiscardLevels, w.MaxLayers} {
		buf = binary.AppendVarint(buf, int64(v))
	}
	buf = appendInts(buf, w.Components)
	buf = appendInts(buf, w.OutputComponents)
	buf = appendInts(buf, w.Codestreams)
	buf = append(buf, boolByte(w.MetadataOnly), boolByte(w.SequenceCodestreams), boolByte(w.FullWindow))
	return farm.Fingerprint64(buf)
}

// metaFingerprint hashes the metadata requests.
func (w *Window) metaFingerprint() uint64 {
	buf := make([]byte, 0, 16*len(w.MetaRequests)+1)
	buf = append(buf, boolByte(w.MetadataOnly))
	for _, r := range w.MetaRequests {
		buf = binary.AppendUvarint(buf, uint64(r.BoxType))
		buf = append(buf, byte(r.Qualifier), boolByte(r.Priority), boolByte(r.Recurse))
		buf = binary.AppendVarint(buf, int64(r.ByteLimit))
		buf = binary.AppendVarint(buf, r.RootBin)
		buf = binary.AppendVarint(buf, int64(r.MaxDepth))
	}
	return farm.Fingerprint64(buf)
}

func appendInts(buf []byte, vs []int) []byte {
	if vs == nil {
		return append(buf, 0xFF)
	}
	buf = binary.AppendUvarint(buf, uint64(len(vs)))
	for _, v := range vs {
		buf = binary.AppendVarint(buf, int64(v))
	}
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// codestreamWindow is the part of a window that falls on one codestream,
// together with the resumable sequencing state for it.
type codestreamWindow struct {
	st  *stream
	ctx *windowContext

	region    Rect
	discard   int
	maxLayers int

	// comps is nil when every component is wanted.
	comps   []int
	compSet []bool

	// outputs is the sorted set of requested output components, nil when
	// none were named. scans caches the per-tile component walk.
	outputs []int
	scans   map[int]componentScan

	tiles Rect

	cur, start cursor

	sequencingActive  bool
	isActive          bool
	fullyDispatched   bool
	contentIncomplete bool
}

func newCodestreamWindow(st *stream, ctx *windowContext, w *Window) *codestreamWindow {
	cw := &codestreamWindow{st: st, ctx: ctx}
	cw.configure(w.Region, w)
	return cw
}

// configure fixes the window geometry; region may differ from w.Region
// when an oversized window is shrunk.
func (cw *codestreamWindow) configure(region Rect, w *Window) {
	info := &cw.st.info
	cw.region = region.Intersect(info.Canvas)
	cw.discard = min(max(w.DiscardLevels, 0), info.MaxDiscardLevels)
	cw.maxLayers = info.MaxLayers
	if w.MaxLayers > 0 && w.MaxLayers < info.MaxLayers {
		cw.maxLayers = w.MaxLayers
	}
	cw.comps = nil
	cw.compSet = make([]bool, info.NumComponents)
	if w.Components == nil {
		for c := range cw.compSet {
			cw.compSet[c] = true
		}
	} else {
		for _, c := range w.Components {
			if c >= 0 && c < info.NumComponents && !cw.compSet[c] {
				cw.compSet[c] = true
				cw.comps = append(cw.comps, c)
			}
		}
		slices.Sort(cw.comps)
		if cw.comps == nil {
			cw.comps = []int{}
		}
	}
	cw.outputs = nil
	if w.OutputComponents != nil {
		cw.outputs = []int{}
		for _, c := range w.OutputComponents {
			if c >= 0 {
				cw.outputs = append(cw.outputs, c)
			}
		}
		slices.Sort(cw.outputs)
		cw.outputs = slices.Compact(cw.outputs)
	}
	cw.scans = nil
	cw.tiles = cw.st.tilesFor(cw.region)
	cw.cur, cw.start = cursor{}, cursor{}
	cw.sequencingActive = false
	cw.isActive = false
	cw.fullyDispatched = false
	cw.contentIncomplete = false
}

func (cw *codestreamWindow) unrestricted() bool { return cw.comps == nil }

// maxExtraDiscard is how many more resolution levels the sequencer may
// drop for this window.
func (cw *codestreamWindow) maxExtraDiscard() int {
	return max(cw.st.info.MaxDiscardLevels-cw.discard, 0)
}

// samples estimates the number of samples the window covers with extra
// resolution levels dropped.
func (cw *codestreamWindow) samples(extra int) int64 {
	d := min(cw.discard+extra, cw.st.info.MaxDiscardLevels)
	sx := 1 + (cw.region.Size.X >> d)
	sy := 1 + (cw.region.Size.Y >> d)
	if cw.region.Empty() {
		sx, sy = 0, 0
	}
	var total int64
	for c, in := range cw.compSet {
		if !in {
			continue
		}
		sub := cw.st.componentSub(c)
		total += int64(1+sx/sub.X) * int64(1+sy/sub.Y)
	}
	return total
}

// contains reports whether every data unit rhs would sequence is also
// sequenced by cw.
func (cw *codestreamWindow) contains(rhs *codestreamWindow) bool {
	if rhs.st != cw.st || rhs.ctx != cw.ctx || rhs.discard < cw.discard ||
		rhs.maxLayers > cw.maxLayers || !cw.region.Contains(rhs.region) {
		return false
	}
	if cw.outputs != nil && !slices.Equal(cw.outputs, rhs.outputs) {
		return false
	}
	if cw.unrestricted() {
		return true
	}
	if rhs.unrestricted() {
		return false
	}
	for _, c := range rhs.comps {
		if !cw.compSet[c] {
			return false
		}
	}
	return true
}

// syncSequencer adopts a cursor from a window this one contains, so the
// sweep resumes where the old window left off.
func (cw *codestreamWindow) syncSequencer(from cursor) {
	if from == (cursor{}) {
		return
	}
	cw.contentIncomplete = true
	cw.cur, cw.start = from, from
	cw.sequencingActive = true
}
