package jpipserve

// StreamInfo summarizes the static structure of one codestream. The server
// fetches it once when a window first names the codestream and keeps it for
// the codestream's lifetime; a later report that disagrees is a fatal
// StructureError.
type StreamInfo struct {
	// Canvas is the image region on the high-resolution reference grid.
	Canvas Rect

	// TileOrigin and TileSize define the tile partition of the reference
	// grid. A zero TileSize means a single tile covering the canvas.
	TileOrigin Point
	TileSize   Point

	// NumComponents is the number of image components.
	NumComponents int

	// ComponentSub gives each component's subsampling factors. Missing
	// entries default to 1x1.
	ComponentSub []Point

	// ComponentGains optionally weights each component's relevance, as the
	// ratio of its contribution with and without decoding restrictions.
	// Missing entries default to 1.
	ComponentGains []float64

	// MaxLayers is the largest quality layer count of any tile.
	MaxLayers int

	// LayerLogSlopes holds descending distortion-length slope thresholds,
	// quantized as 256*log2, one per layer. It may be empty.
	LayerLogSlopes []int

	// MainHeaderBytes is the length of the main header data unit.
	MainHeaderBytes int

	// MaxDiscardLevels is the number of resolution levels every tile can
	// drop.
	MaxDiscardLevels int
}

// TileInfo describes one tile. It is requested once, the first time the
// tile is touched.
type TileInfo struct {
	// HeaderBytes is the length of the tile header data unit.
	HeaderBytes int

	// NumLayers is the number of quality layers, hence packets per precinct,
	// in this tile.
	NumLayers int

	// Components carries per-component resolution structure. Its length
	// must equal StreamInfo.NumComponents.
	Components []TileComponentInfo
}

// TileComponentInfo describes the resolutions of one tile-component.
type TileComponentInfo struct {
	// NumResolutions is the number of resolution levels, the lowest first.
	NumResolutions int

	// PrecinctExp holds log2 of the precinct dimensions for each resolution.
	// Missing entries default to 15, which means one precinct per
	// resolution in practice.
	PrecinctExp []Point
}

// MetaScopeFlags classify what a metadata group describes, which decides
// whether a window pulls it into scope.
type MetaScopeFlags uint16

const (
	// MetaMandatory groups are always sent.
	MetaMandatory MetaScopeFlags = 1 << iota

	// MetaImageMandatory groups are sent unless the window is metadata-only.
	MetaImageMandatory

	// MetaGlobal groups apply to the whole file.
	MetaGlobal

	// MetaImageSpecific groups apply only to the codestreams in Scope.Streams.
	MetaImageSpecific

	// MetaRegionSpecific groups apply only where Scope.Region meets the
	// window.
	MetaRegionSpecific

	// MetaIncludeFirstSubbox pulls the first child into scope with the
	// group.
	MetaIncludeFirstSubbox

	// MetaIncludeNextSibling pulls the following sibling into scope far
	// enough to let the client see the bin continues.
	MetaIncludeNextSibling

	// MetaImageWide groups describe whole codestreams rather than regions.
	MetaImageWide
)

// MetaScope tells the server where a metadata group applies.
type MetaScope struct {
	Flags MetaScopeFlags

	// Region is the reference-grid region for region-specific data.
	Region Rect

	// Streams lists the codestreams image-specific data applies to.
	Streams []int

	// Sequence orders in-scope metadata: 0 is sent first; larger values are
	// 64+log2(cost/area) estimates that rank against imagery.
	Sequence int
}

// MetaGroup describes a run of metadata boxes stored contiguously in one
// metadata bin.
type MetaGroup struct {
	// Key identifies the group in Target.ReadUnit calls.
	Key int

	// Length is the number of bytes the group contributes to its bin.
	Length int

	// FilePos is the group's byte position in the original file, used to
	// resolve links.
	FilePos int64

	// FileLength is the number of file bytes the group spans, including
	// any contents replaced by Children. Zero means Length.
	FileLength int64

	// HeaderPrefix is the number of bytes at the start of the group that
	// precede the contents of its last box. Byte limits on box contents
	// count from there.
	HeaderPrefix int

	// BoxTypes lists the four-character box types inside the group. A group
	// with no box types holds raw box contents.
	BoxTypes []uint32

	// LinkTarget is the file position a cross-reference box points at, or 0.
	LinkTarget int64

	// Children are the groups of the bin that replaces this group's box
	// contents, if any.
	Children []MetaGroup

	Scope MetaScope
}

// Target is the collaborator that knows the codestream and file format.
// Every call is synchronous and may block on I/O; the server calls each
// structural method at most once per unit.
type Target interface {
	// NumCodestreams returns how many codestreams the target serves. Their
	// ids run from 0.
	NumCodestreams() int

	// StreamInfo returns the structure of one codestream.
	StreamInfo(stream int) (StreamInfo, error)

	// TileInfo returns the structure of one tile of a codestream.
	TileInfo(stream, tile int) (TileInfo, error)

	// PacketBoundary returns the number of bytes spanned by the first
	// packets packets of a precinct and whether the last of them carries
	// any coded data. Counts are always requested in increasing order.
	PacketBoundary(ref UnitRef, packets int) (cumBytes int, significant bool, err error)

	// ReadUnit copies bytes of a data unit, starting at offset, into dst. It
	// returns the number of bytes copied.
	ReadUnit(ref UnitRef, offset int, dst []byte) (int, error)

	// MetaTree returns the top-level groups of metadata bin 0, in file
	// order. It may return nil for raw codestreams.
	MetaTree() ([]MetaGroup, error)
}

// StreamLifecycle is implemented by targets that need to make a codestream
// available before use and may share it between servers.
type StreamLifecycle interface {
	AttachStream(stream int) error
	DetachStream(stream int)
	LockStream(stream int) error
	UnlockStream(stream int)
}

// MappedComponent is one codestream component an output component is built
// from.
type MappedComponent struct {
	Component int

	// Gain and FullGain are the component's energy gain toward the requested
	// output components and toward every output component. Their ratio
	// weights the component's relevance; a non-positive FullGain counts as
	// no weighting.
	Gain     float64
	FullGain float64
}

// ComponentMapper is implemented by targets whose output components are
// produced from codestream components by a multi-component transform. When
// a window names OutputComponents, every tile is walked over the codestream
// components the mapper returns for it, in the order returned.
type ComponentMapper interface {
	CodestreamComponents(stream, tile int, output []int) ([]MappedComponent, error)
}
