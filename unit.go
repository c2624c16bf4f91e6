package jpipserve

import "fmt"

// UnitClass enumerates the kinds of addressable data units the server tracks
// in its cache model.
//
// The numeric values are the in-band class codes written into increment
// message headers, so they must not be renumbered.
type UnitClass uint8

const (
	// ClassPrecinct identifies a precinct data unit: the layered packets for
	// one precinct of one tile-component-resolution.
	ClassPrecinct UnitClass = 0

	// ClassTileHeader identifies the marker segments of one tile.
	ClassTileHeader UnitClass = 2

	// ClassMainHeader identifies the main header of a codestream.
	ClassMainHeader UnitClass = 6

	// ClassMeta identifies a metadata bin.
	ClassMeta UnitClass = 8
)

var classNames = map[UnitClass]string{
	ClassPrecinct:   "precinct",
	ClassTileHeader: "tile-header",
	ClassMainHeader: "main-header",
	ClassMeta:       "meta",
}

func (c UnitClass) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// UnitRef addresses a single data unit when the server asks its Target for
// raw bytes.
//
// Only the fields relevant to Class are meaningful: headers use Stream (and
// Tile for tile headers), precincts use every codestream coordinate, and
// metadata uses BinID together with Group.
type UnitRef struct {
	Class      UnitClass
	Stream     int
	Tile       int
	Component  int
	Resolution int
	Precinct   Point

	// BinID is the in-class identifier written on the wire: the tile index
	// for tile headers, the unique precinct id for precincts and the metadata
	// bin id for metadata.
	BinID int64

	// Group is the Target's own key for a metadata group (MetaGroup.Key).
	Group int
}

func (u UnitRef) String() string {
	switch u.Class {
	case ClassMainHeader:
		return fmt.Sprintf("%s[s=%d]", u.Class, u.Stream)
	case ClassTileHeader:
		return fmt.Sprintf("%s[s=%d t=%d]", u.Class, u.Stream, u.Tile)
	case ClassPrecinct:
		return fmt.Sprintf("%s[s=%d t=%d c=%d r=%d p=%d,%d id=%d]",
			u.Class, u.Stream, u.Tile, u.Component, u.Resolution, u.Precinct.X, u.Precinct.Y, u.BinID)
	default:
		return fmt.Sprintf("%s[bin=%d group=%d]", u.Class, u.BinID, u.Group)
	}
}
