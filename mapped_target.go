// mapped_target.go
//
// File-backed Target. A YAML layout describes where every data unit of a
// set of codestreams and their metadata lies inside one data file; the data
// file is memory-mapped and units are served straight from the mapping.
// Packet lengths are listed per precinct, so PacketBoundary is a running
// sum and never touches the data file.

package jpipserve

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/exp/mmap"
	"gopkg.in/yaml.v3"
)

// Extent is a byte range of the data file.
type Extent struct {
	Offset int64 `yaml:"offset"`
	Length int   `yaml:"length"`
}

// Layout is the YAML description read by OpenMappedTarget.
type Layout struct {
	// Data is the data file, relative to the layout file.
	Data        string         `yaml:"data"`
	Codestreams []StreamLayout `yaml:"codestreams"`
	Metadata    []MetaLayout   `yaml:"metadata"`
}

type StreamLayout struct {
	Canvas         Rect      `yaml:"canvas"`
	TileOrigin     Point     `yaml:"tile_origin"`
	TileSize       Point     `yaml:"tile_size"`
	Components     int       `yaml:"components"`
	ComponentSub   []Point   `yaml:"component_sub"`
	ComponentGains []float64 `yaml:"component_gains"`
	Layers         int       `yaml:"layers"`
	LayerLogSlopes []int     `yaml:"layer_log_slopes"`
	DiscardLevels  int       `yaml:"discard_levels"`
	MainHeader     Extent    `yaml:"main_header"`

	// Tiles are listed in raster order.
	Tiles []TileLayout `yaml:"tiles"`
}

type TileLayout struct {
	Header     Extent            `yaml:"header"`
	Layers     int               `yaml:"layers"`
	Components []ComponentLayout `yaml:"components"`
}

type ComponentLayout struct {
	Resolutions []ResolutionLayout `yaml:"resolutions"`
}

type ResolutionLayout struct {
	// PrecinctExp is log2 of the precinct size; nil means one precinct.
	PrecinctExp *Point `yaml:"precinct_exp"`

	// Precincts not listed hold no data.
	Precincts []PrecinctLayout `yaml:"precincts"`
}

// PrecinctLayout places the packets of one precinct. The packets are stored
// contiguously from Offset.
type PrecinctLayout struct {
	At     Point `yaml:"at"`
	Offset int64 `yaml:"offset"`

	// Packets lists each packet's length; missing trailing packets are
	// empty. A packet of at most one byte carries no coded data.
	Packets []int `yaml:"packets"`
}

type MetaLayout struct {
	Extent       `yaml:",inline"`
	FilePos      int64        `yaml:"file_pos"`
	FileLength   int64        `yaml:"file_length"`
	HeaderPrefix int          `yaml:"header_prefix"`
	BoxTypes     []string     `yaml:"box_types"`
	LinkTarget   int64        `yaml:"link_target"`
	Scope        ScopeLayout  `yaml:"scope"`
	Children     []MetaLayout `yaml:"children"`
}

type ScopeLayout struct {
	Flags    []string `yaml:"flags"`
	Region   Rect     `yaml:"region"`
	Streams  []int    `yaml:"streams"`
	Sequence int      `yaml:"sequence"`
}

var scopeFlagNames = map[string]MetaScopeFlags{
	"mandatory":         MetaMandatory,
	"image_mandatory":   MetaImageMandatory,
	"global":            MetaGlobal,
	"image_specific":    MetaImageSpecific,
	"region_specific":   MetaRegionSpecific,
	"include_first_sub": MetaIncludeFirstSubbox,
	"include_next_sib":  MetaIncludeNextSibling,
	"image_wide":        MetaImageWide,
}

type precinctKeyAt struct {
	stream, tile, comp, res int
	at                      Point
}

// MappedTarget serves units from a memory-mapped data file. It is safe for
// concurrent use.
type MappedTarget struct {
	layout    Layout
	data      *mmap.ReaderAt
	groups    []MetaGroup
	metaExt   []Extent
	precincts map[precinctKeyAt]*PrecinctLayout
}

// OpenMappedTarget reads the layout at path and maps its data file.
func OpenMappedTarget(path string) (*MappedTarget, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	var layout Layout
	if err := yaml.Unmarshal(raw, &layout); err != nil {
		return nil, fmt.Errorf("parse layout %s: %w", path, err)
	}
	dataPath := layout.Data
	if !filepath.IsAbs(dataPath) {
		dataPath = filepath.Join(filepath.Dir(path), dataPath)
	}
	data, err := mmap.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", dataPath, err)
	}
	mt, err := newMappedTarget(layout, data)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("layout %s: %w", path, err)
	}
	return mt, nil
}

func newMappedTarget(layout Layout, data *mmap.ReaderAt) (*MappedTarget, error) {
	mt := &MappedTarget{layout: layout, data: data, precincts: make(map[precinctKeyAt]*PrecinctLayout)}
	size := int64(data.Len())
	check := func(what string, e Extent) error {
		if e.Offset < 0 || e.Length < 0 || e.Offset+int64(e.Length) > size {
			return fmt.Errorf("%s extent [%d,+%d) outside %d byte data file", what, e.Offset, e.Length, size)
		}
		return nil
	}
	for s := range layout.Codestreams {
		sl := &layout.Codestreams[s]
		if err := check(fmt.Sprintf("codestream %d main header", s), sl.MainHeader); err != nil {
			return nil, err
		}
		for t := range sl.Tiles {
			tl := &sl.Tiles[t]
			if err := check(fmt.Sprintf("codestream %d tile %d header", s, t), tl.Header); err != nil {
				return nil, err
			}
			for c := range tl.Components {
				for r := range tl.Components[c].Resolutions {
					rl := &tl.Components[c].Resolutions[r]
					for i := range rl.Precincts {
						pl := &rl.Precincts[i]
						total := 0
						for _, n := range pl.Packets {
							total += n
						}
						if err := check(fmt.Sprintf("codestream %d tile %d precinct %v", s, t, pl.At), Extent{pl.Offset, total}); err != nil {
							return nil, err
						}
						mt.precincts[precinctKeyAt{s, t, c, r, pl.At}] = pl
					}
				}
			}
		}
	}
	var err error
	if mt.groups, err = mt.metaGroups(layout.Metadata, check); err != nil {
		return nil, err
	}
	return mt, nil
}

func (mt *MappedTarget) metaGroups(ls []MetaLayout, check func(string, Extent) error) ([]MetaGroup, error) {
	if len(ls) == 0 {
		return nil, nil
	}
	out := make([]MetaGroup, len(ls))
	for i := range ls {
		l := &ls[i]
		key := len(mt.metaExt)
		if err := check(fmt.Sprintf("metadata group %d", key), l.Extent); err != nil {
			return nil, err
		}
		mt.metaExt = append(mt.metaExt, l.Extent)
		g := MetaGroup{
			Key:          key,
			Length:       l.Length,
			FilePos:      l.FilePos,
			FileLength:   l.FileLength,
			HeaderPrefix: l.HeaderPrefix,
			LinkTarget:   l.LinkTarget,
			Scope: MetaScope{
				Region:   l.Scope.Region,
				Streams:  l.Scope.Streams,
				Sequence: l.Scope.Sequence,
			},
		}
		for _, name := range l.Scope.Flags {
			f, ok := scopeFlagNames[name]
			if !ok {
				return nil, fmt.Errorf("metadata group %d: unknown scope flag %q", key, name)
			}
			g.Scope.Flags |= f
		}
		for _, bt := range l.BoxTypes {
			if len(bt) != 4 {
				return nil, fmt.Errorf("metadata group %d: box type %q is not four characters", key, bt)
			}
			g.BoxTypes = append(g.BoxTypes, uint32(bt[0])<<24|uint32(bt[1])<<16|uint32(bt[2])<<8|uint32(bt[3]))
		}
		var err error
		if g.Children, err = mt.metaGroups(l.Children, check); err != nil {
			return nil, err
		}
		out[i] = g
	}
	return out, nil
}

// Close unmaps the data file.
func (mt *MappedTarget) Close() error { return mt.data.Close() }

func (mt *MappedTarget) NumCodestreams() int { return len(mt.layout.Codestreams) }

func (mt *MappedTarget) stream(s int) (*StreamLayout, error) {
	if s < 0 || s >= len(mt.layout.Codestreams) {
		return nil, fmt.Errorf("codestream %d not in layout", s)
	}
	return &mt.layout.Codestreams[s], nil
}

func (mt *MappedTarget) StreamInfo(s int) (StreamInfo, error) {
	sl, err := mt.stream(s)
	if err != nil {
		return StreamInfo{}, err
	}
	return StreamInfo{
		Canvas:           sl.Canvas,
		TileOrigin:       sl.TileOrigin,
		TileSize:         sl.TileSize,
		NumComponents:    sl.Components,
		ComponentSub:     sl.ComponentSub,
		ComponentGains:   sl.ComponentGains,
		MaxLayers:        sl.Layers,
		LayerLogSlopes:   sl.LayerLogSlopes,
		MainHeaderBytes:  sl.MainHeader.Length,
		MaxDiscardLevels: sl.DiscardLevels,
	}, nil
}

func (mt *MappedTarget) tile(s, t int) (*TileLayout, error) {
	sl, err := mt.stream(s)
	if err != nil {
		return nil, err
	}
	if t < 0 || t >= len(sl.Tiles) {
		return nil, fmt.Errorf("codestream %d tile %d not in layout", s, t)
	}
	return &sl.Tiles[t], nil
}

func (mt *MappedTarget) TileInfo(s, t int) (TileInfo, error) {
	tl, err := mt.tile(s, t)
	if err != nil {
		return TileInfo{}, err
	}
	info := TileInfo{HeaderBytes: tl.Header.Length, NumLayers: tl.Layers}
	for _, cl := range tl.Components {
		ci := TileComponentInfo{NumResolutions: len(cl.Resolutions)}
		for _, rl := range cl.Resolutions {
			exp := Point{defaultPrecinctExp, defaultPrecinctExp}
			if rl.PrecinctExp != nil {
				exp = *rl.PrecinctExp
			}
			ci.PrecinctExp = append(ci.PrecinctExp, exp)
		}
		info.Components = append(info.Components, ci)
	}
	return info, nil
}

func (mt *MappedTarget) PacketBoundary(ref UnitRef, packets int) (int, bool, error) {
	pl := mt.precincts[precinctKeyAt{ref.Stream, ref.Tile, ref.Component, ref.Resolution, ref.Precinct}]
	if pl == nil || packets <= 0 {
		return 0, false, nil
	}
	cum := 0
	for _, n := range pl.Packets[:min(packets, len(pl.Packets))] {
		cum += n
	}
	sig := packets <= len(pl.Packets) && pl.Packets[packets-1] > 1
	return cum, sig, nil
}

func (mt *MappedTarget) extent(ref UnitRef) (Extent, error) {
	switch ref.Class {
	case ClassMainHeader:
		sl, err := mt.stream(ref.Stream)
		if err != nil {
			return Extent{}, err
		}
		return sl.MainHeader, nil
	case ClassTileHeader:
		tl, err := mt.tile(ref.Stream, ref.Tile)
		if err != nil {
			return Extent{}, err
		}
		return tl.Header, nil
	case ClassPrecinct:
		pl := mt.precincts[precinctKeyAt{ref.Stream, ref.Tile, ref.Component, ref.Resolution, ref.Precinct}]
		if pl == nil {
			return Extent{}, nil
		}
		e := Extent{Offset: pl.Offset}
		for _, n := range pl.Packets {
			e.Length += n
		}
		return e, nil
	case ClassMeta:
		if ref.Group < 0 || ref.Group >= len(mt.metaExt) {
			return Extent{}, fmt.Errorf("metadata group %d not in layout", ref.Group)
		}
		return mt.metaExt[ref.Group], nil
	}
	return Extent{}, fmt.Errorf("unit %s not in layout", ref)
}

func (mt *MappedTarget) ReadUnit(ref UnitRef, offset int, dst []byte) (int, error) {
	e, err := mt.extent(ref)
	if err != nil {
		return 0, err
	}
	if offset < 0 || offset >= e.Length {
		return 0, nil
	}
	n := min(len(dst), e.Length-offset)
	k, err := mt.data.ReadAt(dst[:n], e.Offset+int64(offset))
	if err != nil && k < n {
		return k, fmt.Errorf("read %s: %w", ref, err)
	}
	return k, nil
}

func (mt *MappedTarget) MetaTree() ([]MetaGroup, error) { return mt.groups, nil }
