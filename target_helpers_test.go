package jpipserve

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakePrecinctKey locates a precinct inside a fakeStream.
type fakePrecinctKey struct {
	tile, comp, res int
	p               Point
}

// fakeStream is one in-memory codestream. Every tile shares the same
// structure and every precinct carries packets unless overridden.
type fakeStream struct {
	info       StreamInfo
	tile       TileInfo
	tileHeader int
	packets    []int
	override   map[fakePrecinctKey][]int
}

func (fs *fakeStream) packetsOf(ref UnitRef) []int {
	if p, ok := fs.override[fakePrecinctKey{ref.Tile, ref.Component, ref.Resolution, ref.Precinct}]; ok {
		return p
	}
	return fs.packets
}

// fakeTarget is an in-memory Target whose unit contents are a pure function
// of the unit's address, so that delivered bytes can be checked.
type fakeTarget struct {
	streams []*fakeStream
	meta    []MetaGroup

	// metaLen holds the length of every metadata group by key.
	metaLen map[int]int

	streamInfoCalls int
	tileInfoCalls   map[[2]int]int
	boundaryCalls   int
	readCalls       int

	failRead    error
	failTile    error
	shortReads  bool
	noMetaTree  error
	mutateAfter func(stream int, info *StreamInfo)
}

func newFakeTarget(streams ...*fakeStream) *fakeTarget {
	return &fakeTarget{streams: streams, metaLen: make(map[int]int), tileInfoCalls: make(map[[2]int]int)}
}

// withMeta installs a metadata tree, recording group lengths by key.
func (ft *fakeTarget) withMeta(groups ...MetaGroup) *fakeTarget {
	ft.meta = groups
	var walk func([]MetaGroup)
	walk = func(gs []MetaGroup) {
		for _, g := range gs {
			ft.metaLen[g.Key] = g.Length
			walk(g.Children)
		}
	}
	walk(groups)
	return ft
}

// simpleStream is a single-tile, single-component codestream with one
// precinct per resolution.
func simpleStream(size Point, resolutions, layers, packetLen, mainHeader, tileHeader int) *fakeStream {
	packets := make([]int, layers)
	for i := range packets {
		packets[i] = packetLen
	}
	return &fakeStream{
		info: StreamInfo{
			Canvas:           Rect{Size: size},
			NumComponents:    1,
			MaxLayers:        layers,
			MainHeaderBytes:  mainHeader,
			MaxDiscardLevels: resolutions - 1,
		},
		tile: TileInfo{
			HeaderBytes: tileHeader,
			NumLayers:   layers,
			Components:  []TileComponentInfo{{NumResolutions: resolutions}},
		},
		tileHeader: tileHeader,
		packets:    packets,
	}
}

func (ft *fakeTarget) NumCodestreams() int { return len(ft.streams) }

func (ft *fakeTarget) StreamInfo(s int) (StreamInfo, error) {
	ft.streamInfoCalls++
	if s < 0 || s >= len(ft.streams) {
		return StreamInfo{}, fmt.Errorf("no codestream %d", s)
	}
	info := ft.streams[s].info
	if ft.mutateAfter != nil && ft.streamInfoCalls > 1 {
		ft.mutateAfter(s, &info)
	}
	return info, nil
}

func (ft *fakeTarget) TileInfo(s, t int) (TileInfo, error) {
	ft.tileInfoCalls[[2]int{s, t}]++
	if ft.failTile != nil {
		return TileInfo{}, ft.failTile
	}
	return ft.streams[s].tile, nil
}

func (ft *fakeTarget) PacketBoundary(ref UnitRef, packets int) (int, bool, error) {
	ft.boundaryCalls++
	lens := ft.streams[ref.Stream].packetsOf(ref)
	cum := 0
	for _, n := range lens[:min(packets, len(lens))] {
		cum += n
	}
	sig := packets <= len(lens) && lens[packets-1] > 1
	return cum, sig, nil
}

// unitLen returns the full length of a unit.
func (ft *fakeTarget) unitLen(ref UnitRef) int {
	switch ref.Class {
	case ClassMainHeader:
		return ft.streams[ref.Stream].info.MainHeaderBytes
	case ClassTileHeader:
		return ft.streams[ref.Stream].tileHeader
	case ClassPrecinct:
		total := 0
		for _, n := range ft.streams[ref.Stream].packetsOf(ref) {
			total += n
		}
		return total
	default:
		return ft.metaLen[ref.Group]
	}
}

// unitByte is the content of byte off of a unit.
func unitByte(ref UnitRef, off int) byte {
	seed := int(ref.Class)*97 + ref.Stream*31 + ref.Tile*17 + int(ref.BinID)*13 + ref.Group*7
	return byte(seed + off*5)
}

func (ft *fakeTarget) ReadUnit(ref UnitRef, offset int, dst []byte) (int, error) {
	ft.readCalls++
	if ft.failRead != nil {
		return 0, ft.failRead
	}
	total := ft.unitLen(ref)
	if offset >= total {
		return 0, nil
	}
	n := min(len(dst), total-offset)
	if ft.shortReads && n > 1 {
		n--
	}
	for i := range n {
		dst[i] = unitByte(ref, offset+i)
	}
	return n, nil
}

func (ft *fakeTarget) MetaTree() ([]MetaGroup, error) {
	if ft.noMetaTree != nil {
		return nil, ft.noMetaTree
	}
	return ft.meta, nil
}

// lifecycleTarget adds StreamLifecycle hooks to a fakeTarget.
type lifecycleTarget struct {
	*fakeTarget
	attached map[int]int
	locked   map[int]int
	attaches int
	failLock error
}

func newLifecycleTarget(ft *fakeTarget) *lifecycleTarget {
	return &lifecycleTarget{fakeTarget: ft, attached: make(map[int]int), locked: make(map[int]int)}
}

func (lt *lifecycleTarget) AttachStream(s int) error {
	lt.attached[s]++
	lt.attaches++
	return nil
}

func (lt *lifecycleTarget) DetachStream(s int) { lt.attached[s]-- }

func (lt *lifecycleTarget) LockStream(s int) error {
	if lt.failLock != nil {
		return lt.failLock
	}
	lt.locked[s]++
	return nil
}

func (lt *lifecycleTarget) UnlockStream(s int) { lt.locked[s]-- }

// recKey identifies a data unit in decoded records.
type recKey struct {
	class  UnitClass
	stream int
	bin    int64
}

// delivery accumulates what decoded records delivered for one unit.
type delivery struct {
	data     []byte
	covered  []bool
	complete bool
}

func (d *delivery) put(off int, data []byte) {
	for len(d.data) < off+len(data) {
		d.data = append(d.data, 0)
		d.covered = append(d.covered, false)
	}
	copy(d.data[off:], data)
	for i := range data {
		d.covered[off+i] = true
	}
}

func (d *delivery) full(total int) bool {
	if len(d.covered) < total {
		return false
	}
	for _, c := range d.covered[:total] {
		if !c {
			return false
		}
	}
	return true
}

// deliveries folds records into per-unit deliveries.
func deliveries(recs []Record) map[recKey]*delivery {
	out := make(map[recKey]*delivery)
	for _, r := range recs {
		stream := r.Stream
		if r.Class == ClassMeta {
			stream = 0
		}
		k := recKey{r.Class, stream, r.BinID}
		d := out[k]
		if d == nil {
			d = &delivery{}
			out[k] = d
		}
		d.put(int(r.Offset), r.Data)
		d.complete = d.complete || r.Complete
	}
	return out
}

// decodeBodies decodes the records of concatenated chunk bodies, copying
// each payload out of the reader's buffer.
func decodeBodies(t *testing.T, body []byte, maxRecord int) []Record {
	t.Helper()
	rr, err := NewRecordReader(bytes.NewReader(body), maxRecord)
	require.NoError(t, err)
	defer rr.Close()

	var recs []Record
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return recs
		}
		require.NoError(t, err)
		rec.Data = bytes.Clone(rec.Data)
		recs = append(recs, rec)
	}
}

// bodies concatenates the chunk bodies of a batch.
func bodies(chunks []*Chunk) []byte {
	var b []byte
	for _, c := range chunks {
		b = append(b, c.Body()...)
	}
	return b
}

// drain generates batches for ctxID until the server has nothing left to
// send, releasing every chunk. It returns the concatenated chunk bodies and
// the number of batches.
func drain(t *testing.T, s *Server, ctxID, suggested, maxBytes int) ([]byte, int) {
	t.Helper()
	var all []byte
	for batches := 0; ; batches++ {
		require.Less(t, batches, 10000, "generation does not terminate")
		chunks, err := s.GenerateIncrements(ctxID, suggested, maxBytes)
		require.NoError(t, err)
		if len(chunks) == 0 {
			return all, batches
		}
		total := 0
		for _, c := range chunks {
			total += c.Len()
		}
		require.LessOrEqual(t, total, maxBytes+s.cfg.ChunkPrefixBytes*len(chunks),
			"batch %d exceeds its byte limit", batches)
		all = append(all, bodies(chunks)...)
		s.ReleaseChunks(chunks, false)
	}
}

// requireDelivered checks that recs carry exactly the target's bytes and
// that every codestream unit of s and every metadata bin was delivered in
// full with its completion flag.
func requireDelivered(t *testing.T, s *Server, ft *fakeTarget, recs []Record) {
	t.Helper()
	got := deliveries(recs)

	// Every record must match the target.
	for _, r := range recs {
		ref := recordRef(t, s, r)
		if r.Class == ClassMeta {
			continue
		}
		for i, b := range r.Data {
			require.Equal(t, unitByte(ref, int(r.Offset)+i), b, "%s byte %d", ref, int(r.Offset)+i)
		}
	}

	check := func(k recKey, total int, what string) {
		d := got[k]
		require.NotNil(t, d, "%s never delivered", what)
		require.True(t, d.full(total), "%s delivered %d of %d bytes", what, len(d.covered), total)
		require.True(t, d.complete, "%s never marked complete", what)
	}
	for _, st := range s.streams {
		if st == nil {
			continue
		}
		check(recKey{ClassMainHeader, st.id, 0}, st.info.MainHeaderBytes, "main header")
		for n := range st.tiles {
			tl := &st.tiles[n]
			require.True(t, tl.expanded, "tile %d never opened", n)
			check(recKey{ClassTileHeader, st.id, int64(n)}, tl.header.total, fmt.Sprintf("tile %d header", n))
			for c := range tl.comps {
				for r := range tl.comps[c].res {
					rp := &tl.comps[c].res[r]
					for y := 0; y < rp.grid.Size.Y; y++ {
						for x := 0; x < rp.grid.Size.X; x++ {
							ref := rp.unitRef(rp.grid.Pos.Add(Point{x, y}))
							check(recKey{ClassPrecinct, st.id, ref.BinID}, ft.unitLen(ref), ref.String())
						}
					}
				}
			}
		}
	}
	for bin, head := range s.meta.binHead {
		data := metaBinData(s, head)
		k := recKey{ClassMeta, 0, bin}
		check(k, len(data), fmt.Sprintf("metadata bin %d", bin))
		require.Equal(t, data, got[k].data[:len(data)], "metadata bin %d contents", bin)
	}
}

// metaBinData is the expected contents of the bin whose first node is head.
func metaBinData(s *Server, head int) []byte {
	var out []byte
	for i := head; i >= 0; i = s.meta.nodes[i].next {
		n := &s.meta.nodes[i]
		ref := n.unitRef()
		for off := range n.group.Length {
			out = append(out, unitByte(ref, off))
		}
	}
	return out
}

// recordRef resolves the unit a codestream record addresses.
func recordRef(t *testing.T, s *Server, r Record) UnitRef {
	t.Helper()
	switch r.Class {
	case ClassMainHeader:
		return UnitRef{Class: ClassMainHeader, Stream: r.Stream, Tile: -1}
	case ClassTileHeader:
		return UnitRef{Class: ClassTileHeader, Stream: r.Stream, Tile: int(r.BinID)}
	case ClassPrecinct:
		st := s.streams[r.Stream]
		tl := &st.tiles[r.BinID%int64(st.numTiles)]
		rp, p, ok := tl.locatePrecinct(r.BinID)
		require.True(t, ok, "record names unknown precinct %d", r.BinID)
		return rp.unitRef(p)
	}
	return UnitRef{Class: ClassMeta, BinID: r.BinID}
}

// newTestServer builds a server over tgt, failing the test on error.
func newTestServer(t *testing.T, tgt Target, opts ...Option) *Server {
	t.Helper()
	s, err := NewServer(tgt, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fullWindow views the whole canvas of a fakeStream at full resolution.
func fullWindow(fs *fakeStream) Window {
	return Window{Region: fs.info.Canvas}
}
