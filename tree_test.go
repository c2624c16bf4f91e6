package jpipserve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expandedStream returns stream 0 of tgt with every tile expanded.
func expandedStream(t *testing.T, tgt *fakeTarget) *stream {
	t.Helper()
	info, err := tgt.StreamInfo(0)
	require.NoError(t, err)
	st, err := newStream(0, info)
	require.NoError(t, err)
	st.expand()
	for n := range st.tiles {
		require.NoError(t, st.expandTile(tgt, &st.tiles[n]))
	}
	return st
}

func TestStreamGeometry(t *testing.T) {
	st := expandedStream(t, newFakeTarget(tiledStream()))
	assert.Equal(t, 2, st.numTiles)
	assert.Equal(t, Rect{Size: Point{2, 1}}, st.tileGrid)
	assert.Equal(t, Rect{Pos: Point{64, 0}, Size: Point{32, 64}}, st.tiles[1].rect)
	assert.Equal(t, Rect{Pos: Point{1, 0}, Size: Point{1, 1}}, st.tilesFor(Rect{Pos: Point{70, 10}, Size: Point{5, 5}}))
	assert.Equal(t, Rect{Size: Point{2, 1}}, st.tilesFor(Rect{Pos: Point{-10, -10}, Size: Point{500, 500}}))
	assert.Equal(t, Rect{}, st.tilesFor(Rect{Pos: Point{200, 0}, Size: Point{5, 5}}))

	tc := &st.tiles[1].comps[1]
	assert.Equal(t, Rect{Pos: Point{32, 0}, Size: Point{16, 32}}, tc.rect)
	assert.Equal(t, Rect{Pos: Point{2, 0}, Size: Point{1, 2}}, tc.res[2].grid)
	assert.Equal(t, Rect{Pos: Point{8, 0}, Size: Point{4, 8}}, tc.res[0].rect)
	assert.Equal(t, Point{2, 2}, st.componentSub(1))
	assert.Equal(t, Point{1, 1}, st.componentSub(7))
}

func TestPrecinctIDRoundTrip(t *testing.T) {
	st := expandedStream(t, newFakeTarget(tiledStream()))
	seen := make(map[int64]bool)
	for n := range st.tiles {
		tl := &st.tiles[n]
		for c := range tl.comps {
			for r := range tl.comps[c].res {
				rp := &tl.comps[c].res[r]
				for y := 0; y < rp.grid.Size.Y; y++ {
					for x := 0; x < rp.grid.Size.X; x++ {
						p := rp.grid.Pos.Add(Point{x, y})
						id := rp.precinctID(p)
						require.False(t, seen[id], "precinct id %d reused", id)
						seen[id] = true
						assert.Equal(t, int64(n), id%int64(st.numTiles))

						got, q, ok := tl.locatePrecinct(id)
						require.True(t, ok, "id %d", id)
						assert.Same(t, rp, got)
						assert.Equal(t, p, q)

						_, _, ok = st.tiles[1-n].locatePrecinct(id)
						assert.False(t, ok, "id %d belongs to tile %d", id, n)
					}
				}
			}
		}
	}
	total := 0
	for n := range st.tiles {
		total += st.tiles[n].totalPrecincts
	}
	assert.Len(t, seen, total)

	_, _, ok := st.tiles[0].locatePrecinct(int64(10000 * st.numTiles))
	assert.False(t, ok)
}

func TestNewStreamValidation(t *testing.T) {
	good := simpleStream(Point{16, 16}, 1, 1, 1, 1, 1).info
	tests := []struct {
		name   string
		mutate func(*StreamInfo)
	}{
		{"Empty Canvas", func(i *StreamInfo) { i.Canvas = Rect{} }},
		{"No Components", func(i *StreamInfo) { i.NumComponents = 0 }},
		{"No Layers", func(i *StreamInfo) { i.MaxLayers = 0 }},
		{"Negative Header", func(i *StreamInfo) { i.MainHeaderBytes = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := good
			tt.mutate(&info)
			_, err := newStream(3, info)
			var se *StructureError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, 3, se.Stream)
			assert.Equal(t, -1, se.Tile)
		})
	}

	st, err := newStream(0, good)
	require.NoError(t, err)
	assert.Equal(t, 1, st.numTiles)
	assert.True(t, st.sameStructure(good))
	changed := good
	changed.MainHeaderBytes++
	assert.False(t, st.sameStructure(changed))
}

func TestExpandTileValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeStream)
	}{
		{"Component Count", func(fs *fakeStream) { fs.tile.Components = fs.tile.Components[:1] }},
		{"Too Few Resolutions", func(fs *fakeStream) { fs.tile.Components[0].NumResolutions = 1 }},
		{"Bad Precinct Exponent", func(fs *fakeStream) { fs.tile.Components[1].PrecinctExp = []Point{{-1, 4}} }},
		{"Negative Header", func(fs *fakeStream) { fs.tile.HeaderBytes = -4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := tiledStream()
			tt.mutate(fs)
			info := fs.info
			st, err := newStream(0, info)
			require.NoError(t, err)
			st.expand()
			err = st.expandTile(newFakeTarget(fs), &st.tiles[0])
			var se *StructureError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, 0, se.Tile)
			assert.False(t, st.tiles[0].expanded)
		})
	}
}
