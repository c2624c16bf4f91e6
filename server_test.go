package jpipserve

import (
	"bytes"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tiledStream is a two-tile, two-component codestream with several
// precincts per resolution; the second component is subsampled.
func tiledStream() *fakeStream {
	exp := []Point{{4, 4}, {4, 4}, {4, 4}}
	return &fakeStream{
		info: StreamInfo{
			Canvas:           Rect{Size: Point{96, 64}},
			TileSize:         Point{64, 64},
			NumComponents:    2,
			ComponentSub:     []Point{{1, 1}, {2, 2}},
			MaxLayers:        2,
			MainHeaderBytes:  120,
			MaxDiscardLevels: 2,
		},
		tile: TileInfo{
			HeaderBytes: 24,
			NumLayers:   2,
			Components: []TileComponentInfo{
				{NumResolutions: 3, PrecinctExp: exp},
				{NumResolutions: 3, PrecinctExp: exp},
			},
		},
		tileHeader: 24,
		packets:    []int{40, 25},
		override: map[fakePrecinctKey][]int{
			{0, 0, 0, Point{}}:     {600, 1},
			{1, 1, 2, Point{2, 0}}: {0, 0},
		},
	}
}

func TestServeWholeImage(t *testing.T) {
	tests := []struct {
		name      string
		stream    func() *fakeStream
		suggested int
		max       int
	}{
		{"Single Precinct Per Resolution", func() *fakeStream { return simpleStream(Point{64, 64}, 2, 3, 100, 50, 20) }, 1000, 2000},
		{"Small Batches", func() *fakeStream { return simpleStream(Point{64, 64}, 2, 3, 100, 50, 20) }, 64, 128},
		{"One Batch", func() *fakeStream { return simpleStream(Point{64, 64}, 2, 3, 100, 50, 20) }, 1 << 20, 1 << 20},
		{"Tiled Multi Component", tiledStream, 500, 1000},
		{"Tiled Large Batches", tiledStream, 8000, 16000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := tt.stream()
			ft := newFakeTarget(fs)
			s := newTestServer(t, ft)

			require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
			assert.False(t, s.ImageDone())

			body, batches := drain(t, s, 0, tt.suggested, tt.max)
			require.Positive(t, batches)
			requireDelivered(t, s, ft, decodeBodies(t, body, s.cfg.ChunkBodyBytes))
			assert.True(t, s.ImageDone(), "image should be complete after draining")

			info, err := s.ContextInfo(0)
			require.NoError(t, err)
			assert.False(t, info.Pending)
			assert.Zero(t, info.ActiveRefs)
			assert.Zero(t, s.actives.live, "no precinct should stay promoted")
			assert.Zero(t, s.chunks.leased, "every chunk was released")
		})
	}
}

func TestStructureIsFetchedOnce(t *testing.T) {
	fs := tiledStream()
	ft := newFakeTarget(fs)
	s := newTestServer(t, ft)

	require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
	drain(t, s, 0, 700, 1400)
	require.NoError(t, s.SetWindow(0, Window{Region: Rect{Size: Point{32, 32}}}, nil))
	drain(t, s, 0, 700, 1400)

	assert.Equal(t, 1, ft.streamInfoCalls)
	for key, n := range ft.tileInfoCalls {
		assert.Equal(t, 1, n, "tile %v structure fetched %d times", key, n)
	}
	assert.Len(t, ft.tileInfoCalls, 2)
}

func TestNothingResentOnceDelivered(t *testing.T) {
	fs := simpleStream(Point{64, 64}, 2, 3, 100, 50, 20)
	s := newTestServer(t, newFakeTarget(fs))

	require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
	drain(t, s, 0, 4000, 8000)

	// A second context sharing the model has nothing to send.
	require.NoError(t, s.SetWindow(1, fullWindow(fs), nil))
	body, _ := drain(t, s, 1, 4000, 8000)
	assert.Empty(t, body)

	// Neither does the same window installed again.
	require.NoError(t, s.SetWindow(0, Window{Region: Rect{Pos: Point{1, 1}, Size: Point{10, 10}}}, nil))
	body, _ = drain(t, s, 0, 4000, 8000)
	assert.Empty(t, body)
}

func TestLowerResolutionFirst(t *testing.T) {
	fs := tiledStream()
	ft := newFakeTarget(fs)
	s := newTestServer(t, ft)

	require.NoError(t, s.SetWindow(0, Window{Region: fs.info.Canvas, DiscardLevels: 1}, nil))
	body, _ := drain(t, s, 0, 100000, 100000)
	for _, r := range decodeBodies(t, body, s.cfg.ChunkBodyBytes) {
		if r.Class != ClassPrecinct {
			continue
		}
		ref := recordRef(t, s, r)
		assert.Less(t, ref.Resolution, 2, "%s is above the requested resolution", ref)
	}
	assert.False(t, s.ImageDone())
}

func TestMaxLayers(t *testing.T) {
	fs := simpleStream(Point{64, 64}, 1, 4, 50, 10, 10)
	s := newTestServer(t, newFakeTarget(fs))

	require.NoError(t, s.SetWindow(0, Window{Region: fs.info.Canvas, MaxLayers: 2}, nil))
	body, _ := drain(t, s, 0, 100000, 100000)
	got := deliveries(decodeBodies(t, body, s.cfg.ChunkBodyBytes))
	d := got[recKey{ClassPrecinct, 0, 0}]
	require.NotNil(t, d)
	assert.True(t, d.full(100))
	assert.Len(t, d.covered, 100, "only two layers should be sent")
	assert.False(t, d.complete)
	assert.False(t, s.ImageDone())

	require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
	body, _ = drain(t, s, 0, 100000, 100000)
	recs := decodeBodies(t, body, s.cfg.ChunkBodyBytes)
	require.NotEmpty(t, recs)
	for _, r := range recs {
		assert.Equal(t, ClassPrecinct, r.Class)
		assert.GreaterOrEqual(t, r.Offset, int64(100), "the first two layers are not resent")
	}
	assert.True(t, s.ImageDone())
}

func TestModelInstructions(t *testing.T) {
	t.Run("Declared Units Are Not Sent", func(t *testing.T) {
		fs := simpleStream(Point{64, 64}, 2, 3, 100, 50, 20)
		ft := newFakeTarget(fs)
		s := newTestServer(t, ft)

		instr := []ModelInstruction{
			{Class: ClassMainHeader, Stream: 0, Kind: HaveComplete},
			{Class: ClassPrecinct, Stream: 0, BinID: 1, Kind: HaveLayers, Count: 2},
		}
		require.NoError(t, s.SetWindow(0, fullWindow(fs), instr))
		assert.Contains(t, s.DumpModel(), "main stream=0 span=50 complete")

		body, _ := drain(t, s, 0, 4000, 8000)
		got := deliveries(decodeBodies(t, body, s.cfg.ChunkBodyBytes))
		assert.NotContains(t, got, recKey{ClassMainHeader, 0, 0})

		d := got[recKey{ClassPrecinct, 0, 1}]
		require.NotNil(t, d)
		assert.True(t, d.complete)
		for off, c := range d.covered {
			assert.Equal(t, off >= 200, c, "byte %d", off)
		}
		assert.True(t, s.ImageDone())
	})

	t.Run("Packet Instructions Before First Batch", func(t *testing.T) {
		fs := simpleStream(Point{64, 64}, 2, 3, 100, 50, 20)
		s := newTestServer(t, newFakeTarget(fs))

		instr := []ModelInstruction{{Class: ClassPrecinct, Stream: 0, BinID: 1, Kind: HaveLayers, Count: 2}}
		require.NoError(t, s.SetWindow(0, fullWindow(fs), instr))
		chunks, err := s.GenerateIncrements(0, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, chunks)
		assert.Contains(t, s.DumpModel(), "precinct stream=0 tile=0 comp=0 res=1 at=0,0 packets=2")
	})

	t.Run("Complete Declaration Finishes Image", func(t *testing.T) {
		fs := simpleStream(Point{64, 64}, 2, 1, 100, 50, 20)
		s := newTestServer(t, newFakeTarget(fs))

		require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
		chunks, err := s.GenerateIncrements(0, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, chunks)

		instr := []ModelInstruction{
			{Class: ClassMainHeader, Kind: HaveComplete},
			{Class: ClassTileHeader, BinID: 0, Kind: HaveComplete},
			{Class: ClassPrecinct, BinID: 0, Kind: HaveComplete},
			{Class: ClassPrecinct, BinID: 1, Kind: HaveComplete},
		}
		require.NoError(t, s.SetWindow(0, fullWindow(fs), instr))
		body, _ := drain(t, s, 0, 4000, 8000)
		assert.Empty(t, body)
		assert.True(t, s.ImageDone())
	})

	t.Run("Lack Bytes Reopens Unit", func(t *testing.T) {
		fs := simpleStream(Point{64, 64}, 1, 1, 100, 50, 20)
		s := newTestServer(t, newFakeTarget(fs))

		require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
		drain(t, s, 0, 4000, 8000)
		require.True(t, s.ImageDone())

		instr := []ModelInstruction{{Class: ClassMainHeader, Kind: LackBytes, Count: 21}}
		require.NoError(t, s.SetWindow(0, fullWindow(fs), instr))
		assert.False(t, s.ImageDone())

		body, _ := drain(t, s, 0, 4000, 8000)
		recs := decodeBodies(t, body, s.cfg.ChunkBodyBytes)
		require.Len(t, recs, 1)
		assert.Equal(t, ClassMainHeader, recs[0].Class)
		assert.Equal(t, int64(20), recs[0].Offset)
		assert.Len(t, recs[0].Data, 30)
		assert.True(t, recs[0].Complete)
		assert.True(t, s.ImageDone())
	})

	t.Run("Unknown Targets Are Ignored", func(t *testing.T) {
		fs := simpleStream(Point{64, 64}, 1, 1, 100, 50, 20)
		s := newTestServer(t, newFakeTarget(fs))

		instr := []ModelInstruction{
			{Class: ClassMainHeader, Stream: 7, Kind: HaveComplete},
			{Class: ClassMeta, BinID: 3, Kind: HaveComplete},
			{Class: ClassTileHeader, Stream: 0, BinID: 9, Kind: HaveComplete},
		}
		require.NoError(t, s.SetWindow(0, fullWindow(fs), instr))
		body, _ := drain(t, s, 0, 4000, 8000)
		assert.NotEmpty(t, body)
		assert.True(t, s.ImageDone())
	})
}

func TestAbandonedChunksAreResent(t *testing.T) {
	fs := simpleStream(Point{64, 64}, 2, 3, 100, 50, 20)
	ft := newFakeTarget(fs)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := newTestServer(t, ft, WithMetrics(m))

	require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
	chunks, err := s.GenerateIncrements(0, 1<<20, 1<<20)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	require.True(t, s.ImageDone())

	for _, c := range chunks {
		c.Abandoned = true
	}
	s.ReleaseChunks(chunks, true)
	assert.False(t, s.ImageDone())
	assert.Empty(t, s.DumpModel(), "every delivered byte was lost")
	assert.Equal(t, float64(len(chunks)), testutil.ToFloat64(m.abandoned))

	body, batches := drain(t, s, 0, 1<<20, 1<<20)
	requireDelivered(t, s, ft, decodeBodies(t, body, s.cfg.ChunkBodyBytes))
	assert.True(t, s.ImageDone())
	// The first batch, the redelivery and the empty batch that ends the drain.
	assert.Equal(t, float64(batches+2), testutil.ToFloat64(m.batches))
}

func TestAbandonedMiddleChunkLeavesHoles(t *testing.T) {
	fs := simpleStream(Point{64, 64}, 1, 1, 2000, 10, 10)
	ft := newFakeTarget(fs)
	cfg := DefaultConfig()
	cfg.ChunkBodyBytes = 512
	cfg.DecoupleChunks = true
	s := newTestServer(t, ft, WithConfig(cfg))

	require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
	chunks, err := s.GenerateIncrements(0, 1<<20, 1<<20)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)
	lost := decodeBodies(t, bytes.Clone(chunks[1].Body()), cfg.ChunkBodyBytes)
	require.NotEmpty(t, lost)

	chunks[1].Abandoned = true
	s.ReleaseChunks(chunks, true)
	assert.False(t, s.ImageDone())
	assert.Contains(t, s.DumpModel(), "span=2000 complete holes=[")

	body, _ := drain(t, s, 0, 1<<20, 1<<20)
	resent := decodeBodies(t, body, cfg.ChunkBodyBytes)
	require.NotEmpty(t, resent)
	for _, r := range resent {
		assert.Equal(t, ClassPrecinct, r.Class)
	}
	key := recKey{ClassPrecinct, 0, 0}
	want, got := deliveries(lost)[key], deliveries(resent)[key]
	require.NotNil(t, want)
	require.NotNil(t, got)
	assert.Equal(t, want.covered, got.covered, "exactly the lost range is resent")
	assert.Equal(t, want.data, got.data)
	assert.True(t, s.ImageDone())
}

func TestReleaseWithoutCheckKeepsModel(t *testing.T) {
	fs := simpleStream(Point{64, 64}, 1, 1, 100, 50, 20)
	s := newTestServer(t, newFakeTarget(fs))

	require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
	chunks, err := s.GenerateIncrements(0, 4000, 8000)
	require.NoError(t, err)
	for _, c := range chunks {
		c.Abandoned = true
	}
	s.ReleaseChunks(chunks, false)
	assert.True(t, s.ImageDone())
}

func TestStatelessMode(t *testing.T) {
	fs := simpleStream(Point{64, 64}, 2, 2, 100, 50, 20)
	cfg := DefaultConfig()
	cfg.Stateless = true
	ft := newFakeTarget(fs)
	s := newTestServer(t, ft, WithConfig(cfg))

	require.ErrorIs(t, s.SetWindow(1, fullWindow(fs), nil), ErrUnknownContext)

	require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
	first, _ := drain(t, s, 0, 4000, 8000)
	assert.True(t, s.ImageDone())

	// Every window change starts from an empty model.
	require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
	assert.False(t, s.ImageDone())
	second, _ := drain(t, s, 0, 4000, 8000)
	assert.Equal(t, first, second)
	assert.True(t, s.ImageDone())

	// Lost chunks do not touch the model.
	require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
	chunks, err := s.GenerateIncrements(0, 1<<20, 1<<20)
	require.NoError(t, err)
	for _, c := range chunks {
		c.Abandoned = true
	}
	s.ReleaseChunks(chunks, true)
	assert.NotEmpty(t, s.DumpModel())
	assert.Equal(t, 1, ft.streamInfoCalls, "erasing keeps structure")
}

func TestWindowShrinking(t *testing.T) {
	fs := simpleStream(Point{4096, 4096}, 4, 1, 10, 10, 10)
	cfg := DefaultConfig()
	cfg.MaxWindowSamples = 1 << 16
	s := newTestServer(t, newFakeTarget(fs), WithConfig(cfg))

	w := fullWindow(fs)
	require.NoError(t, s.SetWindow(0, w, nil))
	got, ok := s.GetWindow(0)
	require.True(t, ok)
	assert.Less(t, got.Region.Area(), w.Region.Area())
	assert.True(t, w.Region.Contains(got.Region))
	centre := Point{got.Region.Pos.X + got.Region.Size.X/2, got.Region.Pos.Y + got.Region.Size.Y/2}
	assert.InDelta(t, 2048, centre.X, 2)
	assert.InDelta(t, 2048, centre.Y, 2)

	w.FullWindow = true
	require.NoError(t, s.SetWindow(0, w, nil))
	got, ok = s.GetWindow(0)
	require.True(t, ok)
	assert.Equal(t, w.Region, got.Region)

	_, ok = s.GetWindow(5)
	assert.False(t, ok)
}

func TestPushExtraData(t *testing.T) {
	fs := simpleStream(Point{64, 64}, 1, 1, 100, 50, 20)
	cfg := DefaultConfig()
	cfg.ChunkBodyBytes = 256
	s := newTestServer(t, newFakeTarget(fs), WithConfig(cfg))

	require.ErrorIs(t, s.PushExtraData(0, []byte("x")), ErrUnknownContext)
	require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))

	extra := make([]byte, 300)
	for i := range extra {
		extra[i] = byte(i)
	}
	require.NoError(t, s.PushExtraData(0, extra))

	chunks, err := s.GenerateIncrements(0, 4000, 8000)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)
	assert.Equal(t, extra[:256], chunks[0].Body())
	assert.Equal(t, extra[256:], chunks[1].Body())

	recs := decodeBodies(t, bodies(chunks[2:]), cfg.ChunkBodyBytes)
	assert.NotEmpty(t, recs)
	s.ReleaseChunks(chunks, false)
}

func TestChunkPrefix(t *testing.T) {
	fs := simpleStream(Point{64, 64}, 1, 1, 100, 50, 20)
	cfg := DefaultConfig()
	cfg.ChunkPrefixBytes = 12
	s := newTestServer(t, newFakeTarget(fs), WithConfig(cfg))

	require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
	chunks, err := s.GenerateIncrements(0, 4000, 8000)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.Len(t, c.Prefix(), 12)
		assert.Equal(t, make([]byte, 12), c.Prefix())
		assert.Equal(t, c.Len(), len(c.Prefix())+len(c.Body()))
		assert.LessOrEqual(t, len(c.Body()), cfg.ChunkBodyBytes)
	}
	s.ReleaseChunks(chunks, false)
}

func TestGenerateErrors(t *testing.T) {
	t.Run("Chunk Too Small", func(t *testing.T) {
		// Each continuation of the 100 byte precinct leaves at most 94
		// bytes for data, short of the 95 byte minimum fragment.
		fs := simpleStream(Point{64, 64}, 1, 1, 100, 50, 20)
		cfg := DefaultConfig()
		cfg.ChunkBodyBytes = 100
		cfg.MinSplitBytes = 95
		s := newTestServer(t, newFakeTarget(fs), WithConfig(cfg))

		require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
		_, err := s.GenerateIncrements(0, 4000, 8000)
		require.ErrorIs(t, err, ErrChunkTooSmall)
		assert.Empty(t, s.DumpModel(), "a failed batch leaves the model untouched")
		assert.Zero(t, s.chunks.leased)
	})

	t.Run("Read Failure Rolls Back", func(t *testing.T) {
		fs := simpleStream(Point{64, 64}, 2, 2, 100, 50, 20)
		ft := newFakeTarget(fs)
		s := newTestServer(t, ft, WithByteCache(-1))

		require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
		ft.failRead = errors.New("disk on fire")
		_, err := s.GenerateIncrements(0, 4000, 8000)
		require.ErrorIs(t, err, ft.failRead)
		assert.Empty(t, s.DumpModel())
		assert.False(t, s.ImageDone())

		ft.failRead = nil
		body, _ := drain(t, s, 0, 4000, 8000)
		requireDelivered(t, s, ft, decodeBodies(t, body, s.cfg.ChunkBodyBytes))
	})

	t.Run("Short Read", func(t *testing.T) {
		fs := simpleStream(Point{64, 64}, 1, 1, 100, 50, 20)
		ft := newFakeTarget(fs)
		ft.shortReads = true
		s := newTestServer(t, ft)

		require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
		_, err := s.GenerateIncrements(0, 4000, 8000)
		require.ErrorIs(t, err, ErrShortRead)
	})

	t.Run("Bad Tile Structure", func(t *testing.T) {
		fs := simpleStream(Point{64, 64}, 2, 2, 100, 50, 20)
		fs.tile.NumLayers = 5
		s := newTestServer(t, newFakeTarget(fs))

		require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
		_, err := s.GenerateIncrements(0, 4000, 8000)
		var se *StructureError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, 0, se.Tile)
		assert.ErrorIs(t, err, ErrMalformedStructure)
	})

	t.Run("Decreasing Packet Boundaries", func(t *testing.T) {
		fs := simpleStream(Point{64, 64}, 1, 2, 100, 50, 20)
		s := newTestServer(t, &negativePacketTarget{newFakeTarget(fs)})

		require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
		_, err := s.GenerateIncrements(0, 4000, 8000)
		require.ErrorIs(t, err, ErrMalformedStructure)
	})

	t.Run("Unknown Context", func(t *testing.T) {
		s := newTestServer(t, newFakeTarget(simpleStream(Point{8, 8}, 1, 1, 1, 1, 1)))
		_, err := s.GenerateIncrements(3, 100, 100)
		require.ErrorIs(t, err, ErrUnknownContext)
		_, err = s.ContextInfo(3)
		require.ErrorIs(t, err, ErrUnknownContext)
		require.ErrorIs(t, s.SetWindow(-1, Window{}, nil), ErrUnknownContext)
	})
}

// negativePacketTarget reports a second packet boundary below the first.
type negativePacketTarget struct{ *fakeTarget }

func (nt *negativePacketTarget) PacketBoundary(ref UnitRef, packets int) (int, bool, error) {
	if packets >= 2 {
		return 10, true, nil
	}
	return nt.fakeTarget.PacketBoundary(ref, packets)
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg := DefaultConfig()
	cfg.ChunkBodyBytes = 0
	_, err = NewServer(newFakeTarget(), WithConfig(cfg))
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "chunk_body_bytes", ce.Field)

	cfg.ChunkBodyBytes = 4
	_, err = NewServer(newFakeTarget(), WithConfig(cfg))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "chunk_body_bytes", ce.Field)

	ft := newFakeTarget()
	ft.noMetaTree = errors.New("no boxes")
	_, err = NewServer(ft)
	require.ErrorIs(t, err, ft.noMetaTree)

	ft = newFakeTarget().withMeta(MetaGroup{Key: 0, Length: 10, HeaderPrefix: 20})
	_, err = NewServer(ft)
	require.ErrorIs(t, err, ErrMalformedStructure)
}

func TestServerClose(t *testing.T) {
	fs := simpleStream(Point{64, 64}, 1, 1, 100, 50, 20)
	s, err := NewServer(newFakeTarget(fs))
	require.NoError(t, err)
	require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
	chunks, err := s.GenerateIncrements(0, 100, 200)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close is idempotent")
	_, err = s.GenerateIncrements(0, 100, 200)
	require.ErrorIs(t, err, ErrServerClosed)
	require.ErrorIs(t, s.SetWindow(0, fullWindow(fs), nil), ErrServerClosed)
	require.ErrorIs(t, s.PushExtraData(0, []byte{1}), ErrServerClosed)

	s.ReleaseChunks(chunks, true)
	assert.Zero(t, s.chunks.leased)
}

func TestContextInfo(t *testing.T) {
	fs := tiledStream()
	s := newTestServer(t, newFakeTarget(fs))

	require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
	require.NoError(t, s.SetWindow(1, fullWindow(fs), nil))
	a, err := s.ContextInfo(0)
	require.NoError(t, err)
	b, err := s.ContextInfo(1)
	require.NoError(t, err)
	assert.NotEqual(t, a.ChannelID, b.ChannelID)
	assert.Equal(t, 1, a.Windows)
	assert.True(t, a.Pending)

	chunks, err := s.GenerateIncrements(0, 200, 400)
	require.NoError(t, err)
	s.ReleaseChunks(chunks, false)
	a, err = s.ContextInfo(0)
	require.NoError(t, err)
	assert.Positive(t, a.ActiveRefs)

	s.WindowFinished(0)
	_, err = s.ContextInfo(0)
	require.ErrorIs(t, err, ErrUnknownContext)
	s.WindowFinished(0)
}

func TestStreamLifecycle(t *testing.T) {
	t.Run("Attach Lock And Detach", func(t *testing.T) {
		fs := simpleStream(Point{64, 64}, 1, 1, 100, 50, 20)
		lt := newLifecycleTarget(newFakeTarget(fs))
		s := newTestServer(t, lt)

		require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
		assert.Equal(t, 1, lt.attached[0])
		drain(t, s, 0, 4000, 8000)
		assert.Zero(t, lt.locked[0], "locks are released after every batch")

		s.WindowFinished(0)
		assert.Zero(t, lt.attached[0], "idle codestreams are detached")

		require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
		assert.Equal(t, 1, lt.attached[0])
		assert.Equal(t, 2, lt.attaches)
		assert.True(t, s.ImageDone(), "reattaching keeps the model")
	})

	t.Run("Lock Failure", func(t *testing.T) {
		fs := simpleStream(Point{64, 64}, 1, 1, 100, 50, 20)
		lt := newLifecycleTarget(newFakeTarget(fs))
		lt.failLock = errors.New("busy")
		s := newTestServer(t, lt)

		require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
		_, err := s.GenerateIncrements(0, 4000, 8000)
		require.ErrorIs(t, err, lt.failLock)
		assert.Empty(t, s.DumpModel())
	})

	t.Run("Structure Mismatch On Reattach", func(t *testing.T) {
		fs := simpleStream(Point{64, 64}, 1, 1, 100, 50, 20)
		ft := newFakeTarget(fs)
		ft.mutateAfter = func(_ int, info *StreamInfo) { info.MaxLayers = 3 }
		lt := newLifecycleTarget(ft)
		s := newTestServer(t, lt)

		require.NoError(t, s.SetWindow(0, fullWindow(fs), nil))
		s.WindowFinished(0)
		err := s.SetWindow(0, fullWindow(fs), nil)
		var se *StructureError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, 0, se.Stream)
		assert.Zero(t, lt.attached[0])
	})
}

func TestMultipleCodestreams(t *testing.T) {
	a := simpleStream(Point{64, 64}, 2, 2, 60, 30, 10)
	b := simpleStream(Point{32, 32}, 1, 1, 80, 40, 10)
	ft := newFakeTarget(a, b)
	s := newTestServer(t, ft)

	w := Window{Region: Rect{Size: Point{64, 64}}, Codestreams: []int{1, 0, 1, 9}}
	require.NoError(t, s.SetWindow(0, w, nil))
	info, err := s.ContextInfo(0)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Windows, "duplicates and unknown codestreams are dropped")

	body, _ := drain(t, s, 0, 300, 600)
	requireDelivered(t, s, ft, decodeBodies(t, body, s.cfg.ChunkBodyBytes))
	assert.True(t, s.ImageDone())
}
