// sync.go
//
// Cache-model synchronization outside the generate path: model instructions
// declared by the client, the loss of chunks reported by the transport and
// the erasure of the whole model in stateless mode. Every mutation that can
// change a completion tally is bracketed by watch and settle.

package jpipserve

// InstructionKind is the statement a ModelInstruction makes about one data
// unit.
type InstructionKind uint8

const (
	// HaveComplete: the client holds the whole unit.
	HaveComplete InstructionKind = iota

	// HaveBytes: the client holds at least the first Count bytes.
	HaveBytes

	// LackBytes: the client holds fewer than Count bytes.
	LackBytes

	// HaveLayers: the client holds at least Count packets of a precinct.
	HaveLayers

	// LackLayers: the client holds fewer than Count packets of a precinct.
	LackLayers
)

var kindNames = [...]string{"complete", "have-bytes", "lack-bytes", "have-layers", "lack-layers"}

func (k InstructionKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(?)"
}

// additive reports whether the statement can only add to the model.
func (k InstructionKind) additive() bool {
	return k == HaveComplete || k == HaveBytes || k == HaveLayers
}

// ModelInstruction is one client statement about its cache. BinID is the
// in-class identifier used on the wire: the tile index for tile headers,
// the unique precinct id for precincts and the bin id for metadata. Stream
// is ignored for metadata.
type ModelInstruction struct {
	Class  UnitClass       `yaml:"class"`
	Stream int             `yaml:"stream"`
	BinID  int64           `yaml:"bin"`
	Kind   InstructionKind `yaml:"kind"`
	Count  int             `yaml:"count"`
}

// completion snapshots the completion state of a stream and optionally one
// of its tiles.
type completion struct {
	st     *stream
	t      *tile
	tile   bool
	stream bool
}

func (s *Server) watch(st *stream, t *tile) completion {
	w := completion{st: st, t: t, stream: st.isComplete()}
	if t != nil {
		w.tile = t.isComplete()
	}
	return w
}

// precinctSettled adjusts a tile's completed precinct count after a
// precinct changed from was to is.
func (s *Server) precinctSettled(t *tile, was, is bool) {
	switch {
	case is && !was:
		t.completedPrecincts++
	case was && !is:
		t.completedPrecincts--
	}
}

// settle adjusts the completed tile and stream tallies after a mutation
// observed by watch.
func (s *Server) settle(w completion) {
	st := w.st
	if w.t != nil {
		switch is := w.t.isComplete(); {
		case is && !w.tile:
			st.completedTiles++
		case w.tile && !is:
			st.completedTiles--
		}
	}
	switch is := st.isComplete(); {
	case is && !w.stream:
		s.completedStreams++
	case w.stream && !is:
		s.completedStreams--
	}
}

// settle adjusts the completed bin count after a mutation of the bin
// holding node i.
func (mt *metaTree) settle(i int, was bool) {
	switch is := mt.binComplete(i); {
	case is && !was:
		mt.completedBins++
	case was && !is:
		mt.completedBins--
	}
}

// applyHeader applies one instruction to a header model.
func (s *Server) applyHeader(m *unitModel, in ModelInstruction) {
	hp := &s.holes
	switch in.Kind {
	case HaveComplete:
		m.setComplete(hp)
	case HaveBytes:
		m.atLeastBytes(hp, in.Count)
	case LackBytes:
		m.atMostBytes(hp, in.Count-1)
	}
	m.syncSim(hp)
}

// distribute files instructions where they will be applied: metadata and
// the main headers of known codestreams at once, tile-level statements
// with their codestream until the tile is next touched, and statements
// about codestreams not yet opened until the codestream is created.
func (s *Server) distribute(instr []ModelInstruction) {
	for _, in := range instr {
		if in.Class == ClassMeta {
			s.applyMeta(in)
			continue
		}
		if in.Stream < 0 || in.Stream >= s.tgt.NumCodestreams() {
			s.log.Warn("model instruction for unknown codestream", "stream", in.Stream, "class", in.Class)
			continue
		}
		st := s.lookupStream(in.Stream)
		if st == nil {
			s.pending[in.Stream] = append(s.pending[in.Stream], in)
			continue
		}
		s.fileInstruction(st, in)
	}
}

// fileInstruction applies or queues one instruction for an existing stream.
func (s *Server) fileInstruction(st *stream, in ModelInstruction) {
	var tnum int64
	switch in.Class {
	case ClassMainHeader:
		w := s.watch(st, nil)
		s.applyHeader(&st.header, in)
		s.settle(w)
		return
	case ClassTileHeader:
		tnum = in.BinID
	case ClassPrecinct:
		tnum = in.BinID % int64(st.numTiles)
	default:
		s.log.Warn("model instruction for unknown class", "class", in.Class)
		return
	}
	if in.BinID < 0 || tnum >= int64(st.numTiles) {
		s.log.Warn("model instruction outside codestream", "stream", st.id, "class", in.Class, "bin", in.BinID)
		return
	}
	if st.instructions == nil {
		st.instructions = make(map[int][]ModelInstruction)
	}
	st.instructions[int(tnum)] = append(st.instructions[int(tnum)], in)
}

// applyTileInstructions applies queued statements to an expanded tile.
func (s *Server) applyTileInstructions(t *tile, instr []ModelInstruction) error {
	st := t.st
	for _, in := range instr {
		if in.Class == ClassTileHeader {
			w := s.watch(st, t)
			s.applyHeader(&t.header, in)
			s.settle(w)
			continue
		}
		rp, p, ok := t.locatePrecinct(in.BinID)
		if !ok {
			s.log.Warn("model instruction names no precinct", "stream", st.id, "tile", t.num, "bin", in.BinID)
			continue
		}
		var op precinctOp
		switch in.Kind {
		case HaveComplete:
			op = precinctComplete
		case HaveBytes:
			op = precinctAtLeastBytes(in.Count)
		case LackBytes:
			op = precinctFewerBytes(in.Count)
		case HaveLayers:
			op = precinctAtLeastPackets(in.Count)
		case LackLayers:
			op = precinctFewerPackets(in.Count)
		default:
			continue
		}
		if err := s.applyPrecinct(rp, p, op); err != nil {
			return err
		}
	}
	return nil
}

// locatePrecinct inverts resolution.precinctID for a tile.
func (t *tile) locatePrecinct(id int64) (*resolution, Point, bool) {
	st := t.st
	rest := id / int64(st.numTiles)
	c := int(rest % int64(st.info.NumComponents))
	seq := rest / int64(st.info.NumComponents)
	if id%int64(st.numTiles) != int64(t.num) || c >= len(t.comps) {
		return nil, Point{}, false
	}
	for r := range t.comps[c].res {
		rp := &t.comps[c].res[r]
		n := rp.grid.Area()
		if seq < rp.pidBase || seq >= rp.pidBase+n {
			continue
		}
		off := int(seq - rp.pidBase)
		w := rp.grid.Size.X
		return rp, Point{rp.grid.Pos.X + off%w, rp.grid.Pos.Y + off/w}, true
	}
	return nil, Point{}, false
}

// flushInstructions applies the queued statements of tiles no window has
// reached, so that completion reflects everything the client declared.
// Purely subtractive statements about untouched tiles carry no information
// and are dropped.
func (s *Server) flushInstructions() error {
	for _, st := range s.streams {
		if st == nil || len(st.instructions) == 0 {
			continue
		}
		for tnum, instr := range st.instructions {
			additive := false
			for _, in := range instr {
				additive = additive || in.Kind.additive()
			}
			if !additive {
				delete(st.instructions, tnum)
				continue
			}
			st.expand()
			if err := s.touchTile(&st.tiles[tnum]); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyMeta applies one instruction to every group of a metadata bin.
func (s *Server) applyMeta(in ModelInstruction) {
	mt := s.meta
	head, ok := mt.binHead[in.BinID]
	if !ok {
		s.log.Warn("model instruction for unknown metadata bin", "bin", in.BinID)
		return
	}
	hp := &s.holes
	was := mt.binComplete(head)
	switch in.Kind {
	case HaveComplete:
		for i := head; i >= 0; i = mt.nodes[i].next {
			m := &mt.nodes[i].model
			m.markComplete(hp, m.total)
		}
	case HaveBytes:
		val := in.Count
		for i := head; i >= 0 && val > 0; i = mt.nodes[i].next {
			m := &mt.nodes[i].model
			m.atLeastBytes(hp, min(val, m.total))
			val -= m.total
		}
	case LackBytes:
		val := in.Count - 1
		for i := head; i >= 0; i = mt.nodes[i].next {
			m := &mt.nodes[i].model
			switch {
			case val <= 0:
				m.reset(hp)
			case val < m.span:
				m.atMostBytes(hp, val)
			}
			val -= m.total
		}
	}
	for i := head; i >= 0; i = mt.nodes[i].next {
		mt.nodes[i].model.syncSim(hp)
	}
	mt.settle(head, was)
}

// release hands chunks back to the free list. With checkAbandoned, the
// contents of chunks flagged Abandoned are rolled out of the cache model.
func (s *Server) release(chunks []*Chunk, checkAbandoned bool) {
	for _, c := range chunks {
		if c == nil {
			continue
		}
		if checkAbandoned && c.Abandoned && !s.cfg.Stateless {
			s.abandonChunk(c)
		}
		s.chunks.put(c)
	}
}

func (s *Server) abandonChunk(c *Chunk) {
	metaLost := false
	for _, cr := range c.refs {
		// A zero-length record carried only the completion flag; losing it
		// still clears completion.
		if cr.n < 0 {
			continue
		}
		if cr.class == ClassMeta {
			s.abandonMeta(cr)
			metaLost = true
			continue
		}
		if err := s.abandonStream(cr); err != nil {
			s.log.Warn("abandoned increment could not be rolled back", "stream", cr.stream, "error", err)
		}
	}
	if metaLost {
		for _, ctx := range s.contexts {
			ctx.metaSweep = true
		}
	}
	if s.metrics != nil {
		s.metrics.abandoned.Inc()
	}
	s.log.Debug("chunk abandoned", "records", len(c.refs), "bytes", c.Len())
}

func (s *Server) abandonMeta(cr chunkRef) {
	mt := s.meta
	hp := &s.holes
	n := &mt.nodes[cr.meta]
	was := mt.binComplete(cr.meta)
	lim := cr.start + cr.n
	if lim < n.model.span || (n.next >= 0 && mt.nodes[n.next].model.span > 0) {
		n.model.addHole(hp, cr.start, lim)
		n.model.syncSim(hp)
	} else {
		start := cr.start
		for i := cr.meta; i >= 0; i = mt.nodes[i].next {
			m := &mt.nodes[i].model
			m.atMostBytes(hp, start)
			m.syncSim(hp)
			start = 0
		}
	}
	mt.settle(cr.meta, was)
}

// abandonStream rolls back a codestream record and re-arms every window
// sweep that may already have passed the unit.
func (s *Server) abandonStream(cr chunkRef) error {
	st := s.lookupStream(cr.stream)
	if st == nil {
		return nil
	}
	for _, cw := range st.windows {
		cw.fullyDispatched = false
		cw.contentIncomplete = true
		if ctx := cw.ctx; ctx.sweepNext < 0 {
			for i, other := range ctx.windows {
				if other == cw {
					ctx.sweepNext = i
					break
				}
			}
		}
	}

	hp := &s.holes
	lim := cr.start + cr.n
	if cr.class == ClassMainHeader {
		w := s.watch(st, nil)
		st.header.abandon(hp, cr.start, lim)
		st.header.syncSim(hp)
		s.settle(w)
		return nil
	}
	if !st.expanded() || cr.tile < 0 || cr.tile >= st.numTiles {
		return nil
	}
	t := &st.tiles[cr.tile]
	if !t.expanded {
		return nil
	}
	if cr.class == ClassTileHeader {
		w := s.watch(st, t)
		t.header.abandon(hp, cr.start, lim)
		t.header.syncSim(hp)
		s.settle(w)
		return nil
	}
	if cr.comp >= len(t.comps) || cr.res >= len(t.comps[cr.comp].res) {
		return nil
	}
	rp := &t.comps[cr.comp].res[cr.res]
	if rp.lookupPrecinct(cr.p) == nil {
		return nil
	}
	return s.applyPrecinct(rp, cr.p, precinctAbandon(cr.start, lim))
}

// eraseModel forgets everything the client was assumed to hold. Stateless
// sessions call it on every window change. Structure fetched from the
// Target is kept.
func (s *Server) eraseModel() {
	hp := &s.holes
	for _, ctx := range s.contexts {
		s.releaseRefs(ctx.active)
		ctx.active, ctx.numMeta = nil, 0
		ctx.restart()
	}
	for _, st := range s.streams {
		if st == nil {
			continue
		}
		st.header.reset(hp)
		st.header.syncSim(hp)
		st.instructions = nil
		st.completedTiles = 0
		for n := range st.tiles {
			t := &st.tiles[n]
			t.header.reset(hp)
			t.header.syncSim(hp)
			t.completedPrecincts = 0
			for c := range t.comps {
				for r := range t.comps[c].res {
					rp := &t.comps[c].res[r]
					for i := range rp.precincts {
						m := &rp.precincts[i]
						m.state().reset(hp)
						m.touched()
					}
				}
			}
		}
	}
	for i := range s.meta.nodes {
		m := &s.meta.nodes[i].model
		m.reset(hp)
		m.syncSim(hp)
	}
	s.meta.completedBins = 0
	s.completedStreams = 0
	clear(s.pending)
	s.statelessDone = false
}
