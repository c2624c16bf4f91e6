// generate.go
//
// Increment generation. The generator alternates between sequencing the
// context's windows, simulating a batch and replaying the simulator's
// decisions as increment records: an id header naming the data unit, the
// VBAS byte offset and length, then the raw bytes. Records are packed into
// fixed-size chunks and split across chunks when a unit's range does not
// fit. This is the only place the durable cache model advances.

package jpipserve

import "fmt"

// writer packs increment records into the chunks of one generate call.
type writer struct {
	s      *Server
	chunks []*Chunk
	// first is the index of the first chunk produced by this call.
	first int
}

func (w *writer) tail() *Chunk { return w.chunks[len(w.chunks)-1] }

func (w *writer) newChunk() *Chunk {
	c := w.s.chunks.get()
	w.chunks = append(w.chunks, c)
	if w.s.cfg.DecoupleChunks {
		w.s.ids.decouple()
	}
	return c
}

// unitSource describes the data unit a range of bytes is written for.
type unitSource struct {
	ref       UnitRef
	wireID    int64
	binOffset int
	total     int
	cached    bool
}

// writeRange writes [start, start+n) of a unit as one or more messages.
// final sets the completion bit on the last of them. A zero-length range
// still produces a message so that completion can be signalled. It returns
// the number of chunk bytes used.
func (w *writer) writeRange(u *unitSource, cr chunkRef, start, n int, final bool) (int, error) {
	s := w.s
	body := s.cfg.ChunkBodyBytes
	split := s.cfg.splitBytes()
	stream := u.ref.Stream
	if u.ref.Class == ClassMeta {
		stream = 0
	}
	written := 0
	wrote := false
	for n > 0 || !wrote {
		c := w.tail()
		hdr := s.ids.size(u.ref.Class, stream, u.wireID) +
			vbasLen(int64(start+u.binOffset)) + vbasLen(int64(n))
		xfer := c.room() - hdr
		if xfer >= n {
			xfer = n
		} else if xfer < split || (xfer < body>>1 && n <= body) {
			if c.empty() {
				return written, ErrChunkTooSmall
			}
			c.limit = len(c.data)
			w.newChunk()
			continue
		}

		used := len(c.data)
		cr.start, cr.n = start, xfer
		c.refs = append(c.refs, cr)
		c.data = s.ids.encode(c.data, u.ref.Class, stream, u.wireID, final && xfer == n)
		c.data = appendVBAS(c.data, int64(start+u.binOffset))
		c.data = appendVBAS(c.data, int64(xfer))
		off := len(c.data)
		c.data = c.data[:off+xfer]
		if xfer > 0 {
			var got int
			var err error
			if u.cached {
				got, err = s.bytes.read(s.tgt, u.ref, u.total, start, c.data[off:])
			} else {
				got, err = s.tgt.ReadUnit(u.ref, start, c.data[off:])
			}
			if err != nil {
				return written, fmt.Errorf("read %s at %d: %w", u.ref, start, err)
			}
			if got != xfer {
				return written, fmt.Errorf("read %s at %d: got %d of %d bytes: %w", u.ref, start, got, xfer, ErrShortRead)
			}
		}
		wrote = true
		start += xfer
		n -= xfer
		written += len(c.data) - used
		if n > 0 {
			w.newChunk()
		}
	}
	return written, nil
}

// takeIncrement removes the next range the simulator scheduled from the
// durable record and returns it. Holes are filled first, lowest first; then
// the frontier advances to simSpan.
func (st *spanState) takeIncrement(hp *holePool, simSpan int, simComplete bool) (start, n int, final bool) {
	for st.holes != noHoles {
		h := hp.node(st.holes)
		if simSpan <= int(h.start) {
			break
		}
		start = int(h.start)
		lim := simSpan
		if lim >= int(h.lim) {
			lim = int(h.lim)
			next := h.next
			hp.free(st.holes)
			st.holes = next
		} else {
			h.start = int32(lim)
		}
		if n = lim - start; n > 0 {
			return start, n, false
		}
	}
	start = st.span
	n = max(simSpan-start, 0)
	st.span = max(st.span, simSpan)
	st.complete = simComplete
	return start, n, simComplete
}

// emitUnit writes everything pending for a header or metadata unit.
func (w *writer) emitUnit(m *unitModel, u *unitSource, cr chunkRef) (int, error) {
	hp := &w.s.holes
	total := 0
	for m.pending(hp) {
		start, n, final := m.takeIncrement(hp, m.simSpan, m.simComplete)
		k, err := w.writeRange(u, cr, start, n, final)
		total += k
		if err != nil {
			m.abandon(hp, start, start+n)
			m.syncSim(hp)
			return total, err
		}
	}
	return total, nil
}

// emitPrecinct writes everything pending for a promoted precinct and
// refreshes its packet accounting.
func (w *writer) emitPrecinct(a *activePrecinct, cr chunkRef) (int, error) {
	s := w.s
	hp := &s.holes
	st := &a.state
	u := &unitSource{ref: a.ref, wireID: a.ref.BinID}
	total := 0
	for a.pending(hp) {
		start, n, final := st.takeIncrement(hp, a.simSpan, a.simComplete)
		k, err := w.writeRange(u, cr, start, n, final)
		total += k
		if err != nil {
			st.abandon(hp, start, start+n)
			a.invalidate()
			return total, err
		}
	}
	k, cum, err := s.packetsWithin(a.ref, a.bounds, st.firstGap(hp), a.maxPackets)
	if err != nil {
		a.invalidate()
		return total, err
	}
	a.numPackets, a.numPacketBytes = k, cum
	return total, nil
}

// emit writes the increments the last simulation scheduled for r, keeping
// the completion tallies current.
func (w *writer) emit(r *activeRef) (int, error) {
	s := w.s
	switch r.class() {
	case ClassMeta:
		n := &s.meta.nodes[r.meta]
		was := s.meta.binComplete(r.meta)
		u := &unitSource{ref: n.unitRef(), wireID: n.binID, binOffset: n.binOffset, total: n.group.Length, cached: true}
		k, err := w.emitUnit(&n.model, u, chunkRef{class: ClassMeta, meta: r.meta})
		s.meta.settle(r.meta, was)
		return k, err
	case ClassPrecinct:
		a := r.prec
		rp := a.res
		t := rp.tc.t
		wt := s.watch(t.st, t)
		was := a.state.isComplete()
		cr := chunkRef{class: ClassPrecinct, stream: t.st.id, tile: t.num, comp: rp.tc.c, res: rp.r, p: a.idx, meta: -1}
		k, err := w.emitPrecinct(a, cr)
		s.precinctSettled(t, was, a.state.isComplete())
		s.settle(wt)
		return k, err
	default:
		m := r.headerModel()
		wt := s.watch(r.st, r.t)
		ref := UnitRef{Class: r.class(), Stream: r.st.id, Tile: -1}
		var wire int64
		tnum := -1
		if r.t != nil {
			ref.Tile = r.t.num
			wire = int64(r.t.num)
			tnum = r.t.num
		}
		u := &unitSource{ref: ref, wireID: wire, total: m.total, cached: true}
		k, err := w.emitUnit(m, u, chunkRef{class: ref.Class, stream: r.st.id, tile: tnum, meta: -1})
		s.settle(wt)
		return k, err
	}
}

// generate produces the chunks of one batch for the context.
func (ctx *windowContext) generate(suggested, maxBytes int) (out []*Chunk, err error) {
	s := ctx.s
	w := &writer{s: s, chunks: ctx.extra}
	extra := ctx.extra
	ctx.extra = nil
	w.first = len(w.chunks)
	s.ids.decouple()
	w.chunks = append(w.chunks, s.chunks.get())

	defer ctx.unlockStreams()
	defer func() {
		if err == nil {
			return
		}
		generated := w.chunks[w.first:]
		for _, c := range generated {
			c.Abandoned = true
		}
		s.release(generated, true)
		ctx.extra = extra
		out = nil
	}()

	if ctx.hasPending || ctx.updateMeta {
		if err = ctx.sequence(); err != nil {
			return nil, err
		}
	}
	if maxBytes <= 0 {
		return w.finish(), nil
	}
	suggested = min(suggested, maxBytes)

	truncated := false
	for (len(ctx.active) > 0 || ctx.sweepNext >= 0 || ctx.metaSweep) && suggested > 0 && !truncated {
		if len(ctx.active) == 0 || ctx.binsCompleted || ctx.rateReached {
			if !ctx.binsCompleted {
				ctx.markContentIncomplete()
			}
			if err = ctx.sequence(); err != nil {
				return nil, err
			}
			continue
		}
		if err = ctx.lockStreams(); err != nil {
			return nil, err
		}

		simulated, serr := ctx.simulate(suggested, maxBytes)
		if serr != nil {
			return nil, serr
		}
		hard := simulated == maxBytes
		truncated = simulated >= suggested
		if simulated == 0 {
			if ctx.binsCompleted || ctx.rateReached {
				continue
			}
			break
		}

		for _, r := range ctx.active {
			n, eerr := w.emit(r)
			suggested -= n
			maxBytes -= n
			if eerr != nil {
				return nil, eerr
			}
		}
		if hard {
			suggested, maxBytes = 0, 0
		}
	}
	return w.finish(), nil
}

// finish drops trailing empty chunks and returns the output list.
func (w *writer) finish() []*Chunk {
	for len(w.chunks) > w.first {
		c := w.tail()
		if !c.empty() {
			break
		}
		w.s.chunks.put(c)
		w.chunks = w.chunks[:len(w.chunks)-1]
	}
	return w.chunks
}

// lockStreams locks every active codestream not yet locked for this call.
func (ctx *windowContext) lockStreams() error {
	life := ctx.s.life
	for _, st := range ctx.actStreams {
		if st.locked {
			continue
		}
		if life != nil {
			if err := life.LockStream(st.id); err != nil {
				return fmt.Errorf("lock codestream %d: %w", st.id, err)
			}
		}
		st.locked = true
		ctx.locked = append(ctx.locked, st)
	}
	return nil
}

func (ctx *windowContext) unlockStreams() {
	life := ctx.s.life
	for _, st := range ctx.locked {
		st.locked = false
		if life != nil {
			life.UnlockStream(st.id)
		}
	}
	ctx.locked = ctx.locked[:0]
}
