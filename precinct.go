package jpipserve

// activePrecinct is the promoted form of a precinct cache model. It exists
// while at least one active reference names the precinct and carries, next
// to the durable state moved out of the passive model, the packet
// accounting and simulation scratch used while batches are assembled.
type activePrecinct struct {
	slot  int32
	model *precinctModel
	res   *resolution
	idx   Point
	ref   UnitRef

	// state is the durable record; the passive model's inline copy is
	// unused while the precinct is promoted.
	state spanState

	// refs counts the active references pointing here.
	refs int

	// loaded is false until the packet accounting and scratch below have
	// been derived from state.
	loaded bool

	// numPackets whole packets, numPacketBytes bytes, are held by the
	// client below the first gap.
	numPackets     int
	numPacketBytes int

	simSpan        int
	simComplete    bool
	simPackets     int
	simPacketBytes int

	// hdrThreshold is the byte position up to which the header cost of the
	// increment being simulated has already been charged; -1 when no
	// message is open.
	hdrThreshold int

	// maxIDLen is a conservative message header id length; 0 until known.
	maxIDLen int

	samples    int64
	maxPackets int
	bounds     *packetBounds
}

func (a *activePrecinct) invalidate() { a.loaded = false }

// pending reports whether the simulator scheduled work for this precinct
// that the generator has not yet written.
func (a *activePrecinct) pending(hp *holePool) bool {
	st := &a.state
	if a.simSpan > st.span || (a.simComplete && !st.complete) {
		return true
	}
	start, _, ok := hp.first(st.holes)
	return ok && a.simSpan > start
}

// activate promotes precinct p of rp, or adds a reference to an existing
// promotion. The durable state moves into the active record unchanged.
func (s *Server) activate(rp *resolution, p Point) *activePrecinct {
	m := rp.precinctAt(p)
	if a := m.active; a != nil {
		a.refs++
		return a
	}
	slot, a := s.actives.get()
	a.slot = slot
	a.model = m
	a.res = rp
	a.idx = p
	a.ref = rp.unitRef(p)
	a.state = m.inline
	m.inline = spanState{}
	a.maxPackets = rp.tc.t.layers
	a.samples = rp.precinctRect(p).Area()
	a.bounds = s.bounds.get(precinctKey{stream: a.ref.Stream, id: a.ref.BinID})
	a.hdrThreshold = -1
	a.refs = 1
	m.active = a
	return a
}

// deactivate drops one reference; the last one demotes the precinct back
// to its passive form.
func (s *Server) deactivate(a *activePrecinct) {
	a.refs--
	if a.refs > 0 {
		return
	}
	m := a.model
	m.inline = a.state
	m.active = nil
	s.actives.put(a.slot)
}

// packetBoundary returns the cumulative byte count of the first k packets.
func (s *Server) packetBoundary(ref UnitRef, pb *packetBounds, k, maxPackets int) (int, bool, error) {
	if k <= 0 {
		return 0, true, nil
	}
	k = min(k, maxPackets)
	if err := extendBounds(s.tgt, ref, pb, k, maxPackets); err != nil {
		return 0, false, err
	}
	return pb.cum[k-1], pb.sig[k-1], nil
}

// packetsWithin returns the largest packet count whose data fits in the
// first n bytes, together with its byte boundary.
func (s *Server) packetsWithin(ref UnitRef, pb *packetBounds, n, maxPackets int) (int, int, error) {
	k, cum := 0, 0
	for k < maxPackets {
		next, _, err := s.packetBoundary(ref, pb, k+1, maxPackets)
		if err != nil {
			return 0, 0, err
		}
		if next > n {
			break
		}
		k++
		cum = next
	}
	return k, cum, nil
}

// normalize converts a packet-count record into a byte count.
func (s *Server) normalize(ref UnitRef, st *spanState, pb *packetBounds, maxPackets int) error {
	if st.span >= 0 {
		return nil
	}
	n, _, err := s.packetBoundary(ref, pb, -st.span, maxPackets)
	if err != nil {
		return err
	}
	st.span = n
	return nil
}

// load derives the packet accounting and resets the simulation scratch of
// a promoted precinct from its durable state.
func (s *Server) load(a *activePrecinct) error {
	st := &a.state
	if err := s.normalize(a.ref, st, a.bounds, a.maxPackets); err != nil {
		return err
	}
	a.simSpan = st.firstGap(&s.holes)
	k, cum, err := s.packetsWithin(a.ref, a.bounds, a.simSpan, a.maxPackets)
	if err != nil {
		return err
	}
	a.numPackets, a.numPacketBytes = k, cum
	a.simPackets, a.simPacketBytes = k, cum
	a.simComplete = st.complete
	a.hdrThreshold = -1
	a.loaded = true
	return nil
}

// precinctOp is one cache-model statement about a precinct.
type precinctOp func(s *Server, ref UnitRef, st *spanState, pb *packetBounds, layers int) error

// applyPrecinct runs op against the durable record of precinct p, keeping
// completion tallies and any promoted scratch state consistent.
func (s *Server) applyPrecinct(rp *resolution, p Point, op precinctOp) error {
	m := rp.precinctAt(p)
	t := rp.tc.t
	w := s.watch(t.st, t)
	was := m.isComplete()
	ref := rp.unitRef(p)
	pb := s.bounds.get(precinctKey{stream: ref.Stream, id: ref.BinID})
	if m.active != nil {
		pb = m.active.bounds
	}
	err := op(s, ref, m.state(), pb, t.layers)
	m.touched()
	s.precinctSettled(t, was, m.isComplete())
	s.settle(w)
	return err
}

func precinctAtLeastPackets(k int) precinctOp {
	return func(s *Server, ref UnitRef, st *spanState, pb *packetBounds, layers int) error {
		if k <= 0 || st.complete {
			return nil
		}
		if k >= layers {
			return precinctComplete(s, ref, st, pb, layers)
		}
		if st.span <= 0 && st.holes == noHoles {
			if -st.span < k {
				st.span = -k
			}
			return nil
		}
		if err := s.normalize(ref, st, pb, layers); err != nil {
			return err
		}
		n, _, err := s.packetBoundary(ref, pb, k, layers)
		if err != nil {
			return err
		}
		st.atLeastBytes(&s.holes, n)
		return nil
	}
}

// precinctFewerPackets records that the client holds fewer than k packets.
func precinctFewerPackets(k int) precinctOp {
	return func(s *Server, ref UnitRef, st *spanState, pb *packetBounds, layers int) error {
		keep := k - 1
		if keep <= 0 {
			st.reset(&s.holes)
			return nil
		}
		if st.span <= 0 && st.holes == noHoles {
			if -st.span > keep {
				st.span = -keep
			}
			st.complete = false
			return nil
		}
		if err := s.normalize(ref, st, pb, layers); err != nil {
			return err
		}
		n, _, err := s.packetBoundary(ref, pb, keep, layers)
		if err != nil {
			return err
		}
		st.atMostBytes(&s.holes, n)
		return nil
	}
}

func precinctAtLeastBytes(n int) precinctOp {
	return func(s *Server, ref UnitRef, st *spanState, pb *packetBounds, layers int) error {
		if n <= 0 || st.complete {
			return nil
		}
		if err := s.normalize(ref, st, pb, layers); err != nil {
			return err
		}
		st.atLeastBytes(&s.holes, n)
		return nil
	}
}

// precinctFewerBytes records that the client holds fewer than n bytes.
func precinctFewerBytes(n int) precinctOp {
	return func(s *Server, ref UnitRef, st *spanState, pb *packetBounds, layers int) error {
		if err := s.normalize(ref, st, pb, layers); err != nil {
			return err
		}
		st.atMostBytes(&s.holes, n-1)
		return nil
	}
}

// precinctComplete records the whole precinct as held. The packet form is
// used so that no boundary lookup is needed.
func precinctComplete(s *Server, _ UnitRef, st *spanState, _ *packetBounds, layers int) error {
	st.markComplete(&s.holes, -layers)
	return nil
}

// precinctAbandon applies the loss of [start, lim). A precinct recorded as a
// packet count was re-declared by the client after the increment was
// generated, so the loss is ignored.
func precinctAbandon(start, lim int) precinctOp {
	return func(s *Server, ref UnitRef, st *spanState, pb *packetBounds, layers int) error {
		if st.span <= 0 && !st.complete {
			return nil
		}
		st.abandon(&s.holes, start, lim)
		return nil
	}
}
