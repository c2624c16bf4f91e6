package jpipserve

// spanState is the durable cache-model record shared by every kind of data
// unit: how far the client has been told the unit extends, whether the unit
// is complete, and which gaps remain below the frontier.
//
// For precincts span may be negative, meaning the client holds -span whole
// packets but the matching byte count has not been looked up yet. Header and
// metadata units always carry a byte count.
type spanState struct {
	span     int
	complete bool
	holes    holeRef
}

// isComplete reports whether the client holds the whole unit.
func (s *spanState) isComplete() bool { return s.complete && s.holes == noHoles }

// atLeastBytes records that the client holds at least the first n bytes.
// A statement that does not move the frontier leaves the model untouched,
// so gap knowledge below the frontier survives.
func (s *spanState) atLeastBytes(hp *holePool, n int) {
	if n <= 0 || s.complete || s.span >= n {
		return
	}
	s.span = n
	s.holes = hp.trimFill(s.holes, n)
}

// atMostBytes records that the client holds no more than n bytes. Holes
// beyond n are discarded and completeness is cleared.
func (s *spanState) atMostBytes(hp *holePool, n int) {
	if n <= 0 {
		s.reset(hp)
		return
	}
	if s.span > n {
		s.span = n
	}
	s.complete = false
	s.holes = hp.trimMax(s.holes, n)
}

// markComplete records that the client holds every one of total bytes.
func (s *spanState) markComplete(hp *holePool, total int) {
	s.span = total
	s.complete = true
	if s.holes != noHoles {
		hp.release(s.holes)
		s.holes = noHoles
	}
}

// addHole records that [start, lim) never reached the client although
// bytes beyond it did. The range is clamped to the current frontier. The
// complete flag is left alone: it says the completion message was sent, and
// isComplete already requires an empty hole list.
func (s *spanState) addHole(hp *holePool, start, lim int) {
	if lim > s.span {
		lim = s.span
	}
	if start < 0 {
		start = 0
	}
	if start >= lim {
		return
	}
	s.holes = hp.add(s.holes, start, lim)
}

// abandon applies the loss of a previously dispatched range. A range that
// ends below the frontier becomes a hole; otherwise the frontier rolls back
// to start, and further to the start of a hole the rollback uncovers.
func (s *spanState) abandon(hp *holePool, start, lim int) {
	if lim < s.span {
		s.addHole(hp, start, lim)
		return
	}
	s.atMostBytes(hp, start)
	if hs, hl, ok := hp.last(s.holes); ok && hl >= s.span {
		s.atMostBytes(hp, hs)
	}
}

func (s *spanState) reset(hp *holePool) {
	hp.release(s.holes)
	*s = spanState{}
}

// firstGap returns the offset of the first byte the client is missing.
func (s *spanState) firstGap(hp *holePool) int {
	if start, _, ok := hp.first(s.holes); ok && start < s.span {
		return start
	}
	return s.span
}

// unitModel is the cache model of a header or metadata group: durable state
// plus the simulator's scratch copy for the batch in progress.
type unitModel struct {
	spanState

	// total is the unit's full length in bytes.
	total int

	// simSpan and simComplete are advisory; only the simulator writes them
	// and the generator consumes them.
	simSpan     int
	simComplete bool
}

// syncSim resets the scratch state to what the client actually holds. The
// scratch completion flag follows the durable one, so a completion message
// that was already sent is not scheduled again while holes are refilled.
func (u *unitModel) syncSim(hp *holePool) {
	u.simSpan = u.firstGap(hp)
	u.simComplete = u.complete
}

// setComplete marks the whole unit as delivered and keeps the scratch copy
// in step.
func (u *unitModel) setComplete(hp *holePool) {
	u.markComplete(hp, u.total)
	u.syncSim(hp)
}

// pending reports whether the simulator has scheduled bytes or a completion
// flag that the generator has not yet written.
func (u *unitModel) pending(hp *holePool) bool {
	if u.simSpan > u.span || (u.simComplete && !u.complete) {
		return true
	}
	start, _, ok := hp.first(u.holes)
	return ok && u.simSpan > start
}

// precinctModel is the cache model of one precinct. It is either passive,
// with its durable state held inline, or promoted while some window has it
// as a delivery candidate; then active holds the durable state together with
// the simulation scratch and inline is unused.
type precinctModel struct {
	inline spanState
	active *activePrecinct
}

// state returns the durable record wherever it currently lives.
func (m *precinctModel) state() *spanState {
	if m.active != nil {
		return &m.active.state
	}
	return &m.inline
}

// isComplete reports whether the client holds every packet of the precinct.
func (m *precinctModel) isComplete() bool { return m.state().isComplete() }

// packetsHeld returns the number of whole packets the client is known to
// hold, or -1 when only a byte count is recorded.
func (m *precinctModel) packetsHeld() int {
	if a := m.active; a != nil && a.loaded {
		return a.numPackets
	}
	if st := m.state(); st.span <= 0 && st.holes == noHoles {
		return -st.span
	}
	return -1
}

// touched must follow every mutation of a promoted precinct so that the
// scratch state is rebuilt from the new durable record before it is used.
func (m *precinctModel) touched() {
	if m.active != nil {
		m.active.invalidate()
	}
}
