// simulate.go
//
// Batch simulation. Before any byte is read the simulator walks the active
// reference list in laps at a falling admission threshold, deciding how far
// each data unit should advance in this batch. Only the scratch copies of
// the cache model (simSpan, simPackets, ...) move here; the generator later
// replays the same decisions against the durable model.

package jpipserve

import "math"

// minMessageBytes is the smallest precinct increment worth its own message.
const minMessageBytes = 16

// estimateHeaderCost returns the message header bytes needed to send
// [start, lim) of a unit, given that bytes below *thr are already covered by
// an open message. *thr == -1 means no message is open. Splitting follows
// the generator: a message never crosses a chunk boundary, and a chunk body
// that leaves less than split bytes after the header cannot carry a legal
// set of messages.
func estimateHeaderCost(thr *int, start, lim, idLen, body, split int) (int, error) {
	total := 0
	for *thr < lim {
		extra := idLen
		if *thr < 0 {
			*thr = start + split
			extra += vbasLen(int64(start)) + vbasLen(int64(*thr-start))
		} else {
			extra += vbasLen(int64(*thr+body)) + vbasLen(int64(body))
			inc := body - extra
			if inc < split {
				return total, ErrChunkTooSmall
			}
			*thr += inc
		}
		total += extra
	}
	return total, nil
}

// simBudget carries the byte limits of one simulation call.
type simBudget struct {
	suggested int
	max       int
	minInc    int
	body      int
	split     int
	abandon   int

	simulated int
	reached   bool
}

// charge adds n bytes to the tally, marking the budget reached once the
// suggested limit is met. over is how far the hard limit was overshot; the
// tally is clamped to the hard limit in that case.
func (b *simBudget) charge(n int) (over int) {
	b.simulated += n
	if b.simulated < b.suggested {
		return 0
	}
	b.reached = true
	if b.simulated > b.max {
		over = b.simulated - b.max
		b.simulated = b.max
	}
	return over
}

// simulate runs laps over the active references until the suggested byte
// count is reached, every reference is satisfied, or the rate of return
// falls low enough that a fresh sequencing pass is preferable. It returns
// the number of bytes the batch is expected to occupy, header overhead
// included; a result equal to maxBytes means the hard limit cut the batch.
func (ctx *windowContext) simulate(suggested, maxBytes int) (int, error) {
	s := ctx.s
	body := s.cfg.ChunkBodyBytes
	b := simBudget{
		suggested: min(suggested, maxBytes),
		max:       maxBytes,
		minInc:    min(minMessageBytes, s.cfg.splitBytes()),
		body:      body,
		split:     s.cfg.splitBytes(),
		abandon:   max(s.cfg.AbandonFraction, 1),
	}

	for ctx.threshold != math.MinInt && !b.reached {
		i := ctx.scan
		for i < len(ctx.active) && !b.reached {
			r := ctx.active[i]
			step := stepNext
			var err error
			if r.prec == nil {
				err = ctx.simulateUnit(r, &b)
			} else {
				step, err = ctx.simulatePrecinct(r, &b)
			}
			if err != nil {
				ctx.scan = i
				return b.simulated, err
			}
			if step == stepAgain {
				continue
			}
			if step == stepHold {
				break
			}
			i++
		}
		ctx.scan = i
		if i < len(ctx.active) {
			break
		}

		ctx.scan = 0
		if ctx.threshold != math.MaxInt {
			ctx.firstLayer = false
		}
		ctx.threshold = ctx.nextThreshold
		ctx.nextThreshold = math.MinInt
		if ctx.sweepNext >= 0 && ctx.rateThreshold > 0 &&
			float64(ctx.scannedSamples)*ctx.rateThreshold <= 8*float64(ctx.scannedBytes) {
			ctx.rateReached = true
		}
		if ctx.incompleteMeta == 0 {
			ctx.metabinsCompleted = true
			if ctx.incompleteBins == 0 {
				ctx.binsCompleted = true
			}
		}
		ctx.scannedBytes, ctx.scannedSamples = 0, 0
		ctx.incompleteMeta, ctx.incompleteBins = 0, 0
		if ctx.binsCompleted || ctx.rateReached {
			break
		}
	}
	return b.simulated, nil
}

// simStep tells the lap loop where to go after one precinct reference.
type simStep int

const (
	stepNext simStep = iota
	// stepAgain simulates the same reference again straight away.
	stepAgain
	// stepHold ends the batch with the scan cursor left on the reference.
	stepHold
)

// simulateUnit advances the scratch state of a header or metadata
// reference. Headers are always admitted; metadata competes on relevance.
func (ctx *windowContext) simulateUnit(r *activeRef, b *simBudget) error {
	s := ctx.s
	hp := &s.holes
	var (
		m           *unitModel
		maxSpan     int
		maxComplete bool
		idLen       int
		meta        = r.meta >= 0
	)
	if meta {
		n := &s.meta.nodes[r.meta]
		m = &n.model
		maxSpan = r.activeBytes
		maxComplete = n.lastInBin() && maxSpan == m.total
		if maxSpan <= m.simSpan && (!maxComplete || m.simComplete) {
			return nil
		}
		ctx.nextThreshold = max(ctx.nextThreshold, r.logRel-256)
		if ctx.threshold > r.logRel {
			ctx.incompleteMeta++
			return nil
		}
		idLen = maxIDSize(ClassMeta, 0, n.binID)
	} else {
		m = r.headerModel()
		maxSpan = m.total
		maxComplete = true
		if maxSpan <= m.simSpan && m.simComplete {
			return nil
		}
		var bin int64
		if r.t != nil {
			bin = int64(r.t.num)
		}
		idLen = maxIDSize(r.class(), r.st.id, bin)
	}

	cur, complete := m.simSpan, m.simComplete
	h := m.holes
	for ; h != noHoles; h = hp.node(h).next {
		hn := hp.node(h)
		cur = max(cur, int(hn.start))
		inc := int(hn.lim) - cur
		if inc <= 0 {
			continue
		}
		thr := -1
		hdr, err := estimateHeaderCost(&thr, cur, int(hn.lim), idLen, b.body, b.split)
		if err != nil {
			return err
		}
		if over := b.charge(inc + hdr); over > 0 {
			inc -= over
			if inc < b.minInc {
				inc = 0
			}
		}
		cur += max(inc, 0)
		if b.reached {
			break
		}
	}
	if h == noHoles {
		cur = max(cur, m.span)
		inc := maxSpan - cur
		completeInc := maxComplete && !complete
		if inc > 0 || completeInc {
			inc = max(inc, 0)
			thr := -1
			hdr, err := estimateHeaderCost(&thr, cur, maxSpan, idLen, b.body, b.split)
			if err != nil {
				return err
			}
			if over := b.charge(inc + hdr); over > 0 {
				inc -= over
				completeInc = false
				if inc < b.minInc {
					inc = 0
				}
			}
			cur += max(inc, 0)
			complete = complete || completeInc
		}
	}
	m.simSpan, m.simComplete = cur, complete
	switch {
	case meta:
		if cur < maxSpan || (maxComplete && !complete) {
			ctx.incompleteMeta++
		}
	case cur < maxSpan || !complete:
		ctx.incompleteBins++
	}
	return nil
}

// simulatePrecinct advances a precinct's scratch state by at most one
// quality layer.
func (ctx *windowContext) simulatePrecinct(r *activeRef, b *simBudget) (simStep, error) {
	s := ctx.s
	hp := &s.holes
	a := r.prec
	st := &a.state
	tally := func() {
		ctx.scannedBytes += int64(a.simSpan)
		ctx.scannedSamples += a.samples
	}
	if st.isComplete() {
		if st.span >= 0 {
			ctx.scannedBytes += int64(st.span)
			ctx.scannedSamples += a.samples
		}
		return stepNext, nil
	}
	if !a.loaded {
		if err := s.load(a); err != nil {
			return stepNext, err
		}
	}
	if r.layers <= a.simPackets && (a.simComplete || r.layers < a.maxPackets) {
		a.simSpan = max(a.simSpan, a.simPacketBytes)
		tally()
		return stepNext, nil
	}
	if a.maxIDLen == 0 {
		a.maxIDLen = maxIDSize(ClassPrecinct, a.ref.Stream, a.ref.BinID)
	}

	slopes := r.st.slopes
	layer := a.simPackets
	if layer == a.maxPackets {
		layer--
	}
	ctx.nextThreshold = max(ctx.nextThreshold, slopes[layer+1]+r.logRel+1)
	if ctx.threshold == math.MaxInt ||
		(ctx.firstLayer && layer != 0) ||
		(!ctx.firstLayer && ctx.threshold > slopes[layer]+r.logRel) {
		tally()
		ctx.incompleteBins++
		return stepNext, nil
	}

	// [start, lim) is the gap being filled; lim == 0 means the frontier.
	lim, start := 0, st.span
	h := st.holes
	for ; h != noHoles && lim == 0; h = hp.node(h).next {
		hn := hp.node(h)
		lim = int(hn.lim)
		if a.simSpan < lim {
			start = int(hn.start)
		} else {
			lim = 0
		}
	}

	cumPackets, cumBytes := a.maxPackets, a.simSpan
	truncated := false
	if a.simPackets < a.maxPackets {
		cumPackets = a.simPackets + 1
		var sig bool
		var err error
		cumBytes, sig, err = s.packetBoundary(a.ref, a.bounds, cumPackets, a.maxPackets)
		if err != nil {
			return stepNext, err
		}
		if cumPackets < r.layers && (lim == 0 || cumBytes < lim) &&
			(cumBytes-start < b.minInc || !sig) {
			// Too little to be worth a message; fold into the next layer.
			a.simPackets, a.simPacketBytes = cumPackets, cumBytes
			return stepAgain, nil
		}
		if lim != 0 && cumBytes > lim {
			for ; h != noHoles && cumBytes > int(hp.node(h).start); h = hp.node(h).next {
				lim = int(hp.node(h).lim)
			}
			if cumBytes >= st.span {
				lim = 0
			} else if cumBytes > lim {
				cumBytes = lim
				truncated = true
			}
		}
	}

	inc := cumBytes - a.simSpan
	newSpan := cumBytes
	thr := -1
	if a.simSpan > start {
		thr = a.hdrThreshold
	}
	if thr == 0 || cumBytes > thr {
		hdr, err := estimateHeaderCost(&thr, start, cumBytes, a.maxIDLen, b.body, b.split)
		if err != nil {
			return stepNext, err
		}
		inc += hdr
	}
	if over := b.charge(inc); b.reached {
		if over > 0 {
			newSpan -= over
			if newSpan <= a.simSpan || newSpan-start < b.minInc {
				return stepHold, nil
			}
			truncated = true
		} else if inc < b.simulated && inc >= b.suggested/b.abandon {
			// Large increment that would overshoot; leave it for the next
			// batch.
			b.simulated -= inc
			return stepHold, nil
		}
	}
	if newSpan == cumBytes && !truncated {
		a.simPackets, a.simPacketBytes = cumPackets, cumBytes
		if a.simPackets == a.maxPackets {
			a.simComplete = true
		}
	}
	a.simSpan = newSpan
	a.hdrThreshold = thr

	if lim != 0 && a.simSpan == lim {
		// A hole was just filled. Jump to the next gap and catch the
		// packet count up with the new position.
		if h == noHoles {
			a.simSpan = max(a.simSpan, st.span)
		} else {
			a.simSpan = int(hp.node(h).start)
		}
		for a.simPackets < a.maxPackets {
			next, _, err := s.packetBoundary(a.ref, a.bounds, a.simPackets+1, a.maxPackets)
			if err != nil {
				return stepNext, err
			}
			if next > a.simSpan {
				break
			}
			a.simPackets, a.simPacketBytes = a.simPackets+1, next
		}
		if a.simPackets == a.maxPackets {
			a.simComplete = true
		} else {
			return stepAgain, nil
		}
	}
	if r.layers > a.simPackets {
		ctx.incompleteBins++
	}
	tally()
	return stepNext, nil
}
