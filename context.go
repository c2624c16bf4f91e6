// context.go
//
// Window contexts: one per client session (or the single stateless
// context). A context owns the codestream windows derived from the client's
// current window of interest, the resumable sweep over them, and the list of
// active references the simulator and generator work through. Metadata
// references always lead the list; codestream references follow, bucketed
// so that lower resolutions of every window come before higher ones.

package jpipserve

import (
	"math"
	"slices"

	"github.com/google/uuid"
)

// numResBuckets is the number of resolution buckets codestream references
// are grouped into while one sequencing pass runs.
const numResBuckets = 33

// activeRef marks one data unit as a delivery candidate for one context.
// Exactly one of meta (>= 0), prec, t or st identifies the unit, checked in
// that order.
type activeRef struct {
	slot int32
	st   *stream
	t    *tile
	prec *activePrecinct
	meta int

	// logRel is the unit's quantized log relevance.
	logRel int

	// layers is the number of quality layers the window wants.
	layers int

	// activeBytes is how much of a metadata group the window wants.
	activeBytes int
}

func (r *activeRef) class() UnitClass {
	switch {
	case r.meta >= 0:
		return ClassMeta
	case r.prec != nil:
		return ClassPrecinct
	case r.t != nil:
		return ClassTileHeader
	default:
		return ClassMainHeader
	}
}

// headerModel returns the cache model of a header reference.
func (r *activeRef) headerModel() *unitModel {
	if r.t != nil {
		return &r.t.header
	}
	return &r.st.header
}

func (s *Server) newHeaderRef(st *stream, t *tile) *activeRef {
	slot, r := s.refs.get()
	r.slot = slot
	r.st = st
	r.t = t
	r.meta = -1
	r.logRel = maxLogRelevance
	r.headerModel().syncSim(&s.holes)
	return r
}

func (s *Server) newPrecinctRef(rp *resolution, p Point, layers int) *activeRef {
	slot, r := s.refs.get()
	r.slot = slot
	r.t = rp.tc.t
	r.st = r.t.st
	r.prec = s.activate(rp, p)
	r.meta = -1
	r.layers = layers
	return r
}

func (s *Server) newMetaRef(i int) *activeRef {
	n := &s.meta.nodes[i]
	slot, r := s.refs.get()
	r.slot = slot
	r.meta = i
	r.activeBytes = n.activeLen
	r.logRel = s.cfg.Relevance.metaRelevance(n.sequence)
	n.model.syncSim(&s.holes)
	return r
}

// releaseRefs returns references to the pool, demoting precincts nothing
// else refers to.
func (s *Server) releaseRefs(refs []*activeRef) {
	for _, r := range refs {
		if r.prec != nil {
			s.deactivate(r.prec)
		}
		s.refs.put(r.slot)
	}
	if s.metrics != nil {
		s.metrics.activePrecincts.Set(float64(s.actives.live))
	}
}

// windowContext is the per-session scheduling state.
type windowContext struct {
	s       *Server
	id      int
	channel uuid.UUID

	window    Window
	imageryFP uint64
	metaFP    uint64
	haveWin   bool

	// windows is the ring swept by the sequencer; pending replaces it at
	// the next sequencing pass.
	windows    []*codestreamWindow
	pending    []*codestreamWindow
	hasPending bool

	firstActive, lastActive int
	sweepStart, sweepNext   int
	metaSweep               bool
	updateMeta              bool

	extraDiscard  int
	rateThreshold float64
	seqPref       bool

	active     []*activeRef
	numMeta    int
	actStreams []*stream

	// Simulator cursor and lap tallies.
	scan          int
	threshold     int
	nextThreshold int
	firstLayer    bool

	binsCompleted     bool
	metabinsCompleted bool
	rateReached       bool

	scannedBytes   int64
	scannedSamples int64
	incompleteMeta int
	incompleteBins int

	locked []*stream
	extra  []*Chunk
}

func newWindowContext(s *Server, id int) *windowContext {
	return &windowContext{
		s: s, id: id, channel: uuid.New(),
		firstActive: -1, lastActive: -1, sweepStart: -1, sweepNext: -1,
		threshold: math.MinInt, nextThreshold: math.MinInt,
		rateThreshold: -1,
	}
}

// ring advances a window index around the ring.
func (ctx *windowContext) ring(i int) int {
	i++
	if i >= len(ctx.windows) {
		i = 0
	}
	return i
}

// pendingWork reports whether the context has anything left to send.
func (ctx *windowContext) pendingWork() bool {
	return len(ctx.active) > 0 || ctx.sweepNext >= 0 || ctx.metaSweep || ctx.hasPending || ctx.updateMeta
}

func (ctx *windowContext) addActiveStream(st *stream) bool {
	for _, a := range ctx.actStreams {
		if a == st {
			return true
		}
	}
	if len(ctx.actStreams) >= ctx.s.cfg.MaxActiveCodestreams || (ctx.seqPref && len(ctx.actStreams) > 0) {
		return false
	}
	ctx.actStreams = append(ctx.actStreams, st)
	return true
}

func (ctx *windowContext) removeActiveStream(st *stream) {
	for i, a := range ctx.actStreams {
		if a == st {
			ctx.actStreams = append(ctx.actStreams[:i], ctx.actStreams[i+1:]...)
			return
		}
	}
}

// buildWindows derives the codestream windows for w. The single-window
// case may shrink an oversized region about its centre.
func (ctx *windowContext) buildWindows(w *Window) ([]*codestreamWindow, error) {
	s := ctx.s
	ids := w.Codestreams
	if ids == nil {
		ids = []int{0}
	}
	seen := make(map[int]bool, len(ids))
	var wins []*codestreamWindow
	for _, id := range ids {
		if id < 0 || id >= s.tgt.NumCodestreams() || seen[id] {
			continue
		}
		seen[id] = true
		st, err := s.getStream(id)
		if err != nil {
			return nil, err
		}
		wins = append(wins, newCodestreamWindow(st, ctx, w))
	}
	slices.SortStableFunc(wins, func(a, b *codestreamWindow) int { return a.st.id - b.st.id })

	if !w.FullWindow && !w.MetadataOnly && len(wins) == 1 {
		cw := wins[0]
		region := cw.region
		for cw.samples(0) > s.cfg.MaxWindowSamples && !region.Empty() {
			scale := math.Sqrt(0.8 * float64(s.cfg.MaxWindowSamples) / float64(cw.samples(0)))
			cx := float64(region.Pos.X) + 0.5*float64(region.Size.X)
			cy := float64(region.Pos.Y) + 0.5*float64(region.Size.Y)
			next := Rect{
				Pos:  Point{int(0.5 + cx - 0.5*scale*float64(region.Size.X)), int(0.5 + cy - 0.5*scale*float64(region.Size.Y))},
				Size: Point{int(0.5 + scale*float64(region.Size.X)), int(0.5 + scale*float64(region.Size.Y))},
			}
			if next == region {
				break
			}
			region = next
			cw.configure(region, w)
		}
		if region != w.Region.Intersect(cw.st.info.Canvas) {
			s.log.Debug("window shrunk to sample budget",
				"context", ctx.id, "region", region, "samples", cw.samples(0))
		}
	}
	return wins, nil
}

// setStreamWindows registers the context's windows with their streams so
// that abandoned codestream data can re-arm the right sweeps.
func (ctx *windowContext) setStreamWindows(old, next []*codestreamWindow) {
	for _, cw := range old {
		cw.st.removeWindow(cw)
	}
	for _, cw := range next {
		cw.st.windows = append(cw.st.windows, cw)
	}
}

// restart resets the simulator cursor so the next simulation starts with
// an evaluation lap over the current list.
func (ctx *windowContext) restart() {
	ctx.scan = 0
	ctx.threshold = math.MaxInt
	ctx.nextThreshold = math.MinInt
	ctx.firstLayer = ctx.s.cfg.FirstLayerSweep
	ctx.binsCompleted = false
	ctx.rateReached = false
	ctx.scannedBytes, ctx.scannedSamples = 0, 0
	ctx.incompleteMeta, ctx.incompleteBins = 0, 0
}

// sequence rebuilds the active reference list, resuming the sweep where
// it paused. It installs pending windows first.
func (ctx *windowContext) sequence() error {
	s := ctx.s
	if s.metrics != nil {
		s.metrics.resequences.Inc()
	}

	if ctx.hasPending {
		ctx.hasPending = false
		ctx.updateMeta = false
		old := ctx.windows
		var oldActive *codestreamWindow
		if ctx.firstActive >= 0 && ctx.firstActive < len(old) {
			oldActive = old[ctx.firstActive]
		}
		ctx.windows = ctx.pending
		ctx.pending = nil
		ctx.firstActive, ctx.lastActive = -1, -1
		ctx.sweepStart, ctx.sweepNext = -1, -1
		if len(ctx.windows) > 0 {
			ctx.sweepStart, ctx.sweepNext = 0, 0
		}
		ctx.metaSweep = true
		ctx.chooseExtraDiscard()
		if oldActive != nil && !ctx.seqPref {
			for i, cw := range ctx.windows {
				if cw.contains(oldActive) {
					ctx.sweepStart = i
					cw.syncSequencer(oldActive.start)
					break
				}
			}
		}
		ctx.setStreamWindows(old, ctx.windows)
		s.log.Debug("window installed", "context", ctx.id, "windows", len(ctx.windows),
			"extra_discard", ctx.extraDiscard, "rate_threshold", ctx.rateThreshold)
	} else if ctx.updateMeta {
		ctx.metaSweep = true
	}

	metaOnly := ctx.updateMeta
	ctx.updateMeta = false
	oldBins := ctx.active[ctx.numMeta:]
	metaRefs := ctx.active[:ctx.numMeta]
	var newBins []*activeRef
	if metaOnly {
		newBins = append(newBins, oldBins...)
		oldBins = nil
	} else {
		ctx.retireActiveWindows()
	}

	if ctx.metaSweep {
		s.releaseRefs(metaRefs)
		metaRefs = ctx.metaRefs()
		ctx.metaSweep = false
		ctx.metabinsCompleted = false
	} else if ctx.metabinsCompleted {
		s.releaseRefs(metaRefs)
		metaRefs = nil
	}

	if ctx.window.MetadataOnly {
		ctx.sweepNext = -1
	} else if !metaOnly {
		bins, err := ctx.sweep()
		if err != nil {
			s.releaseRefs(bins)
			active := make([]*activeRef, 0, len(metaRefs)+len(oldBins))
			ctx.active = append(append(active, metaRefs...), oldBins...)
			ctx.numMeta = len(metaRefs)
			return err
		}
		newBins = bins
	}

	s.releaseRefs(oldBins)
	active := make([]*activeRef, 0, len(metaRefs)+len(newBins))
	active = append(active, metaRefs...)
	active = append(active, newBins...)
	ctx.active = active
	ctx.numMeta = len(metaRefs)
	ctx.restart()

	if len(ctx.active) == 0 && ctx.sweepNext < 0 && !ctx.metaSweep {
		if s.cfg.Stateless {
			if s.completedStreams == s.tgt.NumCodestreams() && s.meta.complete() {
				s.statelessDone = true
			}
		} else if err := s.flushInstructions(); err != nil {
			return err
		}
	}
	return nil
}

// chooseExtraDiscard finds how many extra resolution levels let all of
// the context's windows share one collection of active references.
func (ctx *windowContext) chooseExtraDiscard() {
	cfg := &ctx.s.cfg
	ctx.extraDiscard = 0
	limit := math.MaxInt
	if ctx.seqPref {
		limit = 0
	}
	for !ctx.window.MetadataOnly && len(ctx.windows) > 0 && ctx.extraDiscard < limit {
		n := 0
		var samples int64
		for _, cw := range ctx.windows {
			if d := cw.maxExtraDiscard(); d < limit {
				limit = d
				if ctx.extraDiscard == d {
					break
				}
			}
			n++
			samples += cw.samples(ctx.extraDiscard)
		}
		side := int64(cfg.MinWindowSide)
		if samples <= int64(n)*side*side {
			break
		}
		if samples <= cfg.MaxWindowSamples && len(ctx.windows) <= cfg.MaxActiveCodestreams {
			break
		}
		if ctx.extraDiscard >= limit {
			break
		}
		ctx.extraDiscard++
	}
	switch {
	case ctx.seqPref:
		ctx.rateThreshold = -1
	case ctx.extraDiscard == 0:
		ctx.rateThreshold = cfg.RateThreshold
	default:
		ctx.rateThreshold = cfg.ReducedRateThreshold
	}
}

// retireActiveWindows returns every window of the last pass to the
// inactive state, marking those it finished as fully dispatched.
func (ctx *windowContext) retireActiveWindows() {
	for i := ctx.firstActive; i >= 0; {
		cw := ctx.windows[i]
		if cw.isActive && !(cw.sequencingActive || cw.contentIncomplete) {
			cw.fullyDispatched = true
		}
		cw.isActive = false
		if i == ctx.lastActive {
			break
		}
		i = ctx.ring(i)
	}
	ctx.firstActive, ctx.lastActive = -1, -1
	ctx.actStreams = ctx.actStreams[:0]
}

// metaRefs runs the metadata scope pass and references every in-scope
// group that still has something to send.
func (ctx *windowContext) metaRefs() []*activeRef {
	s := ctx.s
	if len(s.meta.nodes) == 0 {
		return nil
	}
	streams := make([]int, 0, len(ctx.windows))
	regions := make([]Rect, 0, len(ctx.windows))
	for _, cw := range ctx.windows {
		streams = append(streams, cw.st.id)
		regions = append(regions, cw.region)
	}
	mw := newMetaWindow(streams, regions, ctx.window.MetaRequests, ctx.window.MetadataOnly, s.cfg.Relevance.MaxSequence)
	var refs []*activeRef
	for _, i := range s.meta.activeGroups(mw) {
		if !s.meta.wanted(i) {
			continue
		}
		refs = append(refs, s.newMetaRef(i))
	}
	return refs
}

// sweep walks the window ring from sweepNext, collecting references until
// the sample budget or the active codestream limit is reached.
func (ctx *windowContext) sweep() ([]*activeRef, error) {
	s := ctx.s
	var buckets [numResBuckets][]*activeRef
	flatten := func() []*activeRef {
		var out []*activeRef
		for _, b := range buckets {
			out = append(out, b...)
		}
		return out
	}
	available := s.cfg.MaxWindowSamples
	finalSweep := false
	for ctx.sweepNext >= 0 && ctx.sweepNext != ctx.firstActive {
		cw := ctx.windows[ctx.sweepNext]
		if ctx.sweepNext == ctx.sweepStart && ctx.extraDiscard == 0 && !cw.sequencingActive {
			finalSweep = true
		}
		if !cw.fullyDispatched {
			if !ctx.addActiveStream(cw.st) {
				break
			}
			samples := cw.samples(ctx.extraDiscard)
			partial := false
			if available < samples || cw.sequencingActive {
				if ctx.firstActive >= 0 {
					break
				}
				partial = true
			}
			var limit int64
			if partial {
				limit = s.cfg.MaxWindowSamples
			}
			added, err := cw.sequence(s, &buckets, ctx.extraDiscard, limit)
			if err != nil {
				return flatten(), err
			}
			if !added {
				ctx.removeActiveStream(cw.st)
			} else {
				available -= samples
				if ctx.firstActive < 0 {
					ctx.firstActive = ctx.sweepNext
				}
				ctx.lastActive = ctx.sweepNext
				if cw.sequencingActive {
					break
				}
			}
		}

		ctx.sweepNext = ctx.ring(ctx.sweepNext)
		if ctx.sweepNext == ctx.sweepStart {
			if finalSweep {
				ctx.sweepNext = -1
				break
			}
			if ctx.extraDiscard > 0 {
				ctx.extraDiscard--
				if ctx.extraDiscard == 0 && ctx.rateThreshold > 0 {
					ctx.rateThreshold = s.cfg.RateThreshold
				}
			} else if ctx.rateThreshold > 0 {
				ctx.rateThreshold += s.cfg.RateThresholdStep
			}
			s.log.Debug("sweep lap", "context", ctx.id,
				"extra_discard", ctx.extraDiscard, "rate_threshold", ctx.rateThreshold)
		}
	}
	return flatten(), nil
}

// markContentIncomplete flags the windows of the last pass as having more
// to send, because the pass is being cut short.
func (ctx *windowContext) markContentIncomplete() {
	for i := ctx.firstActive; i >= 0; {
		cw := ctx.windows[i]
		if cw.isActive {
			cw.contentIncomplete = true
		}
		if i == ctx.lastActive {
			break
		}
		i = ctx.ring(i)
	}
}

// finish releases everything the context holds.
func (ctx *windowContext) finish() {
	ctx.s.releaseRefs(ctx.active)
	ctx.active, ctx.numMeta = nil, 0
	ctx.setStreamWindows(ctx.windows, nil)
	ctx.windows, ctx.pending = nil, nil
	ctx.hasPending = false
	ctx.firstActive, ctx.lastActive = -1, -1
	ctx.sweepStart, ctx.sweepNext = -1, -1
	ctx.metaSweep, ctx.updateMeta = false, false
	ctx.actStreams = nil
	ctx.haveWin = false
	for _, c := range ctx.extra {
		ctx.s.chunks.put(c)
	}
	ctx.extra = nil
}
