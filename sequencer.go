// sequencer.go
//
// Resumable sweep over one codestream window. The cursor walks tiles in
// raster order, then the window's components, then resolutions from the
// lowest, then precincts in raster order, emitting an active reference for
// every data unit the client still lacks. A sweep may stop after a sample
// budget is spent; the next call continues from the saved cursor.

package jpipserve

import (
	"fmt"
	"slices"
)

// cursor is the resumable position of a codestream window sweep. tile is
// relative to the window's tile range, comp indexes the window's component
// list and prec is relative to the resolution's in-window precinct range.
type cursor struct {
	tile Point
	comp int
	res  int
	prec Point
}

// atTileStart reports whether the cursor sits on the first data unit of a
// tile.
func (c *cursor) atTileStart() bool {
	return c.comp == 0 && c.res == 0 && c.prec == Point{}
}

// resBucket maps resolution r of a tile-component with numRes resolutions
// to one of the numResBuckets reference buckets. Resolution 0 always lands
// in bucket 0; higher resolutions are aligned on the top bucket so that the
// finest level of every tile-component shares a bucket.
func resBucket(r, numRes int) int {
	if r == 0 {
		return 0
	}
	return min(max(r+numResBuckets-numRes, 0), numResBuckets-1)
}

// scanComponents returns the codestream components the window walks, in
// order, when no output components are named.
func (cw *codestreamWindow) scanComponents() []int {
	if cw.comps != nil {
		return cw.comps
	}
	all := make([]int, cw.st.info.NumComponents)
	for c := range all {
		all[c] = c
	}
	return all
}

// componentScan is the component walk of one tile: codestream components in
// scan order and the relevance gain of each.
type componentScan struct {
	comps []int
	gains []float64
}

// tileComponents returns the component walk of tile t for this window. The
// result is cached so that a resumed sweep walks the tile the same way.
func (cw *codestreamWindow) tileComponents(s *Server, t *tile) (componentScan, error) {
	if scan, ok := cw.scans[t.num]; ok {
		return scan, nil
	}
	st := cw.st
	var scan componentScan
	add := func(c int, gain float64) {
		if cw.compSet[c] && !slices.Contains(scan.comps, c) {
			scan.comps = append(scan.comps, c)
			scan.gains = append(scan.gains, gain)
		}
	}
	mapper, ok := s.tgt.(ComponentMapper)
	switch {
	case cw.outputs == nil:
		for _, c := range cw.scanComponents() {
			add(c, t.comps[c].gain)
		}
	case !ok:
		for _, c := range cw.outputs {
			if c < st.info.NumComponents {
				add(c, t.comps[c].gain)
			}
		}
	default:
		used, err := mapper.CodestreamComponents(st.id, t.num, cw.outputs)
		if err != nil {
			return componentScan{}, fmt.Errorf("codestream %d tile %d: map components: %w", st.id, t.num, err)
		}
		for _, u := range used {
			if u.Component < 0 || u.Component >= st.info.NumComponents {
				return componentScan{}, &StructureError{Stream: st.id, Tile: t.num,
					Reason: fmt.Sprintf("output components map to component %d of %d", u.Component, st.info.NumComponents)}
			}
			gain := 1.0
			if u.FullGain > 0 {
				gain = min(max(u.Gain, 0)/u.FullGain, 1)
			}
			add(u.Component, gain)
		}
	}
	if cw.scans == nil {
		cw.scans = make(map[int]componentScan)
	}
	cw.scans[t.num] = scan
	return scan, nil
}

// touchTile makes a tile's structure available and applies any model
// instructions the client sent for it.
func (s *Server) touchTile(t *tile) error {
	st := t.st
	if err := st.expandTile(s.tgt, t); err != nil {
		return err
	}
	instr, ok := st.instructions[t.num]
	if !ok {
		return nil
	}
	delete(st.instructions, t.num)
	return s.applyTileInstructions(t, instr)
}

// sequence continues the sweep of cw, appending references to the bucket
// of their resolution. maxSamples caps the precinct samples added by this
// call; zero or less means no cap. It reports whether anything was added;
// when the cap is hit the window is left with sequencingActive set.
func (cw *codestreamWindow) sequence(s *Server, buckets *[numResBuckets][]*activeRef, extra int, maxSamples int64) (bool, error) {
	if cw.fullyDispatched {
		return false, nil
	}
	st := cw.st
	d := min(cw.discard+max(extra, 0), st.info.MaxDiscardLevels)
	if !cw.sequencingActive {
		cw.sequencingActive = true
		cw.contentIncomplete = false
		cw.cur, cw.start = cursor{}, cursor{}
	}

	added := false
	push := func(b int, r *activeRef) {
		buckets[b] = append(buckets[b], r)
		if !added {
			added = true
			cw.isActive = true
			cw.start = cw.cur
		}
	}

	forceTileHeader := false
	if cw.start == cw.cur {
		forceTileHeader = true
		st.expand()
		if !st.header.isComplete() {
			push(0, s.newHeaderRef(st, nil))
		}
	}
	if extra > 0 {
		cw.contentIncomplete = true
	}
	cw.start = cw.cur

	var samples int64
	c := &cw.cur
	for ; c.tile.Y < cw.tiles.Size.Y; c.tile.Y, c.tile.X = c.tile.Y+1, 0 {
		for ; c.tile.X < cw.tiles.Size.X; c.tile.X, c.comp, c.res, c.prec = c.tile.X+1, 0, 0, (Point{}) {
			t := st.tileAt(cw.tiles.Pos.Add(c.tile))
			if err := s.touchTile(t); err != nil {
				return added, err
			}
			if t.isComplete() {
				continue
			}
			if (forceTileHeader || c.atTileStart()) && !t.header.isComplete() {
				push(0, s.newHeaderRef(st, t))
			}
			forceTileHeader = false

			scan, err := cw.tileComponents(s, t)
			if err != nil {
				return added, err
			}
			for ; c.comp < len(scan.comps); c.comp, c.res = c.comp+1, 0 {
				tc := &t.comps[scan.comps[c.comp]]
				gain := 1.0
				if !s.cfg.IgnoreRelevance {
					gain = scan.gains[c.comp]
				}
				numRes := len(tc.res)
				rlim := max(numRes-d, 1)
				sub := st.componentSub(tc.c)
				for ; c.res < rlim; c.res, c.prec.Y = c.res+1, 0 {
					rp := &tc.res[c.res]
					region := cw.region.reduce(sub).discard(numRes - 1 - c.res)
					pr := rp.precinctsIn(region)
					b := resBucket(c.res, numRes)
					for ; c.prec.Y < pr.Size.Y; c.prec.Y, c.prec.X = c.prec.Y+1, 0 {
						for ; c.prec.X < pr.Size.X; c.prec.X++ {
							p := pr.Pos.Add(c.prec)
							m := rp.precinctAt(p)
							if m.isComplete() {
								continue
							}
							need := min(cw.maxLayers, t.layers)
							if need < t.layers && m.packetsHeld() >= need {
								continue
							}
							ref := s.newPrecinctRef(rp, p, need)
							if !s.cfg.IgnoreRelevance {
								ref.logRel = s.rel.lookup(gain * precinctRelevance(rp, p, region))
							}
							push(b, ref)
							samples += ref.prec.samples
							if maxSamples > 0 && samples >= maxSamples {
								c.prec.X++
								return true, nil
							}
						}
					}
				}
			}
		}
	}

	cw.sequencingActive = false
	if !(cw.contentIncomplete || added) {
		cw.fullyDispatched = true
	}
	return added, nil
}
