package jpipserve

// holeRef addresses the first node of a hole list inside a holePool. The
// zero value is the empty list.
type holeRef int32

const noHoles holeRef = 0

// hole is one un-acknowledged byte range [start, lim) below a unit's
// dispatched frontier.
type hole struct {
	start, lim int32
	next       holeRef
}

// holePool owns every hole node used by the cache model. Lists are singly
// linked by index; they stay strictly increasing and never touch, so
// holes[i].lim < holes[i+1].start always holds.
type holePool struct {
	nodes slab[hole]
}

func (p *holePool) node(r holeRef) *hole { return p.nodes.at(int32(r) - 1) }

func (p *holePool) alloc(start, lim int32, next holeRef) holeRef {
	idx, h := p.nodes.get()
	h.start, h.lim, h.next = start, lim, next
	return holeRef(idx + 1)
}

func (p *holePool) free(r holeRef) { p.nodes.put(int32(r) - 1) }

// add inserts the range [start, lim) into the list headed by head, merging
// it with any hole it overlaps or touches, and returns the new head. Empty
// or negative ranges are ignored.
func (p *holePool) add(head holeRef, start, lim int) holeRef {
	if start < 0 {
		start = 0
	}
	if lim <= start {
		return head
	}
	s, l := int32(start), int32(lim)

	// Find the first hole whose limit reaches start.
	prev, scan := noHoles, head
	for scan != noHoles && p.node(scan).lim < s {
		prev, scan = scan, p.node(scan).next
	}
	if scan == noHoles || p.node(scan).start > l {
		n := p.alloc(s, l, scan)
		if prev == noHoles {
			return n
		}
		p.node(prev).next = n
		return head
	}

	// scan overlaps or touches [s, l); widen it and swallow followers.
	h := p.node(scan)
	if s < h.start {
		h.start = s
	}
	if l > h.lim {
		h.lim = l
	}
	for h.next != noHoles {
		nx := p.node(h.next)
		if nx.start > h.lim {
			break
		}
		if nx.lim > h.lim {
			h.lim = nx.lim
		}
		dead := h.next
		h.next = nx.next
		p.free(dead)
	}
	return head
}

// trimMax discards every hole at or beyond byte n and truncates a hole that
// straddles n. It is used when the delivered span shrinks to n bytes.
func (p *holePool) trimMax(head holeRef, n int) holeRef {
	if n <= 0 {
		p.release(head)
		return noHoles
	}
	lim := int32(n)
	prev, scan := noHoles, head
	for scan != noHoles {
		h := p.node(scan)
		if h.start >= lim {
			break
		}
		if h.lim > lim {
			h.lim = lim
		}
		prev, scan = scan, h.next
	}
	if scan == noHoles {
		return head
	}
	p.release(scan)
	if prev == noHoles {
		return noHoles
	}
	p.node(prev).next = noHoles
	return head
}

// trimFill removes or advances every hole below byte n. It is used when the
// client is known to hold the first n bytes of the unit.
func (p *holePool) trimFill(head holeRef, n int) holeRef {
	fill := int32(n)
	for head != noHoles {
		h := p.node(head)
		if h.start >= fill {
			break
		}
		if fill < h.lim {
			h.start = fill
			break
		}
		next := h.next
		p.free(head)
		head = next
	}
	return head
}

// release returns an entire list to the pool.
func (p *holePool) release(head holeRef) {
	for head != noHoles {
		next := p.node(head).next
		p.free(head)
		head = next
	}
}

// first returns the leading hole of a list.
func (p *holePool) first(head holeRef) (start, lim int, ok bool) {
	if head == noHoles {
		return 0, 0, false
	}
	h := p.node(head)
	return int(h.start), int(h.lim), true
}

// last returns the trailing hole of a list.
func (p *holePool) last(head holeRef) (start, lim int, ok bool) {
	if head == noHoles {
		return 0, 0, false
	}
	h := p.node(head)
	for h.next != noHoles {
		h = p.node(h.next)
	}
	return int(h.start), int(h.lim), true
}

// ranges copies a list into a slice of [start, lim) pairs.
func (p *holePool) ranges(head holeRef) [][2]int {
	var out [][2]int
	for scan := head; scan != noHoles; scan = p.node(scan).next {
		h := p.node(scan)
		out = append(out, [2]int{int(h.start), int(h.lim)})
	}
	return out
}
