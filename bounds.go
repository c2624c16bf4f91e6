// bounds.go
//
// Packet boundary memo for precinct data units.
// The cache maps *precinct identity* → *cumulative packet byte boundaries*
// discovered so far, so that a precinct which is demoted and later promoted
// again (a common pattern when windows pan back and forth) does not repeat
// the boundary queries it already paid for.
//
// Boundaries are immutable facts about the codestream, so a cached entry is
// never invalidated by cache-model mutations; it is only ever extended.

package jpipserve

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultBoundaryEntries = 4096

// precinctKey identifies a precinct across activations.
type precinctKey struct {
	stream int
	id     int64
}

// packetBounds records the boundaries of the first len(cum) packets of one
// precinct: cum[k-1] is the number of bytes spanned by the first k packets
// and sig[k-1] reports whether packet k carries coded data.
type packetBounds struct {
	cum []int
	sig []bool
}

// known returns the number of packets whose boundary has been queried.
func (pb *packetBounds) known() int { return len(pb.cum) }

// boundaryCache is a bounded LRU of packetBounds. The underlying lru.Cache
// carries its own locking.
type boundaryCache struct {
	entries *lru.Cache[precinctKey, *packetBounds]
}

func newBoundaryCache(size int) (*boundaryCache, error) {
	if size <= 0 {
		size = defaultBoundaryEntries
	}
	cache, err := lru.New[precinctKey, *packetBounds](size)
	if err != nil {
		return nil, fmt.Errorf("boundary cache: %w", err)
	}
	return &boundaryCache{entries: cache}, nil
}

// get returns the memo for key, creating an empty one on a miss.
func (c *boundaryCache) get(key precinctKey) *packetBounds {
	if pb, ok := c.entries.Get(key); ok {
		return pb
	}
	pb := &packetBounds{}
	c.entries.Add(key, pb)
	return pb
}

func (c *boundaryCache) purge() { c.entries.Purge() }

func (c *boundaryCache) len() int { return c.entries.Len() }

// extend queries the Target until pb knows at least k packets, never beyond
// maxPackets. Boundaries must not decrease.
func extendBounds(tgt Target, ref UnitRef, pb *packetBounds, k, maxPackets int) error {
	k = min(k, maxPackets)
	for pb.known() < k {
		n := pb.known() + 1
		cum, sig, err := tgt.PacketBoundary(ref, n)
		if err != nil {
			return fmt.Errorf("packet boundary %d of %s: %w", n, ref, err)
		}
		prev := 0
		if n > 1 {
			prev = pb.cum[n-2]
		}
		if cum < prev {
			return &StructureError{Stream: ref.Stream, Tile: ref.Tile,
				Reason: fmt.Sprintf("%s: packet %d ends at byte %d, before packet %d at %d", ref, n, cum, n-1, prev)}
		}
		pb.cum = append(pb.cum, cum)
		pb.sig = append(pb.sig, sig)
	}
	return nil
}
