// bytecache.go
//
// Hot-unit byte cache for header and metadata data units.
// Main headers, tile headers and metadata groups are small and are read
// over and over: once per session that views them, and again whenever an
// increment is lost and resent. The cache keeps their full contents in an
// Adaptive Replacement Cache so repeated reads skip the Target.
//
// Precinct data is never cached here; it is large, read once per layer and
// already served from the codec's own buffers.

package jpipserve

import (
	"fmt"

	"github.com/hashicorp/golang-lru/arc/v2"
)

const (
	defaultByteCacheEntries = 1024

	// maxCachedUnitBytes bounds the units the cache will hold; larger ones
	// are read straight through.
	maxCachedUnitBytes = 64 << 10
)

// unitKey identifies a header or metadata unit across sessions.
type unitKey struct {
	class  UnitClass
	stream int
	bin    int64
	group  int
}

func keyOf(ref UnitRef) unitKey {
	k := unitKey{class: ref.Class, stream: ref.Stream}
	switch ref.Class {
	case ClassTileHeader:
		k.bin = int64(ref.Tile)
	case ClassMeta:
		k.stream = 0
		k.bin = ref.BinID
		k.group = ref.Group
	}
	return k
}

// byteCache holds complete unit contents. Cached slices are immutable.
type byteCache struct {
	entries *arc.ARCCache[unitKey, []byte]
}

func newByteCache(size int) (*byteCache, error) {
	if size <= 0 {
		size = defaultByteCacheEntries
	}
	cache, err := arc.NewARC[unitKey, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("byte cache: %w", err)
	}
	return &byteCache{entries: cache}, nil
}

// read copies len(dst) bytes of a unit of total bytes starting at offset.
// The whole unit is fetched and cached on a miss.
func (c *byteCache) read(tgt Target, ref UnitRef, total, offset int, dst []byte) (int, error) {
	if c == nil || total > maxCachedUnitBytes {
		return tgt.ReadUnit(ref, offset, dst)
	}
	key := keyOf(ref)
	data, ok := c.entries.Get(key)
	if !ok {
		buf := make([]byte, total)
		n, err := tgt.ReadUnit(ref, 0, buf)
		if err != nil {
			return 0, err
		}
		if n != total {
			return 0, fmt.Errorf("read %s: got %d of %d bytes: %w", ref, n, total, ErrShortRead)
		}
		data = buf
		c.entries.Add(key, data)
	}
	if offset >= len(data) {
		return 0, nil
	}
	return copy(dst, data[offset:]), nil
}

func (c *byteCache) purge() { c.entries.Purge() }

func (c *byteCache) len() int { return c.entries.Len() }
