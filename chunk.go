package jpipserve

// chunkGroupBytes is roughly how much memory the chunk free list allocates
// at a time.
const chunkGroupBytes = 16 << 10

// Chunk is one fixed-capacity output buffer. The first PrefixLen bytes are
// reserved for the transport's framing; the rest holds a sequence of
// increment records. Chunks are leased from the Server and must be handed
// back with ReleaseChunks once the transport has finished with them.
type Chunk struct {
	data   []byte
	prefix int

	// limit is the size the generator may fill the chunk to.
	limit int

	// Abandoned is set by the transport when the chunk never reached the
	// client. ReleaseChunks with checkAbandoned then rolls the cache model
	// back.
	Abandoned bool

	refs []chunkRef
}

// chunkRef records one record written into a chunk, enough to undo it.
type chunkRef struct {
	class  UnitClass
	stream int
	tile   int
	comp   int
	res    int
	p      Point
	meta   int
	start  int
	n      int
}

// Bytes returns the whole chunk, prefix included.
func (c *Chunk) Bytes() []byte { return c.data }

// Prefix returns the reserved framing bytes; the transport may write them.
func (c *Chunk) Prefix() []byte { return c.data[:c.prefix] }

// Body returns the increment records.
func (c *Chunk) Body() []byte { return c.data[c.prefix:] }

// Len returns the number of bytes in use, prefix included.
func (c *Chunk) Len() int { return len(c.data) }

func (c *Chunk) empty() bool { return len(c.data) <= c.prefix }

// room returns how many more bytes fit below the chunk's limit.
func (c *Chunk) room() int { return c.limit - len(c.data) }

func (c *Chunk) reset() {
	c.data = c.data[:c.prefix]
	clear(c.data)
	c.Abandoned = false
	clear(c.refs)
	c.refs = c.refs[:0]
}

// chunkServer leases equally sized chunks from a free list that grows in
// groups.
type chunkServer struct {
	prefix int
	body   int
	free   []*Chunk
	leased int
}

func (cs *chunkServer) get() *Chunk {
	if len(cs.free) == 0 {
		size := cs.prefix + cs.body
		n := max(chunkGroupBytes/size, 1)
		backing := make([]byte, n*size)
		for i := range n {
			buf := backing[i*size : (i+1)*size : (i+1)*size]
			cs.free = append(cs.free, &Chunk{data: buf[:cs.prefix], prefix: cs.prefix})
		}
	}
	c := cs.free[len(cs.free)-1]
	cs.free = cs.free[:len(cs.free)-1]
	c.reset()
	c.limit = cs.prefix + cs.body
	cs.leased++
	return c
}

func (cs *chunkServer) put(c *Chunk) {
	c.reset()
	cs.free = append(cs.free, c)
	cs.leased--
}
