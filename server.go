// server.go
//
// Package jpipserve implements the scheduling core of an incremental,
// cache-aware image server. A Server keeps, for every data unit of a set of
// codestreams and their metadata, a model of what each client already holds.
// Given a window of interest it sequences the units in view, ranks them by
// relevance, simulates a byte-bounded batch and writes the chosen increments
// as self-describing records into fixed-size chunks for a transport to send.
//
// The Server performs no locking. Calls for one Server must be serialized by
// the caller; the Target may be shared between Servers through its
// StreamLifecycle hooks.

package jpipserve

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
)

// Server schedules increments for one or more window contexts over a single
// Target.
type Server struct {
	tgt  Target
	life StreamLifecycle

	cfg     Config
	log     *slog.Logger
	metrics *Metrics

	// Cache sizes set by options; zero defers to cfg, negative disables
	// the byte cache.
	boundEntries int
	byteEntries  int

	holes   holePool
	actives slab[activePrecinct]
	refs    slab[activeRef]
	bounds  *boundaryCache
	bytes   *byteCache

	// streams is indexed by codestream id; entries are created when a
	// window first names the codestream.
	streams []*stream
	meta    *metaTree

	contexts map[int]*windowContext
	chunks   chunkServer
	ids      idEncoder
	rel      *relevanceTable

	// pending holds instructions for codestreams not yet created.
	pending map[int][]ModelInstruction

	completedStreams int
	statelessDone    bool
	closed           bool

	profiling     *ProfilingConfig
	profileServer *http.Server
	traceFile     *os.File
}

// NewServer returns a Server for tgt. The metadata tree is read from the
// Target immediately; codestream structure is fetched lazily.
func NewServer(tgt Target, opts ...Option) (*Server, error) {
	if tgt == nil {
		return nil, &ConfigError{Field: "target", Reason: "must not be nil"}
	}
	s := &Server{
		tgt:      tgt,
		cfg:      DefaultConfig(),
		log:      slog.New(slog.DiscardHandler),
		contexts: make(map[int]*windowContext),
		pending:  make(map[int][]ModelInstruction),
	}
	s.life, _ = tgt.(StreamLifecycle)
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	if n := tgt.NumCodestreams(); n < 0 {
		return nil, &StructureError{Stream: -1, Tile: -1, Reason: fmt.Sprintf("target reports %d codestreams", n)}
	}

	s.chunks = chunkServer{prefix: s.cfg.ChunkPrefixBytes, body: s.cfg.ChunkBodyBytes}
	s.rel = newRelevanceTable()

	boundEntries := s.cfg.BoundaryCacheEntries
	if s.boundEntries > 0 {
		boundEntries = s.boundEntries
	}
	var err error
	if s.bounds, err = newBoundaryCache(boundEntries); err != nil {
		return nil, err
	}
	if s.byteEntries >= 0 {
		byteEntries := s.cfg.ByteCacheEntries
		if s.byteEntries > 0 {
			byteEntries = s.byteEntries
		}
		if s.bytes, err = newByteCache(byteEntries); err != nil {
			return nil, err
		}
	}

	groups, err := tgt.MetaTree()
	if err != nil {
		return nil, fmt.Errorf("read metadata tree: %w", err)
	}
	if s.meta, err = newMetaTree(groups); err != nil {
		return nil, err
	}
	s.streams = make([]*stream, tgt.NumCodestreams())

	if err := s.startProfiling(); err != nil {
		s.log.Warn("profiling unavailable", "error", err)
	}
	s.log.Debug("server created", "codestreams", len(s.streams),
		"metadata_bins", s.meta.numBins(), "chunk_body", s.cfg.ChunkBodyBytes, "stateless", s.cfg.Stateless)
	return s, nil
}

// lookupStream returns the stream if it has been created.
func (s *Server) lookupStream(id int) *stream {
	if id < 0 || id >= len(s.streams) {
		return nil
	}
	return s.streams[id]
}

// getStream returns codestream id, creating it on first use. A stream that
// was detached is attached again and its structure checked against what
// the model was built from.
func (s *Server) getStream(id int) (*stream, error) {
	st := s.streams[id]
	if st != nil && (st.attached || s.life == nil) {
		return st, nil
	}
	if s.life != nil {
		if err := s.life.AttachStream(id); err != nil {
			return nil, fmt.Errorf("attach codestream %d: %w", id, err)
		}
	}
	info, err := s.tgt.StreamInfo(id)
	if err != nil {
		s.detach(id)
		return nil, fmt.Errorf("stream info for codestream %d: %w", id, err)
	}
	if st != nil {
		if !st.sameStructure(info) {
			s.detach(id)
			return nil, &StructureError{Stream: id, Tile: -1, Reason: "reopened codestream disagrees with its cached structure"}
		}
		st.attached = true
		return st, nil
	}
	if st, err = newStream(id, info); err != nil {
		s.detach(id)
		return nil, err
	}
	st.attached = s.life != nil
	s.streams[id] = st
	if instr := s.pending[id]; len(instr) > 0 {
		delete(s.pending, id)
		for _, in := range instr {
			s.fileInstruction(st, in)
		}
	}
	s.log.Debug("codestream opened", "stream", id, "tiles", st.numTiles, "layers", st.info.MaxLayers)
	return st, nil
}

func (s *Server) detach(id int) {
	if s.life != nil {
		s.life.DetachStream(id)
	}
}

// detachIdle detaches every attached stream no installed or pending window
// views.
func (s *Server) detachIdle() {
	inUse := make(map[*stream]bool)
	for _, ctx := range s.contexts {
		for _, cw := range ctx.pending {
			inUse[cw.st] = true
		}
	}
	for _, st := range s.streams {
		if st != nil && st.attached && len(st.windows) == 0 && !inUse[st] {
			st.attached = false
			s.detach(st.id)
		}
	}
}

// SetWindow installs a new window of interest for context ctxID, creating
// the context on first use, and applies the client's cache model
// instructions. The new window takes effect at the next GenerateIncrements
// call. A window that differs only in its metadata requests keeps the
// codestream sweep where it is.
func (s *Server) SetWindow(ctxID int, w Window, instr []ModelInstruction) error {
	if s.closed {
		return ErrServerClosed
	}
	if ctxID < 0 || (s.cfg.Stateless && ctxID != 0) {
		return fmt.Errorf("context %d: %w", ctxID, ErrUnknownContext)
	}
	ctx := s.contexts[ctxID]
	if ctx == nil {
		ctx = newWindowContext(s, ctxID)
		s.contexts[ctxID] = ctx
	}

	ifp, mfp := w.imageryFingerprint(), w.metaFingerprint()
	imagery := !ctx.haveWin || s.cfg.Stateless || len(instr) > 0 || ifp != ctx.imageryFP
	metaChanged := imagery || mfp != ctx.metaFP
	if s.cfg.Stateless {
		s.eraseModel()
	}
	ctx.window = w
	ctx.imageryFP, ctx.metaFP = ifp, mfp
	ctx.haveWin = true
	s.distribute(instr)

	switch {
	case imagery:
		wins, err := ctx.buildWindows(&ctx.window)
		if err != nil {
			return err
		}
		ctx.pending = wins
		ctx.hasPending = true
		ctx.seqPref = w.SequenceCodestreams
	case metaChanged:
		ctx.updateMeta = true
	}
	s.log.Debug("window changed", "context", ctxID, "region", w.Region,
		"imagery", imagery, "metadata", metaChanged, "instructions", len(instr))
	return nil
}

// GetWindow returns the window context ctxID serves. When an oversized
// window was shrunk the region is the one actually served.
func (s *Server) GetWindow(ctxID int) (Window, bool) {
	ctx := s.contexts[ctxID]
	if ctx == nil || !ctx.haveWin {
		return Window{}, false
	}
	w := ctx.window
	wins := ctx.windows
	if ctx.hasPending {
		wins = ctx.pending
	}
	if len(wins) == 1 && !w.MetadataOnly {
		w.Region = wins[0].region
	}
	return w, true
}

// GenerateIncrements produces the next batch for context ctxID. The batch
// aims for suggested bytes of chunk content and never exceeds maxBytes. An
// empty list means there is nothing to send for the current window. Chunks
// stay leased until handed back with ReleaseChunks.
//
// A non-nil error is fatal for the batch: nothing was produced and the
// cache model is what it was before the call.
func (s *Server) GenerateIncrements(ctxID, suggested, maxBytes int) ([]*Chunk, error) {
	if s.closed {
		return nil, ErrServerClosed
	}
	ctx := s.contexts[ctxID]
	if ctx == nil {
		return nil, fmt.Errorf("context %d: %w", ctxID, ErrUnknownContext)
	}
	chunks, err := ctx.generate(suggested, maxBytes)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, c := range chunks {
		total += c.Len()
	}
	if s.metrics != nil {
		s.metrics.batches.Inc()
		s.metrics.bytes.Add(float64(total))
		s.metrics.batchBytes.Observe(float64(total))
	}
	s.log.Debug("batch generated", "context", ctxID, "chunks", len(chunks), "bytes", total,
		"suggested", suggested, "max", maxBytes)
	return chunks, nil
}

// PushExtraData queues opaque bytes to lead the next batch of context
// ctxID, packed into chunk bodies outside any increment record.
func (s *Server) PushExtraData(ctxID int, data []byte) error {
	if s.closed {
		return ErrServerClosed
	}
	ctx := s.contexts[ctxID]
	if ctx == nil {
		return fmt.Errorf("context %d: %w", ctxID, ErrUnknownContext)
	}
	for len(data) > 0 {
		var c *Chunk
		if n := len(ctx.extra); n > 0 && ctx.extra[n-1].room() > 0 {
			c = ctx.extra[n-1]
		} else {
			c = s.chunks.get()
			ctx.extra = append(ctx.extra, c)
		}
		k := min(c.room(), len(data))
		c.data = append(c.data, data[:k]...)
		data = data[k:]
	}
	return nil
}

// ReleaseChunks returns chunks to the server. With checkAbandoned, chunks
// whose Abandoned flag is set are treated as lost and their contents become
// eligible for delivery again.
func (s *Server) ReleaseChunks(chunks []*Chunk, checkAbandoned bool) {
	s.release(chunks, checkAbandoned)
}

// WindowFinished discards context ctxID and every reference it holds. The
// shared cache model is untouched.
func (s *Server) WindowFinished(ctxID int) {
	ctx := s.contexts[ctxID]
	if ctx == nil {
		return
	}
	ctx.finish()
	delete(s.contexts, ctxID)
	s.detachIdle()
	s.log.Debug("window finished", "context", ctxID)
}

// ImageDone reports whether the client holds every codestream data unit
// and every metadata bin.
func (s *Server) ImageDone() bool {
	if s.cfg.Stateless {
		return s.statelessDone
	}
	return s.allComplete()
}

func (s *Server) allComplete() bool {
	return s.completedStreams == len(s.streams) && s.meta.complete()
}

// ContextInfo describes one window context.
type ContextInfo struct {
	ID int

	// ChannelID identifies the context to transports that multiplex
	// several contexts over one connection.
	ChannelID uuid.UUID

	Windows    int
	ActiveRefs int

	// Pending reports whether the context has more to send for its
	// current window.
	Pending bool
}

// ContextInfo returns the state of context ctxID.
func (s *Server) ContextInfo(ctxID int) (ContextInfo, error) {
	ctx := s.contexts[ctxID]
	if ctx == nil {
		return ContextInfo{}, fmt.Errorf("context %d: %w", ctxID, ErrUnknownContext)
	}
	wins := len(ctx.windows)
	if ctx.hasPending {
		wins = len(ctx.pending)
	}
	return ContextInfo{
		ID:         ctx.id,
		ChannelID:  ctx.channel,
		Windows:    wins,
		ActiveRefs: len(ctx.active),
		Pending:    ctx.pendingWork(),
	}, nil
}

// Close finishes every context and detaches every codestream. Chunks still
// leased may be released afterwards.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	for id, ctx := range s.contexts {
		ctx.finish()
		delete(s.contexts, id)
	}
	s.detachIdle()
	s.bounds.purge()
	if s.bytes != nil {
		s.bytes.purge()
	}
	s.stopProfiling()
	s.closed = true
	return nil
}
