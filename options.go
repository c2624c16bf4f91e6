package jpipserve

import "log/slog"

// Option configures a Server during construction.
type Option func(*Server)

// WithConfig replaces the default configuration. The configuration is
// validated by NewServer.
func WithConfig(cfg Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// WithLogger sets the logger; the default discards everything.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics reports batch and pool statistics to m.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithBoundaryCache sets the number of precincts whose packet boundaries
// are remembered after they leave every window.
func WithBoundaryCache(entries int) Option {
	return func(s *Server) { s.boundEntries = entries }
}

// WithByteCache sets the number of header and metadata units kept in
// memory. A negative count disables the cache.
func WithByteCache(entries int) Option {
	return func(s *Server) { s.byteEntries = entries }
}
