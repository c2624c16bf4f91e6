package jpipserve

import (
	"errors"
	"fmt"
)

var (
	// ErrChunkTooSmall is returned when the configured chunk body cannot hold
	// a minimal message header together with the smallest fragment the
	// splitting policy allows.
	ErrChunkTooSmall = errors.New("you must use larger chunks or smaller chunk prefixes to create a legal set of data chunks")

	// ErrMalformedStructure is the sentinel wrapped by every StructureError.
	ErrMalformedStructure = errors.New("malformed structural data")

	// ErrInvalidConfig is the sentinel wrapped by every ConfigError.
	ErrInvalidConfig = errors.New("invalid configuration")

	ErrUnknownContext  = errors.New("unknown window context")
	ErrShortRead       = errors.New("target returned fewer bytes than requested")
	ErrTruncatedRecord = errors.New("truncated increment record")
	ErrMalformedRecord = errors.New("malformed increment record header")
	ErrServerClosed    = errors.New("server closed")
)

// StructureError reports structural information from the Target that is
// inconsistent with what the server already knows about a codestream. It is
// a fatal configuration error: the batch in progress is abandoned and the
// call is not retried.
type StructureError struct {
	// Stream is the codestream the report concerns.
	Stream int

	// Tile is the tile index, or -1 when the problem is stream-wide.
	Tile int

	// Reason describes the inconsistency.
	Reason string
}

func (e *StructureError) Error() string {
	if e.Tile < 0 {
		return fmt.Sprintf("codestream %d: %s", e.Stream, e.Reason)
	}
	return fmt.Sprintf("codestream %d tile %d: %s", e.Stream, e.Tile, e.Reason)
}

func (e *StructureError) Unwrap() error { return ErrMalformedStructure }

// ConfigError names the configuration field that failed validation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }
