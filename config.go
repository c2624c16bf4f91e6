// config.go
//
// Server configuration. Every tuning knob of the scheduler lives in Config;
// the zero value is not usable, start from DefaultConfig. Configurations may
// be loaded from YAML files so that deployments can tune the rate policy
// without rebuilding.

package jpipserve

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the scheduler and resource settings of a Server.
type Config struct {
	// ChunkBodyBytes is the capacity of each chunk after its prefix.
	ChunkBodyBytes int `yaml:"chunk_body_bytes"`

	// MinSplitBytes is the smallest fragment a message may carry when a
	// data unit is split across chunks. Zero means a quarter of
	// ChunkBodyBytes.
	MinSplitBytes int `yaml:"min_split_bytes"`

	// ChunkPrefixBytes is reserved at the start of every chunk for the
	// transport's framing.
	ChunkPrefixBytes int `yaml:"chunk_prefix_bytes"`

	// MaxWindowSamples bounds the samples one sequencing pass takes on.
	MaxWindowSamples int64 `yaml:"max_window_samples"`

	// MaxActiveCodestreams bounds the codestreams one pass interleaves.
	MaxActiveCodestreams int `yaml:"max_active_codestreams"`

	// MinWindowSide stops extra discard levels once the average window is
	// no larger than MinWindowSide squared.
	MinWindowSide int `yaml:"min_window_side"`

	// IgnoreRelevance serves precincts in sequence order only.
	IgnoreRelevance bool `yaml:"ignore_relevance"`

	// Stateless erases the cache model on every window change and ignores
	// abandoned chunks.
	Stateless bool `yaml:"stateless"`

	// DecoupleChunks makes every chunk decodable on its own by disabling
	// header compression across chunk boundaries.
	DecoupleChunks bool `yaml:"decouple_chunks"`

	// RateThreshold is the bits per sample below which a pass over
	// unpartitioned windows is abandoned in favour of resequencing.
	RateThreshold float64 `yaml:"rate_threshold"`

	// ReducedRateThreshold replaces RateThreshold while extra discard
	// levels are in force.
	ReducedRateThreshold float64 `yaml:"reduced_rate_threshold"`

	// RateThresholdStep is added to the threshold after each full lap of
	// the window ring.
	RateThresholdStep float64 `yaml:"rate_threshold_step"`

	// AbandonFraction: an increment of at least suggested/AbandonFraction
	// bytes that would overshoot the suggested batch size is left for the
	// next batch.
	AbandonFraction int `yaml:"abandon_fraction"`

	// FirstLayerSweep restricts each fresh pass to first quality layers
	// until one lap completes.
	FirstLayerSweep bool `yaml:"first_layer_sweep"`

	Relevance RelevancePolicy `yaml:"relevance"`

	BoundaryCacheEntries int `yaml:"boundary_cache_entries"`
	ByteCacheEntries     int `yaml:"byte_cache_entries"`
}

// minHeaderBytes is the shortest self-contained message header: one id
// byte, class, codestream, offset and length.
const minHeaderBytes = 5

// splitBytes resolves MinSplitBytes.
func (c *Config) splitBytes() int {
	if c.MinSplitBytes > 0 {
		return c.MinSplitBytes
	}
	return c.ChunkBodyBytes / 4
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		ChunkBodyBytes:       4096,
		ChunkPrefixBytes:     8,
		MaxWindowSamples:     1 << 22,
		MaxActiveCodestreams: 8,
		MinWindowSide:        160,
		RateThreshold:        2.0,
		ReducedRateThreshold: 1.0,
		RateThresholdStep:    2.0,
		AbandonFraction:      4,
		Relevance:            DefaultRelevancePolicy(),
		BoundaryCacheEntries: defaultBoundaryEntries,
		ByteCacheEntries:     defaultByteCacheEntries,
	}
}

// Validate reports the first unusable field as a *ConfigError.
func (c *Config) Validate() error {
	switch {
	case c.ChunkBodyBytes <= 0:
		return &ConfigError{Field: "chunk_body_bytes", Reason: "must be positive"}
	case c.MinSplitBytes < 0:
		return &ConfigError{Field: "min_split_bytes", Reason: "must not be negative"}
	case c.ChunkBodyBytes < minHeaderBytes+max(c.splitBytes(), 1):
		return &ConfigError{Field: "chunk_body_bytes", Reason: fmt.Sprintf(
			"%d bytes cannot hold a %d byte header and a %d byte fragment",
			c.ChunkBodyBytes, minHeaderBytes, max(c.splitBytes(), 1))}
	case c.ChunkPrefixBytes < 0:
		return &ConfigError{Field: "chunk_prefix_bytes", Reason: "must not be negative"}
	case c.MaxWindowSamples <= 0:
		return &ConfigError{Field: "max_window_samples", Reason: "must be positive"}
	case c.MaxActiveCodestreams < 1:
		return &ConfigError{Field: "max_active_codestreams", Reason: "must be at least 1"}
	case c.MinWindowSide < 0:
		return &ConfigError{Field: "min_window_side", Reason: "must not be negative"}
	case c.RateThreshold < 0 || c.ReducedRateThreshold < 0 || c.RateThresholdStep < 0:
		return &ConfigError{Field: "rate_threshold", Reason: "rate settings must not be negative"}
	case c.AbandonFraction < 1:
		return &ConfigError{Field: "abandon_fraction", Reason: "must be at least 1"}
	case c.Relevance.MaxSequence <= 0:
		return &ConfigError{Field: "relevance.max_sequence", Reason: "must be positive"}
	case c.BoundaryCacheEntries < 0 || c.ByteCacheEntries < 0:
		return &ConfigError{Field: "cache_entries", Reason: "must not be negative"}
	}
	return nil
}

// ParseConfig reads YAML from r over the defaults and validates the result.
// Unknown fields are rejected.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg, err := ParseConfig(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
