// profiling.go
//
// Optional profiling for long-running servers using the standard
// net/http/pprof handlers and runtime execution tracing. Profiles are
// captured on demand over HTTP while batches are being generated.
package jpipserve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime/trace"
	"time"
)

// ProfilingConfig specifies profiling options for a Server.
type ProfilingConfig struct {
	// EnableProfiling starts an HTTP server with pprof endpoints.
	EnableProfiling bool `yaml:"enable_profiling"`

	// ProfileAddr is the listen address of the profiling server.
	// Defaults to "localhost:6060" if empty.
	ProfileAddr string `yaml:"profile_addr"`

	// Trace records an execution trace from NewServer until Close.
	Trace bool `yaml:"trace"`

	// TraceOutputPath defaults to "./trace.out" if empty and Trace is true.
	TraceOutputPath string `yaml:"trace_output_path"`
}

// WithProfiling enables profiling with the given configuration.
//
// Example:
//
//	srv, err := jpipserve.NewServer(tgt,
//	    jpipserve.WithProfiling(&jpipserve.ProfilingConfig{
//	        EnableProfiling: true,
//	        Trace:           true,
//	    }),
//	)
func WithProfiling(config *ProfilingConfig) Option {
	return func(s *Server) {
		if config == nil {
			return
		}
		cfg := *config
		if cfg.EnableProfiling && cfg.ProfileAddr == "" {
			cfg.ProfileAddr = "localhost:6060"
		}
		if cfg.Trace && cfg.TraceOutputPath == "" {
			cfg.TraceOutputPath = "./trace.out"
		}
		s.profiling = &cfg
	}
}

// startProfiling starts the HTTP profiling server and/or trace. A failure
// is reported but does not prevent serving.
func (s *Server) startProfiling() error {
	if s.profiling == nil {
		return nil
	}

	if s.profiling.EnableProfiling {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		srv := &http.Server{
			Addr:              s.profiling.ProfileAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.profileServer = srv
		log := s.log
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("profiling server stopped", "addr", srv.Addr, "error", err)
			}
		}()
		s.log.Info("profiling server started", "addr", s.profiling.ProfileAddr)
	}

	if s.profiling.Trace {
		f, err := os.Create(s.profiling.TraceOutputPath)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		s.traceFile = f
		if err := trace.Start(f); err != nil {
			f.Close()
			s.traceFile = nil
			return fmt.Errorf("start trace: %w", err)
		}
	}
	return nil
}

// stopProfiling stops the HTTP profiling server and/or trace.
func (s *Server) stopProfiling() {
	if s.profiling == nil {
		return
	}

	if s.profileServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.profileServer.Shutdown(ctx); err != nil {
			s.log.Warn("profiling server shutdown", "error", err)
		}
		s.profileServer = nil
	}

	if s.traceFile != nil {
		trace.Stop()
		s.traceFile.Close()
		s.traceFile = nil
	}
}
