package tilestream

import "time"

// Option configures a Manager during creation.
//
// Example:
//
//	m, err := tilestream.New(tilestream.ManagerDesc{Device: dev},
//	    tilestream.WithMaxTileCopiesInFlight(256),
//	    tilestream.WithTraceDir("traces"),
//	)
type Option func(*options)

// options holds optional configuration for Manager creation.
type options struct {
	aliasingBarriers bool
	maxInFlight      int
	maxBatch         int
	workers          int
	poll             time.Duration
	traceDir         string
}

// defaultOptions returns the default manager options.
func defaultOptions() options {
	return options{
		maxInFlight: 512,
		maxBatch:    128,
		workers:     0, // GOMAXPROCS
		poll:        time.Millisecond,
		traceDir:    ".",
	}
}

// WithAliasingBarriers adds one aliasing barrier per queued resource to
// the before-draw command list. Devices that alias heap memory between
// tile mappings need it.
func WithAliasingBarriers(enabled bool) Option {
	return func(o *options) {
		o.aliasingBarriers = enabled
	}
}

// WithMaxTileCopiesInFlight caps the number of tile copies submitted to
// the file streamer and not yet retired. Values below 1 are ignored.
func WithMaxTileCopiesInFlight(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxInFlight = n
		}
	}
}

// WithMaxTileCopiesPerBatch caps the number of tile copies in one
// streamer submission. Values below 1 are ignored.
func WithMaxTileCopiesPerBatch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBatch = n
		}
	}
}

// WithReferenceWorkers sets the number of copy goroutines of the
// reference file streamer. Zero uses GOMAXPROCS.
func WithReferenceWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithPollInterval sets how often background goroutines poll fences.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithTraceDir sets the directory upload trace files are written to.
func WithTraceDir(dir string) Option {
	return func(o *options) {
		o.traceDir = dir
	}
}
