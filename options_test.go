package tilestream

import (
	"testing"
	"time"
)

func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	if o.maxInFlight != 512 {
		t.Errorf("maxInFlight = %d, want 512", o.maxInFlight)
	}
	if o.maxBatch != 128 {
		t.Errorf("maxBatch = %d, want 128", o.maxBatch)
	}
	if o.poll != time.Millisecond {
		t.Errorf("poll = %v, want 1ms", o.poll)
	}
	if o.aliasingBarriers {
		t.Error("aliasing barriers enabled by default")
	}
	if o.traceDir != "." {
		t.Errorf("traceDir = %q, want \".\"", o.traceDir)
	}
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name  string
		opt   Option
		check func(options) bool
	}{
		{"aliasing", WithAliasingBarriers(true), func(o options) bool { return o.aliasingBarriers }},
		{"in flight", WithMaxTileCopiesInFlight(64), func(o options) bool { return o.maxInFlight == 64 }},
		{"in flight ignores zero", WithMaxTileCopiesInFlight(0), func(o options) bool { return o.maxInFlight == 512 }},
		{"batch", WithMaxTileCopiesPerBatch(8), func(o options) bool { return o.maxBatch == 8 }},
		{"batch ignores negative", WithMaxTileCopiesPerBatch(-1), func(o options) bool { return o.maxBatch == 128 }},
		{"workers", WithReferenceWorkers(3), func(o options) bool { return o.workers == 3 }},
		{"poll", WithPollInterval(time.Second), func(o options) bool { return o.poll == time.Second }},
		{"poll ignores zero", WithPollInterval(0), func(o options) bool { return o.poll == time.Millisecond }},
		{"trace dir", WithTraceDir("traces"), func(o options) bool { return o.traceDir == "traces" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := defaultOptions()
			tt.opt(&o)
			if !tt.check(o) {
				t.Errorf("option not applied: %+v", o)
			}
		})
	}
}

func TestVisualizationModeString(t *testing.T) {
	tests := []struct {
		mode VisualizationMode
		want string
	}{
		{VisualizationOff, "Off"},
		{VisualizationMipColors, "MipColors"},
		{VisualizationTileColors, "TileColors"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.mode, got, tt.want)
		}
	}
}
