package mrmpi

import (
	"fmt"

	"github.com/sandialabs/mrmpi-go/page"
)

// MapStyle selects how Map dispatches task IDs across processes.
type MapStyle int

const (
	// Chunk partitions task IDs into contiguous per-process ranges.
	Chunk MapStyle = iota
	// Strided hands process r tasks r, r+P, r+2P, ....
	Strided
	// MasterSlave has rank 0 hand out tasks on demand.
	MasterSlave
)

func (s MapStyle) String() string {
	switch s {
	case Chunk:
		return "chunk"
	case Strided:
		return "strided"
	case MasterSlave:
		return "master_slave"
	default:
		return "invalid"
	}
}

// Verbosity controls how much kv_stats/kmv_stats print.
type Verbosity int

const (
	// VerboseNone prints nothing.
	VerboseNone Verbosity = iota
	// VerboseTotals prints aggregate totals only.
	VerboseTotals
	// VerboseHistogram additionally prints per-process histograms.
	VerboseHistogram
)

// Timer selects how operation timings are measured.
type Timer int

const (
	// TimerOff disables timing.
	TimerOff Timer = iota
	// TimerBarrier times an operation including the wait for every
	// rank to reach it (a barrier precedes the timed region).
	TimerBarrier
	// TimerUnbarriered times only this rank's own execution.
	TimerUnbarriered
)

// Options collects every configuration knob of an Engine.
type Options struct {
	MemSize        int
	KAlign, VAlign int
	MapStyle       MapStyle
	Verbosity      Verbosity
	Timer          Timer
	ScratchDir     string
}

// Option mutates an Options value being built by New, in the
// functional-options shape used throughout the driver-configuration
// surface of this corpus.
type Option func(*Options)

// defaultOptions returns the Options an Engine is constructed with
// before any Option is applied.
func defaultOptions() Options {
	return Options{
		MemSize:    page.DefaultMemSize,
		KAlign:     page.SizeofInt,
		VAlign:     page.SizeofInt,
		MapStyle:   Chunk,
		Verbosity:  VerboseNone,
		Timer:      TimerOff,
		ScratchDir: ".",
	}
}

// WithMemSize sets the in-RAM page-buffer size, in bytes.
func WithMemSize(n int) Option { return func(o *Options) { o.MemSize = n } }

// WithAlign sets the key and value record alignment.
func WithAlign(kalign, valign int) Option {
	return func(o *Options) { o.KAlign, o.VAlign = kalign, valign }
}

// WithMapStyle sets Map's dispatch policy.
func WithMapStyle(s MapStyle) Option { return func(o *Options) { o.MapStyle = s } }

// WithVerbosity sets the statistics verbosity level.
func WithVerbosity(v Verbosity) Option { return func(o *Options) { o.Verbosity = v } }

// WithTimer sets the operation timing mode.
func WithTimer(t Timer) Option { return func(o *Options) { o.Timer = t } }

// WithScratchDir sets the directory container scratch files are
// written to.
func WithScratchDir(dir string) Option { return func(o *Options) { o.ScratchDir = dir } }

func (o Options) validate() error {
	if o.MemSize <= 0 {
		return fmt.Errorf("mrmpi: memsize must be positive")
	}
	if err := page.CheckAlign(o.KAlign, o.MemSize/4); err != nil {
		return err
	}
	if err := page.CheckAlign(o.VAlign, o.MemSize/4); err != nil {
		return err
	}
	return nil
}
