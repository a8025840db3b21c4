// Package mrmpi implements the core MapReduce-MPI engine: a
// distributed, out-of-core library for expressing bulk data
// processing over two binary containers, KV (key-value) and KMV
// (key-multivalue), whose records flow between processes via
// hash-based redistribution and spill to scratch files once they
// outgrow RAM.
package mrmpi

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/sandialabs/mrmpi-go/comm"
	"github.com/sandialabs/mrmpi-go/kmv"
	"github.com/sandialabs/mrmpi-go/kv"
	"github.com/sandialabs/mrmpi-go/page"
)

// counterSet is a set of named, atomically-updated int64 counters,
// used to track per-operation call and record counts.
type counterSet struct {
	mu     sync.Mutex
	counts map[string]*int64
}

func newCounterSet() *counterSet {
	return &counterSet{counts: make(map[string]*int64)}
}

func (c *counterSet) add(name string, delta int64) {
	c.mu.Lock()
	p := c.counts[name]
	if p == nil {
		p = new(int64)
		c.counts[name] = p
	}
	c.mu.Unlock()
	atomic.AddInt64(p, delta)
}

// snapshot returns the current value of every counter, keyed by name.
func (c *counterSet) snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := make(map[string]int64, len(c.counts))
	for k, p := range c.counts {
		v[k] = atomic.LoadInt64(p)
	}
	return v
}

// containerState tracks which of KV, KMV, or neither an Engine
// currently holds.
type containerState int

const (
	stateNone containerState = iota
	stateKV
	stateKMV
)

func (s containerState) String() string {
	switch s {
	case stateNone:
		return "empty engine"
	case stateKV:
		return "KV"
	case stateKMV:
		return "KMV"
	default:
		return "invalid"
	}
}

var instanceCounter int64

// Engine is one process's instance of the MapReduce-MPI engine. It
// owns at most one KV and one KMV at a time, a RAM page buffer shared
// across whichever containers an operation needs alive simultaneously,
// and the communicator used to talk to its peers.
type Engine struct {
	c    comm.Communicator
	opts Options
	buf  *page.Buffer

	instance int64
	seq      int64

	state containerState
	kv    *kv.KV
	kmv   *kmv.KMV

	counters *counterSet
}

// New constructs an Engine bound to communicator c, applying opts in
// order over the defaults.
func New(c comm.Communicator, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, errors.E(errors.Precondition, err)
	}
	return &Engine{
		c:        c,
		opts:     o,
		buf:      page.NewBuffer(o.MemSize),
		instance: atomic.AddInt64(&instanceCounter, 1),
		state:    stateNone,
		counters: newCounterSet(),
	}, nil
}

// Stats returns a snapshot of this engine's running operation counters:
// how many times each operation has run and how many records it
// produced locally, keyed by "<op>_calls" and "<op>_records".
func (e *Engine) Stats() map[string]int64 {
	return e.counters.snapshot()
}

// countOp records one invocation of op, which locally produced n
// records, in the engine's running counters.
func (e *Engine) countOp(op string, n int64) {
	e.counters.add(op+"_calls", 1)
	e.counters.add(op+"_records", n)
}

// NumProcs returns the number of processes in the engine's
// communicator.
func (e *Engine) NumProcs() int { return e.c.Size() }

// Rank returns this process's rank.
func (e *Engine) Rank() int { return e.c.Rank() }

// Comm returns the engine's communicator.
func (e *Engine) Comm() comm.Communicator { return e.c }

// align returns the record alignment configured via WithAlign.
func (e *Engine) align() kv.Align { return kv.NewAlign(e.opts.KAlign, e.opts.VAlign) }

// scratchName returns a fresh, unique scratch-file base name for a
// container owned by this engine instance, encoding container kind,
// engine instance number, and rank so concurrent engines never
// collide on disk.
func (e *Engine) scratchName(kind string) string {
	e.seq++
	return fmt.Sprintf("mrmpi-%d-%s-%d-%d", e.instance, kind, e.c.Rank(), e.seq)
}

// newKV returns a fresh, empty KV bound to this engine's first
// buffer quarter.
func (e *Engine) newKV() *kv.KV {
	pageSize := e.buf.Len() / 4
	return kv.New(e.align(), pageSize, e.buf.Quarter1(), e.opts.ScratchDir, e.scratchName("kv"))
}

// newOutputKV returns a fresh, empty KV bound to this engine's second
// buffer quarter, for operations that need an input and an output KV
// alive at once.
func (e *Engine) newOutputKV() *kv.KV {
	pageSize := e.buf.Len() / 4
	return kv.New(e.align(), pageSize, e.buf.Quarter2(), e.opts.ScratchDir, e.scratchName("kv"))
}

// newKMV returns a fresh, empty KMV bound to this engine's second
// buffer quarter, the conventional output slot for grouping
// operations.
func (e *Engine) newKMV() *kmv.KMV {
	pageSize := e.buf.Len() / 4
	return kmv.New(e.align(), pageSize, e.buf.Quarter2(), e.opts.ScratchDir, e.scratchName("kmv"))
}

// scratchHalf returns the half-region used as scratch by sort (merge
// buffers), aggregate and gather (page read buffer) and compress (its
// intermediate KMV page).
func (e *Engine) scratchHalf() []byte { return e.buf.Half() }

func (e *Engine) requireKV(op string) (*kv.KV, error) {
	if e.state != stateKV {
		return nil, errWrongState(op, e.state, stateKV)
	}
	return e.kv, nil
}

func (e *Engine) requireKMV(op string) (*kmv.KMV, error) {
	if e.state != stateKMV {
		return nil, errWrongState(op, e.state, stateKMV)
	}
	return e.kmv, nil
}

// setKV installs x as the engine's held container, closing whatever
// container (KV or KMV) it held before.
func (e *Engine) setKV(x *kv.KV) {
	if e.state == stateKV && e.kv == x {
		return
	}
	e.closeHeld()
	e.kv = x
	e.state = stateKV
}

func (e *Engine) setKMV(m *kmv.KMV) {
	if e.state == stateKMV && e.kmv == m {
		return
	}
	e.closeHeld()
	e.kmv = m
	e.state = stateKMV
}

func (e *Engine) closeHeld() {
	switch e.state {
	case stateKV:
		e.kv.Close()
		e.kv = nil
	case stateKMV:
		e.kmv.Close()
		e.kmv = nil
	}
	e.state = stateNone
}

// Close releases whatever container the engine currently holds,
// removing its scratch file. It is the caller's responsibility to
// call Close once the engine is no longer needed.
func (e *Engine) Close() error {
	e.closeHeld()
	return nil
}
