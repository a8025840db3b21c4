package mrmpi

import (
	"context"

	"github.com/sandialabs/mrmpi-go/kmv"
)

// Clone reinterprets the engine's KV as a KMV with one value per
// record, page for page, with no communication and no sort.
func (e *Engine) Clone(ctx context.Context) (int64, error) {
	defer e.startTimer(ctx, "clone")()
	x, err := e.requireKV("clone")
	if err != nil {
		return 0, err
	}
	pageSize := e.buf.Len() / 4
	m, err := kmv.Clone(x, e.align(), pageSize, e.newOutputBuf(), e.opts.ScratchDir, e.scratchName("kmv"))
	if err != nil {
		return 0, err
	}
	e.setKMV(m)
	e.countOp("clone", e.kmv.NKeys())
	if err := kmvStats(ctx, e.c, e.opts.Verbosity, "clone", e.kmv); err != nil {
		return 0, err
	}
	return e.c.AllReduceSum(ctx, e.kmv.NKeys())
}

// Collapse folds the engine's entire KV into a single KMV record
// whose key is keyBytes and whose value list is the interleaved
// (k0, v0, k1, v1, ...) byte stream of the source.
func (e *Engine) Collapse(ctx context.Context, keyBytes []byte) (int64, error) {
	defer e.startTimer(ctx, "collapse")()
	x, err := e.requireKV("collapse")
	if err != nil {
		return 0, err
	}
	pageSize := e.buf.Len() / 4
	m, err := kmv.Collapse(keyBytes, x, e.align(), pageSize, e.newOutputBuf(), e.opts.ScratchDir, e.scratchName("kmv"))
	if err != nil {
		return 0, err
	}
	e.setKMV(m)
	e.countOp("collapse", e.kmv.NKeys())
	if err := kmvStats(ctx, e.c, e.opts.Verbosity, "collapse", e.kmv); err != nil {
		return 0, err
	}
	return e.c.AllReduceSum(ctx, e.kmv.NKeys())
}

// Convert groups the engine's KV by key, per-process.
func (e *Engine) Convert(ctx context.Context) (int64, error) {
	defer e.startTimer(ctx, "convert")()
	x, err := e.requireKV("convert")
	if err != nil {
		return 0, err
	}
	pageSize := e.buf.Len() / 4
	m, err := kmv.Convert(x, e.align(), pageSize, e.newOutputBuf(), e.opts.ScratchDir, e.scratchName("kmv"))
	if err != nil {
		return 0, err
	}
	e.setKMV(m)
	e.countOp("convert", e.kmv.NKeys())
	if err := kmvStats(ctx, e.c, e.opts.Verbosity, "convert", e.kmv); err != nil {
		return 0, err
	}
	return e.c.AllReduceSum(ctx, e.kmv.NKeys())
}

// Add appends other's KV onto this engine's KV. other must hold a KV;
// this engine must also hold a KV (use Map with an empty task count
// first if starting from nothing).
func (e *Engine) Add(other *Engine) error {
	x, err := e.requireKV("add")
	if err != nil {
		return err
	}
	y, err := other.requireKV("add")
	if err != nil {
		return err
	}
	if err := x.Concat(y); err != nil {
		return err
	}
	return x.Complete()
}

// newOutputBuf returns the page buffer newKMV/newOutputKV would use,
// exposed so the clone/collapse/convert family can hand kmv's
// package-level constructors a buffer without duplicating the
// quarter-selection logic.
func (e *Engine) newOutputBuf() []byte { return e.buf.Quarter2() }
