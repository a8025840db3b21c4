package mrmpi

import (
	"context"

	"github.com/sandialabs/mrmpi-go/kmv"
	"github.com/sandialabs/mrmpi-go/kv"
)

// ReduceFunc is invoked once per KMV record. For a normal record,
// rec.Values/rec.Lens describe the inline value list. For a
// multi-block record (rec.MultiBlock), the callback must stream the
// value chain via rec.Block(i) for i in [0, rec.NBlocks) instead.
type ReduceFunc func(rec kmv.Record, out *kv.KV) error

// Reduce consumes the engine's KMV, invoking fn once per record and
// collecting the emitted records into a fresh KV. The KMV is freed on
// success.
func (e *Engine) Reduce(ctx context.Context, fn ReduceFunc) (int64, error) {
	defer e.startTimer(ctx, "reduce")()
	m, err := e.requireKMV("reduce")
	if err != nil {
		return 0, err
	}
	// The input KMV occupies the second quarter (or, under Compress,
	// the scratch half), so the output KV takes the first quarter.
	out := e.newKV()
	it := m.Records()
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if err := fn(rec, out); err != nil {
			return 0, err
		}
	}
	if err := out.Complete(); err != nil {
		return 0, err
	}
	e.setKV(out)
	e.countOp("reduce", e.kv.NKV())
	if err := kvStats(ctx, e.c, e.opts.Verbosity, "reduce", e.kv); err != nil {
		return 0, err
	}
	return e.c.AllReduceSum(ctx, e.kv.NKV())
}

// Compress behaves as convert, then reduce, then complete, but stays
// entirely per-process: it merges duplicate keys within this
// process's partition without a cross-process shuffle. The
// intermediate KMV lives in the engine's scratch half rather than the
// second quarter that Convert uses.
func (e *Engine) Compress(ctx context.Context, fn ReduceFunc) (int64, error) {
	defer e.startTimer(ctx, "compress")()
	x, err := e.requireKV("compress")
	if err != nil {
		return 0, err
	}
	pageSize := e.buf.Len() / 4
	m, err := kmv.Convert(x, e.align(), pageSize, e.scratchHalf()[:pageSize], e.opts.ScratchDir, e.scratchName("kmv"))
	if err != nil {
		return 0, err
	}
	e.setKMV(m)
	total, err := e.Reduce(ctx, fn)
	if err != nil {
		return 0, err
	}
	e.countOp("compress", e.kv.NKV())
	return total, nil
}
