package mrmpi

import (
	"context"

	"github.com/sandialabs/mrmpi-go/exchange"
	"github.com/sandialabs/mrmpi-go/kv"
)

// Aggregate hash-partitions the engine's KV across every process so
// that, afterward, all copies of any key live on one process. On a
// single-process communicator it is a no-op.
func (e *Engine) Aggregate(ctx context.Context, h HashFunc) (int64, error) {
	defer e.startTimer(ctx, "aggregate")()
	x, err := e.requireKV("aggregate")
	if err != nil {
		return 0, err
	}
	if e.c.Size() == 1 {
		e.countOp("aggregate", x.NKV())
		if err := kvStats(ctx, e.c, e.opts.Verbosity, "aggregate", x); err != nil {
			return 0, err
		}
		return e.c.AllReduceSum(ctx, x.NKV())
	}
	out := e.newOutputKV()
	maxPages, err := e.c.AllReduceMax(ctx, int64(x.NumPages()))
	if err != nil {
		return 0, err
	}
	scratch := e.scratchHalf()[:x.PageSize]
	for i := int64(0); i < maxPages; i++ {
		var sizes, dest []int
		var payload []byte
		if int(i) < x.NumPages() {
			b, info, err := x.RequestPageInto(int(i), scratch)
			if err != nil {
				return 0, err
			}
			off := 0
			for r := 0; r < info.Count; r++ {
				key, _, sz := kv.GetRecord(b[off:], x.Align)
				dest = append(dest, destinationOf(h, key, e.c.Size()))
				sizes = append(sizes, sz)
				payload = append(payload, b[off:off+sz]...)
				off += sz
			}
		}
		recvPayload, recvSizes, err := exchange.Exchange(ctx, e.c, payload, sizes, dest)
		if err != nil {
			return 0, err
		}
		if err := out.AddPacked(len(recvSizes), recvPayload, x.Align); err != nil {
			return 0, err
		}
	}
	if err := out.Complete(); err != nil {
		return 0, err
	}
	e.setKV(out)
	e.countOp("aggregate", e.kv.NKV())
	if err := kvStats(ctx, e.c, e.opts.Verbosity, "aggregate", e.kv); err != nil {
		return 0, err
	}
	return e.c.AllReduceSum(ctx, e.kv.NKV())
}

// Collate is aggregate followed by convert: it hash-partitions the KV
// across processes and then groups each process's share by key.
func (e *Engine) Collate(ctx context.Context, h HashFunc) (int64, error) {
	defer e.startTimer(ctx, "collate")()
	if _, err := e.Aggregate(ctx, h); err != nil {
		return 0, err
	}
	return e.Convert(ctx)
}
