package mrmpi

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/sandialabs/mrmpi-go/kv"
)

// Gather moves the KV data held on ranks >= numProcs into the first
// numProcs ranks via point-to-point, page-by-page transfer. Target p
// receives from senders p, p+numProcs, p+2*numProcs, .... Senders end
// up with an empty KV; receivers end up with their own records plus
// everything they received.
func (e *Engine) Gather(ctx context.Context, numProcs int) (int64, error) {
	defer e.startTimer(ctx, "gather")()
	x, err := e.requireKV("gather")
	if err != nil {
		return 0, err
	}
	r, p := e.c.Rank(), e.c.Size()
	if numProcs <= 0 || numProcs > p {
		return 0, errors.E(errors.Precondition, "gather: num_procs out of range")
	}
	var out *kv.KV
	if r < numProcs {
		if err := x.Append(); err != nil {
			return 0, err
		}
		for s := r + numProcs; s < p; s += numProcs {
			if err := e.recvKVPages(ctx, s, x); err != nil {
				return 0, err
			}
		}
		if err := x.Complete(); err != nil {
			return 0, err
		}
		out = x
	} else {
		if err := e.sendKVPages(ctx, r%numProcs, x); err != nil {
			return 0, err
		}
		out = e.newKV()
		if err := out.Complete(); err != nil {
			return 0, err
		}
	}
	e.setKV(out)
	e.countOp("gather", e.kv.NKV())
	if err := kvStats(ctx, e.c, e.opts.Verbosity, "gather", e.kv); err != nil {
		return 0, err
	}
	return e.c.AllReduceSum(ctx, e.kv.NKV())
}

// Scrunch is gather followed by collapse: it concentrates the KV onto
// the first numProcs ranks and then folds each rank's share into a
// single record keyed by keyBytes.
func (e *Engine) Scrunch(ctx context.Context, numProcs int, keyBytes []byte) (int64, error) {
	defer e.startTimer(ctx, "scrunch")()
	if _, err := e.Gather(ctx, numProcs); err != nil {
		return 0, err
	}
	return e.Collapse(ctx, keyBytes)
}

func (e *Engine) sendKVPages(ctx context.Context, dest int, x *kv.KV) error {
	scratch := e.scratchHalf()[:x.PageSize]
	n := x.NumPages()
	if err := e.c.Send(ctx, dest, encodeInt64(int64(n))); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		b, info, err := x.RequestPageInto(i, scratch)
		if err != nil {
			return err
		}
		msg := append(encodeInt64(int64(info.Count)), b...)
		if err := e.c.Send(ctx, dest, msg); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recvKVPages(ctx context.Context, src int, out *kv.KV) error {
	nb, err := e.c.Recv(ctx, src)
	if err != nil {
		return err
	}
	n := int(decodeInt64(nb))
	for i := 0; i < n; i++ {
		msg, err := e.c.Recv(ctx, src)
		if err != nil {
			return err
		}
		count := int(decodeInt64(msg[:8]))
		if err := out.AddPacked(count, msg[8:], out.Align); err != nil {
			return err
		}
	}
	return nil
}
