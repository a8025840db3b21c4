package mrmpi

import (
	"context"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/sandialabs/mrmpi-go/kmv"
	"github.com/sandialabs/mrmpi-go/kv"
	"github.com/sandialabs/mrmpi-go/spool"
)

// CompareFunc orders two byte strings, returning a negative number,
// zero, or a positive number as a compares before, equal to, or after
// b.
type CompareFunc func(a, b []byte) int

// extractFunc pulls the bytes SortKeys/SortValues compares on out of
// a decoded record.
type extractFunc func(key, value []byte) []byte

// SortKeys sorts the engine's KV by key, per-process, with no
// cross-process merge.
func (e *Engine) SortKeys(ctx context.Context, cmp CompareFunc) (int64, error) {
	return e.sortKV(ctx, "sort_keys", cmp, func(key, value []byte) []byte { return key })
}

// SortValues sorts the engine's KV by value, per-process.
func (e *Engine) SortValues(ctx context.Context, cmp CompareFunc) (int64, error) {
	return e.sortKV(ctx, "sort_values", cmp, func(key, value []byte) []byte { return value })
}

// sortKV implements both SortKeys and SortValues: one sorted spool
// per input page, then a sequence of pairwise merge passes down to a
// single fully sorted spool, which is replayed into a fresh KV.
func (e *Engine) sortKV(ctx context.Context, op string, cmp CompareFunc, extract extractFunc) (int64, error) {
	defer e.startTimer(ctx, op)()
	x, err := e.requireKV(op)
	if err != nil {
		return 0, err
	}
	n := x.NumPages()
	if n == 0 {
		e.countOp(op, x.NKV())
		if err := kvStats(ctx, e.c, e.opts.Verbosity, op, x); err != nil {
			return 0, err
		}
		return e.c.AllReduceSum(ctx, x.NKV())
	}

	// Phase 1: sort each source page independently into its own spool.
	readBuf := e.scratchHalf()[:x.PageSize]
	spoolPageSize := len(e.scratchHalf()) / 3
	buildBuf := make([]byte, spoolPageSize)
	spools := make([]*spool.Spool, n)
	for i := 0; i < n; i++ {
		s, err := e.sortPageIntoSpool(x, i, cmp, extract, readBuf, spoolPageSize, buildBuf)
		if err != nil {
			return 0, err
		}
		spools[i] = s
	}

	// Phase 2: P-1 pairwise merge passes down to one sorted spool.
	half := e.scratchHalf()
	bufA := half[0*spoolPageSize : 1*spoolPageSize]
	bufB := half[1*spoolPageSize : 2*spoolPageSize]
	bufOut := half[2*spoolPageSize : 3*spoolPageSize]
	for len(spools) > 1 {
		var next []*spool.Spool
		for i := 0; i+1 < len(spools); i += 2 {
			merged, err := mergeTwoSpools(spools[i], spools[i+1], x.Align, cmp, extract, spoolPageSize, bufA, bufB, bufOut, e.opts.ScratchDir, e.scratchName("spool"))
			if err != nil {
				return 0, err
			}
			spools[i].Close()
			spools[i+1].Close()
			next = append(next, merged)
		}
		if len(spools)%2 == 1 {
			next = append(next, spools[len(spools)-1])
		}
		spools = next
	}

	final := spools[0]
	out := e.newOutputKV()
	if err := spoolToKV(final, spoolPageSize, x.Align, out); err != nil {
		return 0, err
	}
	final.Close()
	if err := out.Complete(); err != nil {
		return 0, err
	}
	e.setKV(out)
	e.countOp(op, e.kv.NKV())
	if err := kvStats(ctx, e.c, e.opts.Verbosity, op, e.kv); err != nil {
		return 0, err
	}
	return e.c.AllReduceSum(ctx, e.kv.NKV())
}

func (e *Engine) sortPageIntoSpool(x *kv.KV, pageIdx int, cmp CompareFunc, extract extractFunc, readBuf []byte, spoolPageSize int, buildBuf []byte) (*spool.Spool, error) {
	b, info, err := x.RequestPageInto(pageIdx, readBuf)
	if err != nil {
		return nil, err
	}
	records := make([][]byte, info.Count)
	off := 0
	for r := 0; r < info.Count; r++ {
		sz := kv.PeekSize(b[off:], x.Align)
		records[r] = append([]byte{}, b[off:off+sz]...)
		off += sz
	}
	sort.SliceStable(records, func(i, j int) bool {
		ki, vi, _ := kv.GetRecord(records[i], x.Align)
		kj, vj, _ := kv.GetRecord(records[j], x.Align)
		return cmp(extract(ki, vi), extract(kj, vj)) < 0
	})
	s := spool.New(spoolPageSize, buildBuf, e.opts.ScratchDir, e.scratchName("spool"))
	for _, r := range records {
		if err := s.Add(r); err != nil {
			return nil, err
		}
	}
	if err := s.Complete(); err != nil {
		return nil, err
	}
	return s, nil
}

// spoolCursor streams the aligned KV records out of a completed spool
// in page order, one record at a time.
type spoolCursor struct {
	s       *spool.Spool
	buf     []byte
	pageIdx int
	off     int
	page    []byte
	info    spool.PageInfo
}

func newSpoolCursor(s *spool.Spool, buf []byte) *spoolCursor {
	return &spoolCursor{s: s, buf: buf}
}

func (c *spoolCursor) peek(align kv.Align) ([]byte, bool, error) {
	for c.page == nil || c.off >= c.info.Size {
		if c.pageIdx >= c.s.NumPages() {
			return nil, false, nil
		}
		page, info, err := c.s.RequestPage(c.pageIdx, c.buf)
		if err != nil {
			return nil, false, err
		}
		c.page, c.info, c.off = page, info, 0
		c.pageIdx++
	}
	sz := kv.PeekSize(c.page[c.off:], align)
	return c.page[c.off : c.off+sz], true, nil
}

func (c *spoolCursor) advance(n int) { c.off += n }

// mergeTwoSpools merges two sorted spools into a single sorted spool.
func mergeTwoSpools(a, b *spool.Spool, align kv.Align, cmp CompareFunc, extract extractFunc, pageSize int, bufA, bufB, bufOut []byte, dir, name string) (*spool.Spool, error) {
	out := spool.New(pageSize, bufOut, dir, name)
	ca := newSpoolCursor(a, bufA)
	cb := newSpoolCursor(b, bufB)
	for {
		ra, oka, err := ca.peek(align)
		if err != nil {
			return nil, err
		}
		rb, okb, err := cb.peek(align)
		if err != nil {
			return nil, err
		}
		if !oka && !okb {
			break
		}
		takeA := true
		switch {
		case !oka:
			takeA = false
		case !okb:
			takeA = true
		default:
			ka, va, _ := kv.GetRecord(ra, align)
			kb, vb, _ := kv.GetRecord(rb, align)
			takeA = cmp(extract(ka, va), extract(kb, vb)) <= 0
		}
		if takeA {
			if err := out.Add(ra); err != nil {
				return nil, err
			}
			ca.advance(len(ra))
		} else {
			if err := out.Add(rb); err != nil {
				return nil, err
			}
			cb.advance(len(rb))
		}
	}
	if err := out.Complete(); err != nil {
		return nil, err
	}
	return out, nil
}

// spoolToKV replays every record of a fully sorted spool into a fresh
// KV, in order.
func spoolToKV(s *spool.Spool, spoolPageSize int, align kv.Align, out *kv.KV) error {
	buf := make([]byte, spoolPageSize)
	for i := 0; i < s.NumPages(); i++ {
		b, info, err := s.RequestPage(i, buf)
		if err != nil {
			return err
		}
		off := 0
		for r := 0; r < info.Count; r++ {
			key, value, sz := kv.GetRecord(b[off:], align)
			if err := out.Add(key, value); err != nil {
				return err
			}
			off += sz
		}
	}
	return nil
}

// SortMultivalues sorts the value list of every KMV record using cmp.
// It is fatal if the KMV contains any multi-block record.
//
// This container's pages are immutable once committed, so rather than
// rewriting each record's value list in place, the sorted result is
// assembled into a fresh KMV that replaces the one held by the
// engine.
func (e *Engine) SortMultivalues(ctx context.Context, cmp CompareFunc) (int64, error) {
	defer e.startTimer(ctx, "sort_multivalues")()
	m, err := e.requireKMV("sort_multivalues")
	if err != nil {
		return 0, err
	}
	pageSize := e.buf.Len() / 4
	out := kmv.New(e.align(), pageSize, e.newOutputBuf(), e.opts.ScratchDir, e.scratchName("kmv"))
	it := m.Records()
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if rec.MultiBlock {
			return 0, errors.E(errors.Precondition, "sort_multivalues: multi-block key not supported")
		}
		values := splitValues(rec.Values, rec.Lens)
		sort.SliceStable(values, func(i, j int) bool { return cmp(values[i], values[j]) < 0 })
		if err := out.AddNormal(rec.Key, values); err != nil {
			return 0, err
		}
	}
	if err := out.Complete(); err != nil {
		return 0, err
	}
	e.setKMV(out)
	e.countOp("sort_multivalues", e.kmv.NKeys())
	if err := kmvStats(ctx, e.c, e.opts.Verbosity, "sort_multivalues", e.kmv); err != nil {
		return 0, err
	}
	return e.c.AllReduceSum(ctx, e.kmv.NKeys())
}

func splitValues(data []byte, lens []int) [][]byte {
	values := make([][]byte, len(lens))
	off := 0
	for i, l := range lens {
		values[i] = append([]byte{}, data[off:off+l]...)
		off += l
	}
	return values
}
