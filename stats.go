package mrmpi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/sandialabs/mrmpi-go/comm"
	"github.com/sandialabs/mrmpi-go/kmv"
	"github.com/sandialabs/mrmpi-go/kv"
)

// startTimer begins timing one operation according to the engine's
// configured Timer mode and returns a function the operation should
// defer-call on return, which logs the elapsed wall time at Debug
// level and records it (in nanoseconds) in the engine's counters as
// "<op>_ns".
//
// TimerBarrier first waits at a Barrier so every rank's clock starts
// from the same point, at the cost of that wait showing up in the
// measured time; TimerUnbarriered starts the clock immediately,
// measuring only this rank's own execution. TimerOff disables timing
// entirely.
func (e *Engine) startTimer(ctx context.Context, op string) func() {
	if e.opts.Timer == TimerOff {
		return func() {}
	}
	if e.opts.Timer == TimerBarrier {
		if err := e.c.Barrier(ctx); err != nil {
			log.Error.Printf("%s: timer barrier: %v", op, err)
		}
	}
	start := time.Now()
	return func() {
		elapsed := time.Since(start)
		log.Debug.Printf("%s: elapsed %s", op, elapsed)
		e.counters.add(op+"_ns", elapsed.Nanoseconds())
	}
}

// histogram is a 10-bin min/max/mean summary of one value observed
// once per process.
type histogram struct {
	Min, Max, Mean float64
	Bins           [10]int
}

func buildHistogram(perProcess []int64) histogram {
	if len(perProcess) == 0 {
		return histogram{}
	}
	h := histogram{Min: float64(perProcess[0]), Max: float64(perProcess[0])}
	var sum float64
	for _, v := range perProcess {
		f := float64(v)
		if f < h.Min {
			h.Min = f
		}
		if f > h.Max {
			h.Max = f
		}
		sum += f
	}
	h.Mean = sum / float64(len(perProcess))
	span := h.Max - h.Min
	for _, v := range perProcess {
		bin := 9
		if span > 0 {
			bin = int(float64(9) * (float64(v) - h.Min) / span)
		}
		h.Bins[bin]++
	}
	return h
}

func (h histogram) String() string {
	var bins []string
	for _, c := range h.Bins {
		bins = append(bins, fmt.Sprintf("%d", c))
	}
	return fmt.Sprintf("min=%.0f max=%.0f mean=%.1f bins=[%s]", h.Min, h.Max, h.Mean, strings.Join(bins, " "))
}

// gatherPerProcess collects one int64 per process via point-to-point
// Recv on rank 0, which is the only rank that prints a histogram: the
// printout is necessarily centralized since a histogram needs every
// rank's value.
func gatherPerProcess(ctx context.Context, c comm.Communicator, local int64) ([]int64, error) {
	if c.Rank() != 0 {
		return nil, c.Send(ctx, 0, encodeInt64(local))
	}
	vals := make([]int64, c.Size())
	vals[0] = local
	for src := 1; src < c.Size(); src++ {
		b, err := c.Recv(ctx, src)
		if err != nil {
			return nil, err
		}
		vals[src] = decodeInt64(b)
	}
	return vals, nil
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

func decodeInt64(b []byte) int64 {
	var v int64
	for i := 0; i < 8; i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v
}

// kvStats prints the statistics of a completed KV at the engine's
// configured verbosity: totals at VerboseTotals, plus a per-process
// histogram at VerboseHistogram.
func kvStats(ctx context.Context, c comm.Communicator, v Verbosity, op string, x *kv.KV) error {
	if v == VerboseNone {
		return nil
	}
	total, err := c.AllReduceSum(ctx, x.NKV())
	if err != nil {
		return err
	}
	tsize, err := c.AllReduceSum(ctx, x.TSize())
	if err != nil {
		return err
	}
	if c.Rank() == 0 {
		log.Debug.Printf("%s: kv nkv=%d tsize=%s", op, total, data.Size(tsize))
	}
	if v < VerboseHistogram {
		return nil
	}
	nkvs, err := gatherPerProcess(ctx, c, x.NKV())
	if err != nil {
		return err
	}
	if c.Rank() == 0 {
		log.Debug.Printf("%s: kv nkv histogram %s", op, buildHistogram(nkvs))
	}
	return nil
}

// kmvStats is kvStats's counterpart for a completed KMV.
func kmvStats(ctx context.Context, c comm.Communicator, v Verbosity, op string, m *kmv.KMV) error {
	if v == VerboseNone {
		return nil
	}
	total, err := c.AllReduceSum(ctx, m.NKeys())
	if err != nil {
		return err
	}
	vsize, err := c.AllReduceSum(ctx, m.VSize())
	if err != nil {
		return err
	}
	if c.Rank() == 0 {
		log.Debug.Printf("%s: kmv nkeys=%d vsize=%s", op, total, data.Size(vsize))
	}
	if v < VerboseHistogram {
		return nil
	}
	nkeys, err := gatherPerProcess(ctx, c, m.NKeys())
	if err != nil {
		return err
	}
	if c.Rank() == 0 {
		log.Debug.Printf("%s: kmv nkeys histogram %s", op, buildHistogram(nkeys))
	}
	return nil
}
