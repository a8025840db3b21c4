package mrmpi

import (
	"bytes"
	"context"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/sandialabs/mrmpi-go/kv"
)

// MapFunc emits records for one task ID via out.Add.
type MapFunc func(task int, out *kv.KV) error

// FileMapFunc emits records for one file chunk's trimmed text.
type FileMapFunc func(task int, text []byte, out *kv.KV) error

// mapTarget returns the KV Map should write into: a fresh one, or the
// engine's existing KV appended to when addflag is set.
func (e *Engine) mapTarget(addflag bool) (*kv.KV, error) {
	if addflag {
		if e.state == stateKV {
			if err := e.kv.Append(); err != nil {
				return nil, err
			}
			return e.kv, nil
		}
		if e.state != stateNone {
			return nil, errWrongState("map", e.state, stateKV)
		}
	}
	return e.newKV(), nil
}

// Map dispatches nmap task IDs across processes according to the
// engine's configured MapStyle and invokes fn once per task assigned
// to this process, collecting emitted records into a KV. It returns
// the global record count.
func (e *Engine) Map(ctx context.Context, nmap int, addflag bool, fn MapFunc) (int64, error) {
	defer e.startTimer(ctx, "map")()
	out, err := e.mapTarget(addflag)
	if err != nil {
		return 0, err
	}
	switch e.opts.MapStyle {
	case Chunk:
		lo, hi := chunkRange(e.c.Rank(), e.c.Size(), nmap)
		for t := lo; t < hi; t++ {
			if err := fn(t, out); err != nil {
				return 0, err
			}
		}
	case Strided:
		for t := e.c.Rank(); t < nmap; t += e.c.Size() {
			if err := fn(t, out); err != nil {
				return 0, err
			}
		}
	case MasterSlave:
		if err := e.masterSlaveDispatch(ctx, nmap, func(t int) error { return fn(t, out) }); err != nil {
			return 0, err
		}
	default:
		return 0, errors.E(errors.Precondition, "map: unknown mapstyle")
	}
	if err := out.Complete(); err != nil {
		return 0, err
	}
	e.setKV(out)
	e.countOp("map", e.kv.NKV())
	if err := kvStats(ctx, e.c, e.opts.Verbosity, "map", e.kv); err != nil {
		return 0, err
	}
	return e.c.AllReduceSum(ctx, e.kv.NKV())
}

// chunkRange returns the half-open task range [lo, hi) assigned to
// rank r out of p processes under the Chunk dispatch policy: task IDs
// partitioned into contiguous ranges of roughly nmap/p each.
func chunkRange(r, p, nmap int) (lo, hi int) {
	lo = r * nmap / p
	hi = (r + 1) * nmap / p
	return
}

// masterSlaveDispatch implements the Master/slave dispatch policy:
// rank 0 dispenses task IDs on request and does no mapping of its
// own; every other rank requests the next task, runs run(t), and
// requests again until rank 0 signals exhaustion with -1.
//
// The communicator has no any-source receive, so rank 0 serves
// requests by polling its still-active workers in round-robin order
// rather than in true first-request-first-served order; this changes
// scheduling fairness, not correctness: each worker still gets tasks
// strictly on demand, just not in a globally FIFO order across
// workers.
func (e *Engine) masterSlaveDispatch(ctx context.Context, nmap int, run func(int) error) error {
	r, p := e.c.Rank(), e.c.Size()
	if p == 1 {
		for t := 0; t < nmap; t++ {
			if err := run(t); err != nil {
				return err
			}
		}
		return nil
	}
	if r == 0 {
		return e.masterLoop(ctx, nmap, p)
	}
	return e.slaveLoop(ctx, run)
}

func (e *Engine) masterLoop(ctx context.Context, nmap, p int) error {
	active := make([]int, p-1)
	for i := range active {
		active[i] = i + 1
	}
	next := 0
	for len(active) > 0 {
		var remaining []int
		for _, w := range active {
			if _, err := e.c.Recv(ctx, w); err != nil {
				return err
			}
			if next < nmap {
				if err := e.c.Send(ctx, w, encodeInt64(int64(next))); err != nil {
					return err
				}
				next++
				remaining = append(remaining, w)
			} else if err := e.c.Send(ctx, w, encodeInt64(-1)); err != nil {
				return err
			}
		}
		active = remaining
	}
	return nil
}

func (e *Engine) slaveLoop(ctx context.Context, run func(int) error) error {
	for {
		if err := e.c.Send(ctx, 0, []byte{0}); err != nil {
			return err
		}
		b, err := e.c.Recv(ctx, 0)
		if err != nil {
			return err
		}
		t := decodeInt64(b)
		if t < 0 {
			return nil
		}
		if err := run(int(t)); err != nil {
			return err
		}
	}
}

// FileSpec describes how MapFromFiles partitions a set of files into
// byte-range tasks.
type FileSpec struct {
	// Files is the list of input file paths.
	Files []string
	// TasksPerFile is the desired number of tasks each file is split
	// into ("tasks_for_file").
	TasksPerFile int
	// Separator is the record boundary chunk reads are trimmed to;
	// may be a single character or a multi-byte string.
	Separator string
	// Delta is the number of extra bytes read past a chunk's nominal
	// end so the trailing fragment can be trimmed at a real
	// separator occurrence.
	Delta int
}

// fileChunk is one planned file-map task: a byte range within a file.
type fileChunk struct {
	path        string
	start, size int64
	first, last bool
}

// planFileChunks partitions every file in spec into byte-range tasks,
// warning and falling back to a single task when a file is too small
// for the delta overlap.
func planFileChunks(spec FileSpec) ([]fileChunk, error) {
	tasksPerFile := spec.TasksPerFile
	if tasksPerFile < 1 {
		tasksPerFile = 1
	}
	var chunks []fileChunk
	for _, path := range spec.Files {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, errors.E(errors.Other, err)
		}
		size := fi.Size()
		n := tasksPerFile
		if n > 1 && size/int64(n) <= int64(spec.Delta) {
			log.Error.Printf("map_from_files: %s too small for delta overlap, using 1 task", path)
			n = 1
		}
		chunkSize := size / int64(n)
		for t := 0; t < n; t++ {
			start := int64(t) * chunkSize
			sz := chunkSize
			if t == n-1 {
				sz = size - start
			}
			chunks = append(chunks, fileChunk{path: path, start: start, size: sz, first: t == 0, last: t == n-1})
		}
	}
	return chunks, nil
}

// readFileChunk reads one planned chunk plus its delta overlap and
// trims leading/trailing fragments at the chosen record separator.
func readFileChunk(c fileChunk, delta int, sep string) ([]byte, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, errors.E(errors.Other, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, errors.E(errors.Other, err)
	}
	readLen := c.size + int64(delta)
	if c.start+readLen > fi.Size() {
		readLen = fi.Size() - c.start
	}
	buf := make([]byte, readLen)
	if _, err := f.ReadAt(buf, c.start); err != nil {
		return nil, errors.E(errors.Other, err)
	}
	if !c.first && sep != "" {
		if idx := bytes.Index(buf, []byte(sep)); idx >= 0 {
			buf = buf[idx+len(sep):]
		}
	}
	if !c.last && sep != "" {
		if idx := bytes.LastIndex(buf, []byte(sep)); idx >= 0 {
			buf = buf[:idx+len(sep)]
		}
	}
	return buf, nil
}

// MapFromFiles is the file-reading variant of Map: it partitions
// spec.Files into byte-range tasks, dispatches them under the
// engine's MapStyle exactly as Map does, and invokes fn with each
// task's trimmed text.
func (e *Engine) MapFromFiles(ctx context.Context, spec FileSpec, addflag bool, fn FileMapFunc) (int64, error) {
	defer e.startTimer(ctx, "map_from_files")()
	chunks, err := planFileChunks(spec)
	if err != nil {
		return 0, err
	}
	out, err := e.mapTarget(addflag)
	if err != nil {
		return 0, err
	}
	run := func(t int) error {
		text, err := readFileChunk(chunks[t], spec.Delta, spec.Separator)
		if err != nil {
			return err
		}
		return fn(t, text, out)
	}
	nmap := len(chunks)
	switch e.opts.MapStyle {
	case Chunk:
		lo, hi := chunkRange(e.c.Rank(), e.c.Size(), nmap)
		for t := lo; t < hi; t++ {
			if err := run(t); err != nil {
				return 0, err
			}
		}
	case Strided:
		for t := e.c.Rank(); t < nmap; t += e.c.Size() {
			if err := run(t); err != nil {
				return 0, err
			}
		}
	case MasterSlave:
		if err := e.masterSlaveDispatch(ctx, nmap, run); err != nil {
			return 0, err
		}
	default:
		return 0, errors.E(errors.Precondition, "map_from_files: unknown mapstyle")
	}
	if err := out.Complete(); err != nil {
		return 0, err
	}
	e.setKV(out)
	e.countOp("map_from_files", e.kv.NKV())
	if err := kvStats(ctx, e.c, e.opts.Verbosity, "map_from_files", e.kv); err != nil {
		return 0, err
	}
	return e.c.AllReduceSum(ctx, e.kv.NKV())
}
