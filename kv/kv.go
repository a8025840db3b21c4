// Package kv implements the KV container: an append-only, paged
// sequence of (key, value) records that spills to a per-container
// scratch file once it outgrows its RAM page.
package kv

import (
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/sandialabs/mrmpi-go/page"
)

// State is the lifecycle state of a container.
type State int

const (
	// Empty is the initial state: no pages, nothing written.
	Empty State = iota
	// Appending is the state while a page is open for writes.
	Appending
	// Complete is the state once every page has been committed.
	Complete
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Appending:
		return "appending"
	case Complete:
		return "complete"
	default:
		return "invalid"
	}
}

// KV is a paged, append-only multiset of (key, value) records.
//
// A KV owns at most one scratch file, opened lazily the first time a
// page must be spilled, and removed by Close. A KV that never
// outgrows a single page never touches disk.
type KV struct {
	Align    Align
	PageSize int

	buf   []byte // the live page: len == PageSize
	off   int    // write offset into buf for the page under construction
	count int    // records currently in buf

	pages []PageInfo

	// residentIdx, if >= 0, is the index of the one page whose bytes
	// live only in buf (never spilled to the scratch file). It is
	// valid only when the KV has never opened a scratch file.
	residentIdx int

	dir         string
	name        string
	file        *os.File
	fileSize    int64
	fileCreated bool

	state State

	nkv, ksize, vsize int64
}

// New returns an empty KV with the given record alignment and page
// size, using buf (which must have length pageSize) as its live
// page. dir/name identify the scratch file location; name should be
// unique per engine instance and rank.
func New(align Align, pageSize int, buf []byte, dir, name string) *KV {
	if len(buf) != pageSize {
		panic("kv.New: buf length must equal pageSize")
	}
	return &KV{
		Align:       align,
		PageSize:    pageSize,
		buf:         buf,
		dir:         dir,
		name:        name,
		residentIdx: -1,
		state:       Empty,
	}
}

// State returns the container's current lifecycle state.
func (kv *KV) State() State { return kv.state }

// NKV, KSize, VSize, TSize return the aggregate record count and byte
// totals published when the container reaches Complete.
func (kv *KV) NKV() int64   { return kv.nkv }
func (kv *KV) KSize() int64 { return kv.ksize }
func (kv *KV) VSize() int64 { return kv.vsize }
func (kv *KV) TSize() int64 {
	var t int64
	for _, p := range kv.pages {
		t += int64(p.Size)
	}
	return t
}

// NumPages returns the number of committed pages.
func (kv *KV) NumPages() int { return len(kv.pages) }

// PageInfo returns the descriptor for page i.
func (kv *KV) PageInfo(i int) PageInfo { return kv.pages[i] }

// Add appends one (key, value) record. If the record would overflow
// the current page, the page is spilled to the scratch file (the
// first page included) and a fresh page is started.
// Add fails fatally if the record itself is larger than a page.
func (kv *KV) Add(key, value []byte) error {
	if kv.state == Complete {
		return errors.E(errors.Precondition, "kv: Add called on a complete container")
	}
	l := kv.Align.Compute(len(key), len(value))
	if l.Size > kv.PageSize {
		return errors.E(errors.Invalid, "single key/value pair exceeds page size")
	}
	if kv.off+l.Size > kv.PageSize {
		if err := kv.commitPage(false); err != nil {
			return err
		}
	}
	PutRecord(kv.buf[kv.off:], kv.Align, key, value)
	kv.off += l.Size
	kv.count++
	kv.state = Appending
	kv.nkv++
	kv.ksize += int64(len(key))
	kv.vsize += int64(len(value))
	return nil
}

// AddPacked bulk-copies n already-packed records out of src (encoded
// under srcAlign, which may differ from kv.Align) into kv, splitting
// across page boundaries as needed.
func (kv *KV) AddPacked(n int, src []byte, srcAlign Align) error {
	off := 0
	for i := 0; i < n; i++ {
		key, value, size := GetRecord(src[off:], srcAlign)
		if err := kv.Add(key, value); err != nil {
			return err
		}
		off += size
	}
	return nil
}

// Concat appends every record of other onto kv. other must be
// Complete. If kv is Complete, its last page is reopened first; kv is
// left open for further Adds until Complete is called again.
func (kv *KV) Concat(other *KV) error {
	if other.state != Complete {
		return errors.E(errors.Precondition, "kv: Concat source must be complete")
	}
	if kv.state == Complete {
		if err := kv.Append(); err != nil {
			return err
		}
	}
	scratch := make([]byte, other.PageSize)
	for i := 0; i < other.NumPages(); i++ {
		info := other.PageInfo(i)
		n, err := other.requestPageInto(i, scratch)
		if err != nil {
			return err
		}
		if err := kv.AddPacked(info.Count, n, other.Align); err != nil {
			return err
		}
	}
	return nil
}

// Copy resets kv and then clones every record of other into it,
// possibly re-aligning.
func (kv *KV) Copy(other *KV) error {
	kv.Reset()
	return kv.Concat(other)
}

// Reset discards all of kv's content and scratch file, returning it
// to the Empty state.
func (kv *KV) Reset() {
	if kv.file != nil {
		kv.file.Close()
		kv.file = nil
	}
	if kv.fileCreated {
		os.Remove(kv.filePath())
		kv.fileCreated = false
	}
	kv.pages = nil
	kv.off, kv.count = 0, 0
	kv.fileSize = 0
	kv.residentIdx = -1
	kv.nkv, kv.ksize, kv.vsize = 0, 0, 0
	kv.state = Empty
}

// commitPage finalizes the page currently under construction in buf.
// If final is false, this is an overflow-triggered commit and a new
// page is started for subsequent Adds. If final is true, this is
// called from Complete and no new page is started.
func (kv *KV) commitPage(final bool) error {
	info := PageInfo{
		Count: kv.count,
		Size:  kv.off,
	}
	off := 0
	for i := 0; i < kv.count; i++ {
		key, value, sz := GetRecord(kv.buf[off:], kv.Align)
		info.KeyBytes += int64(len(key))
		info.ValueBytes += int64(len(value))
		off += sz
	}
	firstPage := len(kv.pages) == 0 && kv.file == nil
	if firstPage && final {
		// Entire container fits in one page: never touch disk.
		kv.residentIdx = 0
		kv.pages = append(kv.pages, info)
		return nil
	}
	if err := kv.spillPage(&info); err != nil {
		return err
	}
	kv.pages = append(kv.pages, info)
	if !final {
		kv.off, kv.count = 0, 0
	}
	return nil
}

func (kv *KV) filePath() string {
	return kv.dir + "/" + kv.name + ".kv"
}

func (kv *KV) spillPage(info *PageInfo) error {
	if kv.file == nil {
		if err := os.MkdirAll(kv.dir, 0755); err != nil {
			return errors.E(errors.Other, err)
		}
		f, err := os.Create(kv.filePath())
		if err != nil {
			return errors.E(errors.Other, err)
		}
		kv.file = f
		kv.fileCreated = true
	}
	fsize := page.RoundFile(kv.off)
	padded := kv.buf[:kv.off:kv.off]
	if fsize > kv.off {
		padded = append(padded, make([]byte, fsize-kv.off)...)
	}
	n, err := kv.file.WriteAt(padded[:fsize], kv.fileSize)
	if err != nil || n != fsize {
		return errors.E(errors.Other, fmt.Errorf("kv: spill write: %v", err))
	}
	info.FileSize = fsize
	info.Offset = kv.fileSize
	kv.fileSize += int64(fsize)
	log.Debug.Printf("kv %s: spilled page of %d records (%d bytes) to disk", kv.name, info.Count, fsize)
	return nil
}

// Append reopens the last committed page for further Adds, reloading
// it from the scratch file if necessary.
func (kv *KV) Append() error {
	if kv.state != Complete {
		return errors.E(errors.Precondition, "kv: Append requires a complete container")
	}
	if len(kv.pages) == 0 {
		kv.state = Appending
		return nil
	}
	last := len(kv.pages) - 1
	info := kv.pages[last]
	if kv.residentIdx == last {
		kv.off, kv.count = info.Size, info.Count
		kv.pages = kv.pages[:last]
		kv.residentIdx = -1
		kv.state = Appending
		return nil
	}
	if _, err := kv.requestPageInto(last, kv.buf); err != nil {
		return err
	}
	kv.off, kv.count = info.Size, info.Count
	kv.pages = kv.pages[:last]
	kv.fileSize = info.Offset
	if err := kv.file.Truncate(info.Offset); err != nil {
		return errors.E(errors.Other, err)
	}
	kv.state = Appending
	return nil
}

// Complete commits the page under construction (if any) and closes
// the scratch file, publishing the container's aggregate sizes.
func (kv *KV) Complete() error {
	if kv.state == Complete {
		return nil
	}
	if kv.off > 0 || kv.count > 0 || len(kv.pages) == 0 {
		if err := kv.commitPage(true); err != nil {
			return err
		}
	}
	kv.off, kv.count = 0, 0
	if kv.file != nil {
		if err := kv.file.Close(); err != nil {
			return errors.E(errors.Other, err)
		}
		kv.file = nil
	}
	kv.state = Complete
	return nil
}

// RequestPage loads page i into the container's internal buffer and
// returns the live record bytes.
func (kv *KV) RequestPage(i int) ([]byte, PageInfo, error) {
	if kv.state != Complete {
		return nil, PageInfo{}, errors.E(errors.Precondition, "kv: RequestPage requires a complete container")
	}
	b, err := kv.requestPageInto(i, kv.buf)
	return b, kv.pages[i], err
}

// RequestPageInto loads page i into the caller-supplied dst buffer
// (which must be at least PageSize bytes) rather than the container's
// own internal page, so a reader that is mid-iteration over this
// container doesn't alias its buffer.
func (kv *KV) RequestPageInto(i int, dst []byte) ([]byte, PageInfo, error) {
	if kv.state != Complete {
		return nil, PageInfo{}, errors.E(errors.Precondition, "kv: RequestPageInto requires a complete container")
	}
	b, err := kv.requestPageInto(i, dst)
	return b, kv.pages[i], err
}

func (kv *KV) requestPageInto(i int, dst []byte) ([]byte, error) {
	info := kv.pages[i]
	if i == kv.residentIdx {
		if &dst[0] != &kv.buf[0] {
			copy(dst, kv.buf[:info.Size])
		}
		return dst[:info.Size], nil
	}
	if kv.file == nil {
		f, err := os.OpenFile(kv.filePath(), os.O_RDWR, 0)
		if err != nil {
			return nil, errors.E(errors.Other, err)
		}
		kv.file = f
	}
	n, err := kv.file.ReadAt(dst[:info.Size], info.Offset)
	if err != nil || n != info.Size {
		return nil, errors.E(errors.Other, fmt.Errorf("kv: page read: %v", err))
	}
	return dst[:info.Size], nil
}

// Pack serializes every record of kv into a single packed buffer,
// suitable for a single point-to-point transfer or for feeding
// AddPacked on a fresh container.
func (kv *KV) Pack() (n int, buf []byte, err error) {
	if kv.state != Complete {
		return 0, nil, errors.E(errors.Precondition, "kv: Pack requires a complete container")
	}
	buf = make([]byte, 0, kv.TSize())
	scratch := make([]byte, kv.PageSize)
	for i := 0; i < kv.NumPages(); i++ {
		info := kv.pages[i]
		b, err := kv.requestPageInto(i, scratch)
		if err != nil {
			return 0, nil, err
		}
		buf = append(buf, b...)
		n += info.Count
		_ = scratch
	}
	return n, buf, nil
}

// Unpack resets kv and loads it from a buffer produced by Pack.
func (kv *KV) Unpack(n int, buf []byte) error {
	kv.Reset()
	if err := kv.AddPacked(n, buf, kv.Align); err != nil {
		return err
	}
	return kv.Complete()
}

// Close removes the container's scratch file, if any. A container
// small enough to stay resident in RAM never opens one, so Close is a
// no-op for it.
func (kv *KV) Close() error {
	if kv.file != nil {
		kv.file.Close()
		kv.file = nil
	}
	if !kv.fileCreated {
		return nil
	}
	return os.Remove(kv.filePath())
}
