// Package kmv implements the KMV container: a paged sequence of
// (key, value-list) records, where a single key's values may span a
// chain of pages when they don't fit on one.
package kmv

import (
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/sandialabs/mrmpi-go/kv"
	"github.com/sandialabs/mrmpi-go/page"
)

// KMV is a paged multiset of (key, value-list) records.
//
// Unlike kv.KV, a KMV always opens its scratch file on the first
// committed page: the single-page "never touches disk" fast path is
// reserved for KV, since a KMV page may hold several packed normal
// records or a single dedicated block page, and giving every KMV the
// same fast path would double the bookkeeping for little benefit in
// the grouping operations that build them.
type KMV struct {
	Align    Align
	PageSize int

	buf   []byte
	off   int
	count int

	pages []kv.PageInfo

	dir         string
	name        string
	file        *os.File
	fileSize    int64
	fileCreated bool

	state kv.State

	nkeys, ksize, vsize int64
}

// New returns an empty KMV.
func New(align Align, pageSize int, buf []byte, dir, name string) *KMV {
	if len(buf) != pageSize {
		panic("kmv.New: buf length must equal pageSize")
	}
	return &KMV{Align: align, PageSize: pageSize, buf: buf, dir: dir, name: name, state: kv.Empty}
}

func (m *KMV) State() kv.State { return m.state }
func (m *KMV) NKeys() int64    { return m.nkeys }
func (m *KMV) KSize() int64    { return m.ksize }
func (m *KMV) VSize() int64    { return m.vsize }
func (m *KMV) NumPages() int   { return len(m.pages) }

func (m *KMV) filePath() string { return m.dir + "/" + m.name + ".kmv" }

// Reset discards all content, returning m to the Empty state.
func (m *KMV) Reset() {
	if m.file != nil {
		m.file.Close()
		m.file = nil
	}
	if m.fileCreated {
		os.Remove(m.filePath())
		m.fileCreated = false
	}
	m.pages = nil
	m.off, m.count = 0, 0
	m.fileSize = 0
	m.nkeys, m.ksize, m.vsize = 0, 0, 0
	m.state = kv.Empty
}

// Close removes the container's scratch file, if any. Only a
// container with no records never opens one, so Close is a no-op for
// it.
func (m *KMV) Close() error {
	if m.file != nil {
		m.file.Close()
		m.file = nil
	}
	if !m.fileCreated {
		return nil
	}
	return os.Remove(m.filePath())
}

func (m *KMV) commitRaw(data []byte, recordCount int) (int, error) {
	if m.file == nil {
		if err := os.MkdirAll(m.dir, 0755); err != nil {
			return 0, errors.E(errors.Other, err)
		}
		f, err := os.Create(m.filePath())
		if err != nil {
			return 0, errors.E(errors.Other, err)
		}
		m.file = f
		m.fileCreated = true
	}
	fsize := page.RoundFile(len(data))
	padded := data
	if fsize > len(data) {
		padded = append(append([]byte{}, data...), make([]byte, fsize-len(data))...)
	}
	n, err := m.file.WriteAt(padded[:fsize], m.fileSize)
	if err != nil || n != fsize {
		return 0, errors.E(errors.Other, fmt.Errorf("kmv: page write: %v", err))
	}
	info := kv.PageInfo{Count: recordCount, Size: len(data), FileSize: fsize, Offset: m.fileSize}
	m.fileSize += int64(fsize)
	m.pages = append(m.pages, info)
	m.state = kv.Appending
	return len(m.pages) - 1, nil
}

func (m *KMV) flushBuf() error {
	if m.off == 0 {
		return nil
	}
	_, err := m.commitRaw(m.buf[:m.off], m.count)
	m.off, m.count = 0, 0
	return err
}

// AddNormal writes one inline (key, value-list) record, packing it
// alongside other normal records on a shared page where it fits, or
// spilling it as a dedicated block-chain record when its value list
// is too large for one page.
func (m *KMV) AddNormal(key []byte, values [][]byte) error {
	if m.state == kv.Complete {
		return errors.E(errors.Precondition, "kmv: AddNormal called on a complete container")
	}
	mvb := 0
	for _, v := range values {
		mvb += len(v)
	}
	l := normalLayout(m.Align, len(key), mvb, len(values))
	if l.Size <= m.PageSize {
		if m.off+l.Size > m.PageSize {
			if err := m.flushBuf(); err != nil {
				return err
			}
		}
		PutNormal(m.buf[m.off:], m.Align, key, values)
		m.off += l.Size
		m.count++
		m.nkeys++
		m.ksize += int64(len(key))
		m.vsize += int64(mvb)
		return nil
	}
	return m.addBlockChain(key, values, mvb)
}

func (m *KMV) addBlockChain(key []byte, values [][]byte, mvb int) error {
	if err := m.flushBuf(); err != nil {
		return err
	}
	blocks, err := partitionValuesIntoBlocks(m.Align, m.PageSize, values)
	if err != nil {
		return err
	}
	hl := headerLayout(m.Align, len(key))
	if hl.Size > m.PageSize {
		return errors.E(errors.Invalid, "single key/value pair exceeds page size")
	}
	header := make([]byte, hl.Size)
	PutHeader(header, m.Align, key, len(blocks), int64(mvb))
	if _, err := m.commitRaw(header, 1); err != nil {
		return err
	}
	for _, blk := range blocks {
		blkMvb := 0
		for _, v := range blk {
			blkMvb += len(v)
		}
		bl := blockLayout(m.Align, len(blk), blkMvb)
		buf := make([]byte, bl.Size)
		PutBlock(buf, m.Align, blk)
		if _, err := m.commitRaw(buf, 1); err != nil {
			return err
		}
	}
	m.nkeys++
	m.ksize += int64(len(key))
	m.vsize += int64(mvb)
	log.Debug.Printf("kmv %s: wrote multi-block record (%d blocks) to disk", m.name, len(blocks))
	return nil
}

// partitionValuesIntoBlocks greedily packs values into successive
// pages, each holding as many values as fit under the block record
// layout. A single value that cannot fit in an otherwise-empty block
// is a fatal oversize error.
func partitionValuesIntoBlocks(a Align, pageSize int, values [][]byte) ([][][]byte, error) {
	var blocks [][][]byte
	var cur [][]byte
	curLen := 0
	for _, v := range values {
		candidateLen := curLen + len(v)
		if blockLayout(a, len(cur)+1, candidateLen).Size > pageSize {
			if len(cur) == 0 {
				return nil, errors.E(errors.Invalid, "single key/value pair exceeds page size")
			}
			blocks = append(blocks, cur)
			cur = [][]byte{v}
			curLen = len(v)
		} else {
			cur = append(cur, v)
			curLen = candidateLen
		}
	}
	if len(cur) > 0 {
		blocks = append(blocks, cur)
	}
	return blocks, nil
}

// Complete commits any buffered page and closes the scratch file,
// publishing the container's aggregate sizes.
func (m *KMV) Complete() error {
	if m.state == kv.Complete {
		return nil
	}
	if err := m.flushBuf(); err != nil {
		return err
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			return errors.E(errors.Other, err)
		}
		m.file = nil
	}
	m.state = kv.Complete
	return nil
}

// RequestPage loads page i into the container's internal buffer.
func (m *KMV) RequestPage(i int) ([]byte, kv.PageInfo, error) {
	if m.state != kv.Complete {
		return nil, kv.PageInfo{}, errors.E(errors.Precondition, "kmv: RequestPage requires a complete container")
	}
	info := m.pages[i]
	if m.file == nil {
		f, err := os.OpenFile(m.filePath(), os.O_RDWR, 0)
		if err != nil {
			return nil, info, errors.E(errors.Other, err)
		}
		m.file = f
	}
	n, err := m.file.ReadAt(m.buf[:info.FileSize], info.Offset)
	if err != nil || n != info.FileSize {
		return nil, info, errors.E(errors.Other, fmt.Errorf("kmv: page read: %v", err))
	}
	return m.buf[:info.Size], info, nil
}
