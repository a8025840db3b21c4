// Package spool implements an append-only, paged scratch file: the
// merge-sort working storage used by SortKeys and SortValues. Unlike
// kv.KV and kmv.KMV, a spool's blobs are opaque — it never interprets
// the bytes it's handed, since its callers already write fully
// self-describing KV records into it.
package spool

import (
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/sandialabs/mrmpi-go/page"
)

// PageInfo describes one committed spool page.
type PageInfo struct {
	Count    int
	Size     int
	FileSize int
	Offset   int64
}

// Spool is an append-only sequence of opaque, variable-length blobs,
// packed into fixed-size pages that spill to a scratch file.
type Spool struct {
	pageSize int
	buf      []byte
	off      int
	count    int

	pages []PageInfo

	dir, name string
	file      *os.File
	fileSize  int64
}

// New returns an empty Spool bound to buf (length pageSize).
func New(pageSize int, buf []byte, dir, name string) *Spool {
	if len(buf) != pageSize {
		panic("spool.New: buf length must equal pageSize")
	}
	return &Spool{pageSize: pageSize, buf: buf, dir: dir, name: name}
}

// Assign rebinds the spool's RAM page to buf, which must have length
// pageSize like the buffer New was given.
func (s *Spool) Assign(buf []byte) {
	if len(buf) != s.pageSize {
		panic("spool.Assign: buf length must equal pageSize")
	}
	s.buf = buf
}

// NumPages returns the number of committed pages.
func (s *Spool) NumPages() int { return len(s.pages) }

// PageInfo returns the descriptor for page i.
func (s *Spool) PageInfo(i int) PageInfo { return s.pages[i] }

func (s *Spool) filePath() string { return s.dir + "/" + s.name + ".spool" }

// Add appends one opaque, already length-self-describing blob. If
// data would overflow the current page, the page is committed first.
func (s *Spool) Add(data []byte) error {
	if len(data) > s.pageSize {
		return errors.E(errors.Invalid, "single key/value pair exceeds page size")
	}
	if s.off+len(data) > s.pageSize {
		if err := s.commit(); err != nil {
			return err
		}
	}
	copy(s.buf[s.off:], data)
	s.off += len(data)
	s.count++
	return nil
}

func (s *Spool) commit() error {
	if s.off == 0 {
		return nil
	}
	if s.file == nil {
		if err := os.MkdirAll(s.dir, 0755); err != nil {
			return errors.E(errors.Other, err)
		}
		f, err := os.Create(s.filePath())
		if err != nil {
			return errors.E(errors.Other, err)
		}
		s.file = f
	}
	fsize := page.RoundFile(s.off)
	padded := make([]byte, fsize)
	copy(padded, s.buf[:s.off])
	n, err := s.file.WriteAt(padded, s.fileSize)
	if err != nil || n != fsize {
		return errors.E(errors.Other, fmt.Errorf("spool: page write: %v", err))
	}
	s.pages = append(s.pages, PageInfo{Count: s.count, Size: s.off, FileSize: fsize, Offset: s.fileSize})
	s.fileSize += int64(fsize)
	s.off, s.count = 0, 0
	return nil
}

// Complete flushes any buffered page and closes the scratch file.
func (s *Spool) Complete() error {
	if err := s.commit(); err != nil {
		return err
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return errors.E(errors.Other, err)
		}
		s.file = nil
	}
	return nil
}

// RequestPage loads page i into dst (which must be at least
// pageSize bytes) and returns the live bytes.
func (s *Spool) RequestPage(i int, dst []byte) ([]byte, PageInfo, error) {
	info := s.pages[i]
	if s.file == nil {
		f, err := os.OpenFile(s.filePath(), os.O_RDWR, 0)
		if err != nil {
			return nil, info, errors.E(errors.Other, err)
		}
		s.file = f
	}
	n, err := s.file.ReadAt(dst[:info.Size], info.Offset)
	if err != nil || n != info.Size {
		return nil, info, errors.E(errors.Other, fmt.Errorf("spool: page read: %v", err))
	}
	return dst[:info.Size], info, nil
}

// Close removes the spool's scratch file, if any.
func (s *Spool) Close() error {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	return os.Remove(s.filePath())
}
