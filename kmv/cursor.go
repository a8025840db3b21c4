package kmv

import (
	"github.com/grailbio/base/errors"
)

// Record is one decoded KMV record, handed to a Reduce/Compress
// callback. For a normal record, Values/Lens describe the inline
// value list directly. For a multi-block record (MultiBlock is
// true), the value list must be streamed a block at a time via
// Block.
//
// Values and Lens are views into the container's read buffer: they
// are valid only until the next call to RecordIter.Next or
// Record.Block.
type Record struct {
	Key    []byte
	Values []byte
	Lens   []int

	MultiBlock bool
	NBlocks    int

	m         *KMV
	blockBase int
}

// NValues returns the record's value count, negated when the record
// is a block chain.
func (r Record) NValues() int {
	if r.MultiBlock {
		return -r.NBlocks
	}
	return len(r.Lens)
}

// Block loads block i (0-based) of a multi-block record, returning
// its values and their lengths. Block panics if the record is not a
// multi-block record.
func (r Record) Block(i int) (values [][]byte, lens []int, err error) {
	if !r.MultiBlock {
		panic("kmv: Record.Block called on a non-multi-block record")
	}
	if i < 0 || i >= r.NBlocks {
		return nil, nil, errors.E(errors.Precondition, "kmv: block index out of range")
	}
	b, _, err := r.m.RequestPage(r.blockBase + i)
	if err != nil {
		return nil, nil, err
	}
	data, ls, _ := GetBlock(b, r.m.Align)
	values = make([][]byte, len(ls))
	off := 0
	for j, l := range ls {
		values[j] = data[off : off+l]
		off += l
	}
	return values, ls, nil
}

// RecordIter iterates the logical records of a KMV container in page
// order.
type RecordIter struct {
	m       *KMV
	pageIdx int
	off     int
	page    []byte
}

// Records returns an iterator over m's records. m must be Complete.
func (m *KMV) Records() *RecordIter {
	return &RecordIter{m: m}
}

// Next decodes the next record, or returns ok == false once every
// page has been consumed.
func (it *RecordIter) Next() (rec Record, ok bool, err error) {
	for {
		if it.page == nil || it.off >= len(it.page) {
			if it.pageIdx >= it.m.NumPages() {
				return Record{}, false, nil
			}
			page, _, err := it.m.RequestPage(it.pageIdx)
			if err != nil {
				return Record{}, false, err
			}
			it.page = page
			it.off = 0
			it.pageIdx++
		}
		kb, _, nv, isBlockChain := GetHeader(it.page[it.off:], it.m.Align)
		if isBlockChain {
			key, _ := GetHeaderKey(it.page[it.off:], it.m.Align, kb)
			nblocks := -nv
			rec = Record{
				Key:        append([]byte{}, key...),
				MultiBlock: true,
				NBlocks:    nblocks,
				m:          it.m,
				blockBase:  it.pageIdx, // the pages just after the header, which occupies its own dedicated page
			}
			it.pageIdx += nblocks
			it.page = nil
			return rec, true, nil
		}
		key, values, lens, size := GetNormal(it.page[it.off:], it.m.Align)
		rec = Record{
			Key:    append([]byte{}, key...),
			Values: values,
			Lens:   lens,
		}
		it.off += size
		return rec, true, nil
	}
}
