package kv

import (
	"encoding/binary"

	"github.com/sandialabs/mrmpi-go/page"
)

// headerSize is the width, in bytes, of a KV record's length prefix:
// one int32 for the key length, one for the value length.
const headerSize = 2 * page.SizeofInt

// Align describes the alignment parameters of one KV record layout.
// KAlign and VAlign must be powers of two; TAlign is derived from
// them.
type Align struct {
	KAlign, VAlign, TAlign int
}

// NewAlign constructs an Align, deriving TAlign from KAlign and VAlign.
func NewAlign(kalign, valign int) Align {
	return Align{KAlign: kalign, VAlign: valign, TAlign: page.TAlign(kalign, valign)}
}

// Layout is the computed byte layout of a single record with the
// given key and value lengths under a. It never needs disk access:
// every offset is a pure function of (a, kb, vb).
type Layout struct {
	KeyOff, KeyEnd     int
	ValueOff, ValueEnd int
	Size               int // total aligned size of the record, a multiple of a.TAlign
}

// Compute returns the layout of a record with the given key and
// value lengths.
func (a Align) Compute(kb, vb int) Layout {
	keyOff := page.RoundUp(headerSize, a.KAlign)
	keyEnd := keyOff + kb
	valueOff := page.RoundUp(keyEnd, a.VAlign)
	valueEnd := valueOff + vb
	size := page.RoundUp(valueEnd, a.TAlign)
	return Layout{KeyOff: keyOff, KeyEnd: keyEnd, ValueOff: valueOff, ValueEnd: valueEnd, Size: size}
}

// PutRecord encodes one (key, value) record into dst (which must be
// at least Compute(len(key), len(value)).Size bytes) and returns the
// number of bytes written.
func PutRecord(dst []byte, a Align, key, value []byte) int {
	l := a.Compute(len(key), len(value))
	binary.LittleEndian.PutUint32(dst[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(len(value)))
	copy(dst[l.KeyOff:l.KeyEnd], key)
	copy(dst[l.ValueOff:l.ValueEnd], value)
	for i := l.ValueEnd; i < l.Size; i++ {
		dst[i] = 0
	}
	return l.Size
}

// GetRecord decodes the record at the start of src, returning the key
// and value slices (views into src) and the total size of the
// record.
func GetRecord(src []byte, a Align) (key, value []byte, size int) {
	kb := int(binary.LittleEndian.Uint32(src[0:4]))
	vb := int(binary.LittleEndian.Uint32(src[4:8]))
	l := a.Compute(kb, vb)
	return src[l.KeyOff:l.KeyEnd], src[l.ValueOff:l.ValueEnd], l.Size
}

// PeekSize returns the total on-page size of the record starting at
// src without copying its payload.
func PeekSize(src []byte, a Align) int {
	kb := int(binary.LittleEndian.Uint32(src[0:4]))
	vb := int(binary.LittleEndian.Uint32(src[4:8]))
	return a.Compute(kb, vb).Size
}
