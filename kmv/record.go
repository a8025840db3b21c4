package kmv

import (
	"encoding/binary"

	"github.com/sandialabs/mrmpi-go/kv"
	"github.com/sandialabs/mrmpi-go/page"
)

// Align is the record alignment for a KMV container; it is the same
// shape as kv.Align.
type Align = kv.Align

// NewAlign constructs an Align.
func NewAlign(kalign, valign int) Align { return kv.NewAlign(kalign, valign) }

// normalHeaderSize is the width of a normal KMV record's fixed
// header: key bytes kb, total value bytes mvb, value count nv.
const normalHeaderSize = 3 * page.SizeofInt

// blockHeaderSize is the width of a block-chain follower page's
// header: the per-block value count nv_block.
const blockHeaderSize = page.SizeofInt

// NormalLayout is the computed layout of an inline (single-page) KMV
// record with nv values totalling mvb bytes.
type NormalLayout struct {
	LensOff            int
	KeyOff, KeyEnd     int
	ValueOff, ValueEnd int
	Size               int
}

func normalLayout(a Align, kb, mvb, nv int) NormalLayout {
	lensOff := normalHeaderSize
	keyOff := page.RoundUp(lensOff+nv*page.SizeofInt, a.KAlign)
	keyEnd := keyOff + kb
	valueOff := page.RoundUp(keyEnd, a.VAlign)
	valueEnd := valueOff + mvb
	size := page.RoundUp(valueEnd, a.TAlign)
	return NormalLayout{LensOff: lensOff, KeyOff: keyOff, KeyEnd: keyEnd, ValueOff: valueOff, ValueEnd: valueEnd, Size: size}
}

// PutNormal encodes a normal (inline value-list) KMV record into dst.
func PutNormal(dst []byte, a Align, key []byte, values [][]byte) int {
	mvb := 0
	for _, v := range values {
		mvb += len(v)
	}
	l := normalLayout(a, len(key), mvb, len(values))
	binary.LittleEndian.PutUint32(dst[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(mvb))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(len(values)))
	for i, v := range values {
		binary.LittleEndian.PutUint32(dst[l.LensOff+4*i:l.LensOff+4*i+4], uint32(len(v)))
	}
	copy(dst[l.KeyOff:l.KeyEnd], key)
	off := l.ValueOff
	for _, v := range values {
		copy(dst[off:off+len(v)], v)
		off += len(v)
	}
	for i := l.ValueEnd; i < l.Size; i++ {
		dst[i] = 0
	}
	return l.Size
}

// GetNormal decodes a normal KMV record, returning the key, the
// concatenated value bytes, and the per-value length of each value
// in order.
func GetNormal(src []byte, a Align) (key, valueData []byte, lens []int, size int) {
	kb := int(binary.LittleEndian.Uint32(src[0:4]))
	mvb := int(binary.LittleEndian.Uint32(src[4:8]))
	nv := int(binary.LittleEndian.Uint32(src[8:12]))
	l := normalLayout(a, kb, mvb, nv)
	lens = make([]int, nv)
	for i := 0; i < nv; i++ {
		lens[i] = int(binary.LittleEndian.Uint32(src[l.LensOff+4*i : l.LensOff+4*i+4]))
	}
	return src[l.KeyOff:l.KeyEnd], src[l.ValueOff:l.ValueEnd], lens, l.Size
}

// PeekNormalSize returns the on-page size of the normal record at src
// without decoding its payload.
func PeekNormalSize(src []byte, a Align) int {
	kb := int(binary.LittleEndian.Uint32(src[0:4]))
	mvb := int(binary.LittleEndian.Uint32(src[4:8]))
	nv := int(binary.LittleEndian.Uint32(src[8:12]))
	return normalLayout(a, kb, mvb, nv).Size
}

// HeaderLayout is the layout of a multi-block record's header page:
// it carries only the key.
type HeaderLayout struct {
	KeyOff, KeyEnd int
	Size           int
}

func headerLayout(a Align, kb int) HeaderLayout {
	keyOff := page.RoundUp(normalHeaderSize, a.KAlign)
	keyEnd := keyOff + kb
	size := page.RoundUp(keyEnd, a.TAlign)
	return HeaderLayout{KeyOff: keyOff, KeyEnd: keyEnd, Size: size}
}

// PutHeader encodes a multi-block record's header page. nv is
// recorded as the negated block count.
func PutHeader(dst []byte, a Align, key []byte, nblocks int, totalValueBytes int64) int {
	l := headerLayout(a, len(key))
	binary.LittleEndian.PutUint32(dst[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(int32(totalValueBytes)))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(int32(-nblocks)))
	copy(dst[l.KeyOff:l.KeyEnd], key)
	for i := l.KeyEnd; i < l.Size; i++ {
		dst[i] = 0
	}
	return l.Size
}

// GetHeader decodes a record's fixed header without assuming whether
// it is normal or multi-block; IsBlockChain reports which, and
// NV/NBlocks carries the appropriate count.
func GetHeader(src []byte, a Align) (kb, mvb, nv int, isBlockChain bool) {
	kb = int(binary.LittleEndian.Uint32(src[0:4]))
	mvb = int(int32(binary.LittleEndian.Uint32(src[4:8])))
	nv = int(int32(binary.LittleEndian.Uint32(src[8:12])))
	return kb, mvb, nv, nv < 0
}

// GetHeaderKey decodes the key out of a multi-block header page.
func GetHeaderKey(src []byte, a Align, kb int) (key []byte, size int) {
	l := headerLayout(a, kb)
	return src[l.KeyOff:l.KeyEnd], l.Size
}

// BlockLayout is the layout of one follower block page.
type BlockLayout struct {
	LensOff            int
	ValueOff, ValueEnd int
	Size               int
}

func blockLayout(a Align, nvBlock, mvbBlock int) BlockLayout {
	lensOff := blockHeaderSize
	valueOff := page.RoundUp(lensOff+nvBlock*page.SizeofInt, a.VAlign)
	valueEnd := valueOff + mvbBlock
	size := page.RoundUp(valueEnd, a.TAlign)
	return BlockLayout{LensOff: lensOff, ValueOff: valueOff, ValueEnd: valueEnd, Size: size}
}

// PutBlock encodes one follower block page: a value count followed
// by that many lengths, followed by the concatenated value bytes.
func PutBlock(dst []byte, a Align, values [][]byte) int {
	mvb := 0
	for _, v := range values {
		mvb += len(v)
	}
	l := blockLayout(a, len(values), mvb)
	binary.LittleEndian.PutUint32(dst[0:4], uint32(len(values)))
	for i, v := range values {
		binary.LittleEndian.PutUint32(dst[l.LensOff+4*i:l.LensOff+4*i+4], uint32(len(v)))
	}
	off := l.ValueOff
	for _, v := range values {
		copy(dst[off:off+len(v)], v)
		off += len(v)
	}
	for i := l.ValueEnd; i < l.Size; i++ {
		dst[i] = 0
	}
	return l.Size
}

// GetBlock decodes one follower block page, returning the
// concatenated value bytes and the per-value lengths.
func GetBlock(src []byte, a Align) (valueData []byte, lens []int, size int) {
	nvBlock := int(binary.LittleEndian.Uint32(src[0:4]))
	lens = make([]int, nvBlock)
	off := blockHeaderSize
	mvb := 0
	for i := 0; i < nvBlock; i++ {
		n := int(binary.LittleEndian.Uint32(src[off : off+4]))
		lens[i] = n
		mvb += n
		off += 4
	}
	valueOff := page.RoundUp(blockHeaderSize+nvBlock*page.SizeofInt, a.VAlign)
	return src[valueOff : valueOff+mvb], lens, blockLayout(a, nvBlock, mvb).Size
}
