package kmv

import (
	"github.com/sandialabs/mrmpi-go/kv"
)

// Clone reinterprets every KV record as a KMV record with a single
// value: no communication, no sort.
func Clone(src *kv.KV, align Align, pageSize int, buf []byte, dir, name string) (*KMV, error) {
	m := New(align, pageSize, buf, dir, name)
	scratch := make([]byte, src.PageSize)
	for i := 0; i < src.NumPages(); i++ {
		info := src.PageInfo(i)
		page, err := readKVPage(src, i, scratch)
		if err != nil {
			return nil, err
		}
		off := 0
		for r := 0; r < info.Count; r++ {
			key, value, size := kv.GetRecord(page[off:], src.Align)
			if err := m.AddNormal(key, [][]byte{value}); err != nil {
				return nil, err
			}
			off += size
		}
	}
	if err := m.Complete(); err != nil {
		return nil, err
	}
	return m, nil
}

// Collapse folds an entire KV into a single KMV record whose key is
// the caller-supplied constant and whose value list is the
// interleaved (k0, v0, k1, v1, ...) byte stream of the source.
func Collapse(keyBytes []byte, src *kv.KV, align Align, pageSize int, buf []byte, dir, name string) (*KMV, error) {
	m := New(align, pageSize, buf, dir, name)
	var values [][]byte
	scratch := make([]byte, src.PageSize)
	for i := 0; i < src.NumPages(); i++ {
		info := src.PageInfo(i)
		page, err := readKVPage(src, i, scratch)
		if err != nil {
			return nil, err
		}
		off := 0
		for r := 0; r < info.Count; r++ {
			key, value, size := kv.GetRecord(page[off:], src.Align)
			values = append(values, append([]byte{}, key...), append([]byte{}, value...))
			off += size
		}
	}
	if err := m.AddNormal(keyBytes, values); err != nil {
		return nil, err
	}
	if err := m.Complete(); err != nil {
		return nil, err
	}
	return m, nil
}

// bucket accumulates the values observed for one key while Convert
// scans the source KV.
type bucket struct {
	key    []byte
	values [][]byte
}

// Convert groups a KV by key, producing a KMV. It builds a table
// keyed by each key's bytes over a single pass of the source, then
// emits one KMV record per distinct key (normal or multi-block,
// depending on how many bytes its values occupy).
//
// This buffers each bucket's value bytes directly during the single
// pass rather than re-reading the source on emit, which is the
// straightforward approach once value payloads (not just offsets)
// can be held in a Go slice rather than a fixed scratch arena.
func Convert(src *kv.KV, align Align, pageSize int, buf []byte, dir, name string) (*KMV, error) {
	buckets := make(map[string]*bucket)
	var order []string
	scratch := make([]byte, src.PageSize)
	for i := 0; i < src.NumPages(); i++ {
		info := src.PageInfo(i)
		page, err := readKVPage(src, i, scratch)
		if err != nil {
			return nil, err
		}
		off := 0
		for r := 0; r < info.Count; r++ {
			key, value, size := kv.GetRecord(page[off:], src.Align)
			off += size
			b, ok := buckets[string(key)]
			if !ok {
				b = &bucket{key: append([]byte{}, key...)}
				buckets[string(key)] = b
				order = append(order, string(key))
			}
			b.values = append(b.values, append([]byte{}, value...))
		}
	}
	m := New(align, pageSize, buf, dir, name)
	for _, k := range order {
		b := buckets[k]
		if err := m.AddNormal(b.key, b.values); err != nil {
			return nil, err
		}
	}
	if err := m.Complete(); err != nil {
		return nil, err
	}
	return m, nil
}

// readKVPage reads page i of src into a private scratch buffer so
// that a reader mid-iteration over src never aliases src's own
// internal page buffer.
func readKVPage(src *kv.KV, i int, scratch []byte) ([]byte, error) {
	b, _, err := src.RequestPageInto(i, scratch)
	return b, err
}
