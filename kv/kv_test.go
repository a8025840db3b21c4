package kv

import (
	"fmt"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T, pageSize int) (*KV, string) {
	dir := t.TempDir()
	align := NewAlign(4, 4)
	buf := make([]byte, pageSize)
	return New(align, pageSize, buf, dir, "test"), dir
}

func TestAddCompleteRoundTrip(t *testing.T) {
	x, _ := newTestKV(t, 4096)
	defer x.Close()
	require.NoError(t, x.Add([]byte("cat"), []byte("1")))
	require.NoError(t, x.Add([]byte("dog"), []byte("2")))
	require.NoError(t, x.Add([]byte(""), []byte("")))
	require.NoError(t, x.Complete())

	require.Equal(t, int64(3), x.NKV())
	require.Equal(t, int64(6), x.KSize())
	require.Equal(t, int64(2), x.VSize())

	var keys, values []string
	for i := 0; i < x.NumPages(); i++ {
		b, info, err := x.RequestPage(i)
		require.NoError(t, err)
		off := 0
		for r := 0; r < info.Count; r++ {
			key, value, size := GetRecord(b[off:], x.Align)
			keys = append(keys, string(key))
			values = append(values, string(value))
			off += size
		}
	}
	require.Equal(t, []string{"cat", "dog", ""}, keys)
	require.Equal(t, []string{"1", "2", ""}, values)
}

func TestSpillsAcrossPages(t *testing.T) {
	const recordSize = 32
	const pageSize = 1024
	x, _ := newTestKV(t, pageSize)
	defer x.Close()
	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("k%06d", i))
		value := make([]byte, recordSize-len(key))
		require.NoError(t, x.Add(key, value))
	}
	require.NoError(t, x.Complete())
	require.GreaterOrEqual(t, x.NumPages(), 2)

	seen := 0
	for i := 0; i < x.NumPages(); i++ {
		b, info, err := x.RequestPage(i)
		require.NoError(t, err)
		off := 0
		for r := 0; r < info.Count; r++ {
			key, _, size := GetRecord(b[off:], x.Align)
			require.Equal(t, fmt.Sprintf("k%06d", seen), string(key))
			seen++
			off += size
		}
	}
	require.Equal(t, 500, seen)
}

func TestOversizeRecordFails(t *testing.T) {
	x, _ := newTestKV(t, 64)
	defer x.Close()
	err := x.Add(make([]byte, 128), nil)
	require.Error(t, err)
}

func TestConcat(t *testing.T) {
	a, _ := newTestKV(t, 256)
	defer a.Close()
	require.NoError(t, a.Add([]byte("a"), []byte("1")))
	require.NoError(t, a.Complete())

	b, _ := newTestKV(t, 256)
	defer b.Close()
	require.NoError(t, b.Add([]byte("b"), []byte("2")))
	require.NoError(t, b.Complete())

	require.NoError(t, a.Concat(b))
	require.NoError(t, a.Complete())
	require.Equal(t, int64(2), a.NKV())
}

func TestAppendReopensLastPage(t *testing.T) {
	x, _ := newTestKV(t, 256)
	defer x.Close()
	require.NoError(t, x.Add([]byte("a"), []byte("1")))
	require.NoError(t, x.Complete())
	require.NoError(t, x.Append())
	require.NoError(t, x.Add([]byte("b"), []byte("2")))
	require.NoError(t, x.Complete())
	require.Equal(t, int64(2), x.NKV())
	require.Equal(t, 1, x.NumPages())
}

func TestPackUnpackRoundTrip(t *testing.T) {
	x, _ := newTestKV(t, 256)
	defer x.Close()
	require.NoError(t, x.Add([]byte("a"), []byte("1")))
	require.NoError(t, x.Add([]byte("b"), []byte("2")))
	require.NoError(t, x.Complete())

	n, buf, err := x.Pack()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	y, _ := newTestKV(t, 256)
	defer y.Close()
	require.NoError(t, y.Unpack(n, buf))
	require.Equal(t, int64(2), y.NKV())
}

func TestFuzzRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 16)
	for trial := 0; trial < 20; trial++ {
		x, _ := newTestKV(t, 8192)
		var keys, values [][]byte
		var n int
		f.Fuzz(&n)
		n = (n%12+12)%12 + 1
		for i := 0; i < n; i++ {
			var k, v []byte
			f.NilChance(0).Fuzz(&k)
			f.NilChance(0).Fuzz(&v)
			if len(k) > 256 {
				k = k[:256]
			}
			if len(v) > 256 {
				v = v[:256]
			}
			require.NoError(t, x.Add(k, v))
			keys = append(keys, k)
			values = append(values, v)
		}
		require.NoError(t, x.Complete())
		require.Equal(t, int64(n), x.NKV())

		idx := 0
		for i := 0; i < x.NumPages(); i++ {
			b, info, err := x.RequestPage(i)
			require.NoError(t, err)
			off := 0
			for r := 0; r < info.Count; r++ {
				key, value, size := GetRecord(b[off:], x.Align)
				require.Equal(t, keys[idx], key)
				require.Equal(t, values[idx], value)
				idx++
				off += size
			}
		}
		require.Equal(t, n, idx)
		x.Close()
	}
}
