package kmv

import (
	"fmt"
	"testing"

	"github.com/sandialabs/mrmpi-go/kv"
	"github.com/stretchr/testify/require"
)

func newTestKMV(t *testing.T, pageSize int) *KMV {
	dir := t.TempDir()
	return New(NewAlign(4, 4), pageSize, make([]byte, pageSize), dir, "test")
}

func TestAddNormalRoundTrip(t *testing.T) {
	m := newTestKMV(t, 4096)
	defer m.Close()
	require.NoError(t, m.AddNormal([]byte("the"), [][]byte{[]byte("a"), []byte("bb")}))
	require.NoError(t, m.AddNormal([]byte("cat"), [][]byte{[]byte("x")}))
	require.NoError(t, m.Complete())

	it := m.Records()
	rec, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "the", string(rec.Key))
	require.False(t, rec.MultiBlock)
	require.Equal(t, []int{1, 2}, rec.Lens)
	require.Equal(t, "abb", string(rec.Values))

	rec, ok, err = it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cat", string(rec.Key))

	_, ok, err = it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMultiBlockRecord(t *testing.T) {
	const pageSize = 512
	m := newTestKMV(t, pageSize)
	defer m.Close()

	var values [][]byte
	for i := 0; i < 1000; i++ {
		values = append(values, []byte{byte(i)})
	}
	require.NoError(t, m.AddNormal([]byte("big"), values))
	require.NoError(t, m.Complete())

	it := m.Records()
	rec, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rec.MultiBlock)
	require.Equal(t, "big", string(rec.Key))
	require.Equal(t, -rec.NBlocks, rec.NValues())

	var collected [][]byte
	for i := 0; i < rec.NBlocks; i++ {
		blockValues, _, err := rec.Block(i)
		require.NoError(t, err)
		collected = append(collected, blockValues...)
	}
	require.Equal(t, len(values), len(collected))
	for i := range values {
		require.Equal(t, values[i], collected[i])
	}

	_, ok, err = it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCloneFromKV(t *testing.T) {
	dir := t.TempDir()
	align := kv.NewAlign(4, 4)
	x := kv.New(align, 4096, make([]byte, 4096), dir, "src")
	defer x.Close()
	require.NoError(t, x.Add([]byte("a"), []byte("1")))
	require.NoError(t, x.Add([]byte("a"), []byte("2")))
	require.NoError(t, x.Complete())

	m, err := Clone(x, NewAlign(4, 4), 4096, make([]byte, 4096), dir, "clone")
	require.NoError(t, err)
	defer m.Close()
	require.Equal(t, int64(2), m.NKeys())

	it := m.Records()
	n := 0
	for {
		rec, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Equal(t, "a", string(rec.Key))
		require.Len(t, rec.Lens, 1)
		n++
	}
	require.Equal(t, 2, n)
}

func TestConvertGroupsByKey(t *testing.T) {
	dir := t.TempDir()
	align := kv.NewAlign(4, 4)
	x := kv.New(align, 4096, make([]byte, 4096), dir, "src")
	defer x.Close()
	pairs := []struct{ k, v string }{
		{"the", "1"}, {"cat", "1"}, {"the", "1"}, {"dog", "1"}, {"cat", "1"},
	}
	for _, p := range pairs {
		require.NoError(t, x.Add([]byte(p.k), []byte(p.v)))
	}
	require.NoError(t, x.Complete())

	m, err := Convert(x, NewAlign(4, 4), 4096, make([]byte, 4096), dir, "grouped")
	require.NoError(t, err)
	defer m.Close()
	require.Equal(t, int64(3), m.NKeys())

	counts := map[string]int{}
	it := m.Records()
	for {
		rec, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		counts[string(rec.Key)] = len(rec.Lens)
	}
	require.Equal(t, map[string]int{"the": 2, "cat": 2, "dog": 1}, counts)
}

func TestCollapseInterleavesKeyValue(t *testing.T) {
	dir := t.TempDir()
	align := kv.NewAlign(4, 4)
	x := kv.New(align, 4096, make([]byte, 4096), dir, "src")
	defer x.Close()
	require.NoError(t, x.Add([]byte("k1"), []byte("v1")))
	require.NoError(t, x.Add([]byte("k2"), []byte("v2")))
	require.NoError(t, x.Complete())

	m, err := Collapse([]byte("all"), x, NewAlign(4, 4), 4096, make([]byte, 4096), dir, "collapsed")
	require.NoError(t, err)
	defer m.Close()
	require.Equal(t, int64(1), m.NKeys())

	it := m.Records()
	rec, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "all", string(rec.Key))
	require.Equal(t, []int{2, 2, 2, 2}, rec.Lens)
	require.Equal(t, "k1v1k2v2", string(rec.Values))
}

func TestConvertManyKeysSpillsAcrossPages(t *testing.T) {
	dir := t.TempDir()
	align := kv.NewAlign(4, 4)
	x := kv.New(align, 1024, make([]byte, 1024), dir, "src")
	defer x.Close()
	for i := 0; i < 200; i++ {
		require.NoError(t, x.Add([]byte(fmt.Sprintf("k%04d", i)), []byte("v")))
	}
	require.NoError(t, x.Complete())

	m, err := Convert(x, NewAlign(4, 4), 1024, make([]byte, 1024), dir, "grouped")
	require.NoError(t, err)
	defer m.Close()
	require.Equal(t, int64(200), m.NKeys())
	require.GreaterOrEqual(t, m.NumPages(), 2)
}
