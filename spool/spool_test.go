package spool

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAndIterate(t *testing.T) {
	dir := t.TempDir()
	const pageSize = 64
	const blobSize = 4 // fixed width so record boundaries are known to the test
	s := New(pageSize, make([]byte, pageSize), dir, "test")
	defer s.Close()

	blobs := [][]byte{[]byte("one!"), []byte("two!"), []byte("thre")}
	for _, b := range blobs {
		require.NoError(t, s.Add(b))
	}
	require.NoError(t, s.Complete())

	var out [][]byte
	buf := make([]byte, pageSize)
	for i := 0; i < s.NumPages(); i++ {
		page, info, err := s.RequestPage(i, buf)
		require.NoError(t, err)
		require.Equal(t, info.Count*blobSize, info.Size)
		for off := 0; off < info.Size; off += blobSize {
			out = append(out, append([]byte{}, page[off:off+blobSize]...))
		}
	}
	require.Len(t, out, len(blobs))
	for i, b := range blobs {
		require.Equal(t, b, out[i])
	}
}

func TestSpillsWhenOverflowing(t *testing.T) {
	dir := t.TempDir()
	const pageSize = 32
	s := New(pageSize, make([]byte, pageSize), dir, "test")
	defer s.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Add([]byte(fmt.Sprintf("blob%02d", i))))
	}
	require.NoError(t, s.Complete())
	require.GreaterOrEqual(t, s.NumPages(), 2)

	total := 0
	buf := make([]byte, pageSize)
	for i := 0; i < s.NumPages(); i++ {
		_, info, err := s.RequestPage(i, buf)
		require.NoError(t, err)
		total += info.Count
	}
	require.Equal(t, 50, total)
}

func TestAssignRebindsBuffer(t *testing.T) {
	dir := t.TempDir()
	const pageSize = 16
	s := New(pageSize, make([]byte, pageSize), dir, "test")
	defer s.Close()
	s.Assign(make([]byte, pageSize))
	require.NoError(t, s.Add([]byte("ok")))
	require.NoError(t, s.Complete())
	require.Equal(t, 1, s.NumPages())
}

func TestOversizeBlobFails(t *testing.T) {
	dir := t.TempDir()
	const pageSize = 8
	s := New(pageSize, make([]byte, pageSize), dir, "test")
	defer s.Close()
	require.Error(t, s.Add(make([]byte, 16)))
}
