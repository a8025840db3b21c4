package kv

// PageInfo describes one committed page of a KV container: how many
// records it holds, the exact (unpadded) key and value byte totals,
// the page's aligned in-memory size, its rounded on-disk size, and
// its offset within the container's scratch file.
type PageInfo struct {
	Count      int   // number of records in the page
	KeyBytes   int64 // exact key bytes, unaligned
	ValueBytes int64 // exact value bytes, unaligned
	Size       int   // aligned in-memory size (<= page size)
	FileSize   int   // on-disk size, rounded to page.FileAlign
	Offset     int64 // byte offset of this page within the scratch file
}
