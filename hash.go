package mrmpi

import "github.com/spaolacci/murmur3"

// HashFunc computes a deterministic hash of a key, used by Aggregate
// and Collate to pick a destination process: destination =
// h(key) mod numProcs. It must return the same value for the same
// bytes on every process.
type HashFunc func(key []byte) uint64

// builtinHash is the hash Aggregate/Collate fall back to when the
// caller passes a nil HashFunc. MurmurV3 is the non-cryptographic hash the
// rest of this corpus reaches for (bigslice's hasher.go used FNV; the
// broader retrieval pack standardizes on murmur3 for this role).
func builtinHash(key []byte) uint64 {
	return murmur3.Sum64(key)
}

func destinationOf(h HashFunc, key []byte, numProcs int) int {
	if h == nil {
		h = builtinHash
	}
	return int(h(key) % uint64(numProcs))
}
