// Package page provides the fixed-size, aligned RAM region that
// backs every KV and KMV page, plus the alignment arithmetic used to
// pack variable-sized records into it.
package page

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// FileAlign is the byte boundary every page image is padded to when
// written to a scratch file.
const FileAlign = 512

// DefaultMemSize is the default size, in bytes, of an engine's
// in-RAM page buffer.
const DefaultMemSize = 64 << 20

// IsPow2 reports whether n is a power of two.
func IsPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// RoundUp rounds x up to the next multiple of align, which must be a
// power of two. RoundUp panics if align is not a power of two; this
// is a programmer error (a bad alignment should be rejected at
// Options validation time), not a runtime data fault.
func RoundUp(x, align int) int {
	if !IsPow2(align) {
		panic("page: alignment is not a power of two")
	}
	return (x + align - 1) &^ (align - 1)
}

// RoundFile rounds x up to the file alignment boundary.
func RoundFile(x int) int {
	return RoundUp(x, FileAlign)
}

// CheckAlign validates that align is a power of two no larger than
// pageSize, the constraint every key or value alignment must satisfy.
func CheckAlign(align, pageSize int) error {
	if !IsPow2(align) {
		return errors.E(errors.Invalid, fmt.Sprintf("alignment %d is not a power of two", align))
	}
	if align > pageSize {
		return errors.E(errors.Invalid, fmt.Sprintf("alignment %d exceeds page size %d", align, pageSize))
	}
	return nil
}

// TAlign returns the whole-record alignment for the given key and
// value alignments: max(kalign, valign, sizeof(int)).
func TAlign(kalign, valign int) int {
	t := kalign
	if valign > t {
		t = valign
	}
	if SizeofInt > t {
		t = SizeofInt
	}
	return t
}

// SizeofInt is the width, in bytes, of the length-prefix integers
// used throughout the record formats, fixed at 4 bytes so the wire
// format doesn't depend on the host's native int width. Record and
// container counts themselves are carried as int64 throughout the
// module to avoid overflow on large containers.
const SizeofInt = 4
