package format

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// IndexType is the element type of a logical index buffer.
type IndexType uint8

// Logical index element types.
const (
	// IndexUint8 is an 8-bit index. Not natively supported; always
	// promoted to 16 bits.
	IndexUint8 IndexType = iota + 1

	// IndexUint16 is a 16-bit index.
	IndexUint16

	// IndexUint32 is a 32-bit index.
	IndexUint32
)

// String returns the string representation of IndexType.
func (t IndexType) String() string {
	switch t {
	case IndexUint8:
		return "Uint8"
	case IndexUint16:
		return "Uint16"
	case IndexUint32:
		return "Uint32"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Size returns the byte size of one source index element.
func (t IndexType) Size() uint32 {
	switch t {
	case IndexUint8:
		return 1
	case IndexUint32:
		return 4
	default:
		return 2
	}
}

// IndexEntry describes how a logical index type maps onto the native
// pipeline.
type IndexEntry struct {
	// Type is the logical element type.
	Type IndexType

	// Effective is the element type the native pipeline consumes. Differs
	// from Type only for IndexUint8.
	Effective IndexType

	// Native is the native index format for Effective.
	Native gputypes.IndexFormat

	// EffectiveSize is the byte size of one element after promotion.
	EffectiveSize uint32

	// Promote reports whether elements must be widened during translation.
	Promote bool
}

// ResolveIndex returns the native mapping for a logical index type.
// Unknown types panic for the same reason Resolve does.
func ResolveIndex(t IndexType) IndexEntry {
	switch t {
	case IndexUint8:
		return IndexEntry{
			Type:          IndexUint8,
			Effective:     IndexUint16,
			Native:        gputypes.IndexFormatUint16,
			EffectiveSize: 2,
			Promote:       true,
		}
	case IndexUint16:
		return IndexEntry{
			Type:          IndexUint16,
			Effective:     IndexUint16,
			Native:        gputypes.IndexFormatUint16,
			EffectiveSize: 2,
		}
	case IndexUint32:
		return IndexEntry{
			Type:          IndexUint32,
			Effective:     IndexUint32,
			Native:        gputypes.IndexFormatUint32,
			EffectiveSize: 4,
		}
	default:
		panic(fmt.Sprintf("format: unknown index type %v", t))
	}
}

// ConvertIndices appends the native encoding of count source indices to dst
// and returns the extended slice. src must hold count elements of e.Type.
// Promotion is value-preserving zero extension.
func (e IndexEntry) ConvertIndices(dst, src []byte, count int) []byte {
	if !e.Promote {
		return append(dst, src[:count*int(e.Type.Size())]...)
	}
	for i := 0; i < count; i++ {
		dst = append(dst, src[i], 0)
	}
	return dst
}
