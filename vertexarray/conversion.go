package vertexarray

import (
	"fmt"

	"github.com/gogpu/metalangle"
	"github.com/gogpu/metalangle/buffer"
	"github.com/gogpu/metalangle/format"
	"github.com/gogpu/metalangle/stream"
)

// convCacheEntry remembers the last conversion an attribute consumed. One
// entry per attribute; entries are never shared across attributes even when
// they reference the same source buffer, since destination layout differs
// per attribute. Invalidation is lazy: current is checked on lookup, not
// pushed on source writes.
type convCacheEntry struct {
	valid bool

	src        *buffer.Buffer
	srcOffset  uint32
	srcStride  uint32
	revision   uint64
	generation uint64 // vertex pool generation at conversion time

	alloc stream.Allocation
}

// current reports whether the cached allocation may still be used: the
// source has not been rewritten and the pool has not rotated past it.
func (c *convCacheEntry) current(poolGen uint64) bool {
	return c.valid && c.src != nil &&
		c.revision == c.src.Revision() &&
		c.generation == poolGen
}

// matches reports whether the entry covers the given source view.
func (c *convCacheEntry) matches(src *buffer.Buffer, srcOffset, srcStride uint32) bool {
	return c.src == src && c.srcOffset == srcOffset && c.srcStride == srcStride
}

// convertVertexBuffer produces (or reuses) converted vertex data for
// attribute i from a GPU buffer source. On return the attribute's cache
// entry holds a valid allocation in the vertex pool.
func (va *VertexArray) convertVertexBuffer(i int, src *buffer.Buffer, srcOffset, srcStride uint32, entry *format.Entry) error {
	c := &va.convCache[i]
	if c.matches(src, srcOffset, srcStride) && c.current(va.vertexPool.Generation()) {
		metalangle.Logger().Debug("vertex conversion cache hit", "attribute", i)
		return nil
	}

	srcSize := entry.Logical.SrcSize()
	avail := src.Size() - int(srcOffset)
	count := 0
	if avail >= int(srcSize) {
		count = 1 + (avail-int(srcSize))/int(srcStride)
	}

	alloc, err := va.vertexPool.Allocate(count*int(entry.Size), 4)
	if err != nil {
		return fmt.Errorf("vertexarray: convert attribute %d: %w", i, err)
	}

	if count > 0 {
		if va.useGPUConversion(src, count*int(srcStride), entry) {
			err = va.conv.convertVertex(src.ID(), srcOffset, srcStride, entry, alloc, count)
			if err != nil {
				metalangle.Logger().Warn("gpu vertex conversion failed, falling back to cpu",
					"attribute", i, "err", err)
				va.convertVertexCPU(src, srcOffset, srcStride, entry, alloc, count)
			} else {
				metalangle.Logger().Debug("vertex conversion on gpu",
					"attribute", i, "elements", count)
			}
		} else {
			va.convertVertexCPU(src, srcOffset, srcStride, entry, alloc, count)
			metalangle.Logger().Debug("vertex conversion on cpu",
				"attribute", i, "elements", count)
		}
	}

	*c = convCacheEntry{
		valid:      true,
		src:        src,
		srcOffset:  srcOffset,
		srcStride:  srcStride,
		revision:   src.Revision(),
		generation: va.vertexPool.Generation(),
		alloc:      alloc,
	}
	return nil
}

// useGPUConversion applies the strategy heuristic: compute must be
// available, the source GPU-readable, the payload large enough to amortize
// pipeline setup, and the transform pure per-element. Component expansion
// always runs on the CPU.
func (va *VertexArray) useGPUConversion(src *buffer.Buffer, srcBytes int, entry *format.Entry) bool {
	return va.conv != nil &&
		src.GPUReadable() &&
		srcBytes >= va.cfg.GPUConversionMinBytes &&
		entry.PureTransform()
}

// convertVertexCPU converts element-by-element from the source's CPU shadow
// into the pool allocation.
func (va *VertexArray) convertVertexCPU(src *buffer.Buffer, srcOffset, srcStride uint32, entry *format.Entry, alloc stream.Allocation, count int) {
	data := src.Contents()[srcOffset:]
	out := make([]byte, 0, count*int(entry.Size))
	for e := 0; e < count; e++ {
		out = entry.Convert(out, data[e*int(srcStride):])
	}
	va.vertexPool.Write(alloc, out)
}
