package vertexarray

import (
	"fmt"

	"github.com/gogpu/metalangle"
	"github.com/gogpu/metalangle/buffer"
	"github.com/gogpu/metalangle/format"
	"github.com/gogpu/metalangle/gpucore"
	"github.com/gogpu/metalangle/stream"
)

// IndexSource is a logical index data source: a GPU buffer plus byte
// offset, or client memory when Buffer is nil.
type IndexSource struct {
	Buffer *buffer.Buffer
	Offset uint32
	Client []byte
}

// indexCacheEntry caches one converted index range. Unlike the vertex
// cache, entries are additionally keyed by offset and count, since draws
// commonly consume different sub-ranges of the same index buffer.
type indexCacheEntry struct {
	src        *buffer.Buffer
	srcOffset  uint32
	indexType  format.IndexType
	count      int
	revision   uint64
	generation uint64

	alloc stream.Allocation
}

// GetIndexBuffer resolves an index source into a GPU-consumable buffer,
// offset and effective index type. The effective type may differ from the
// requested one (8-bit indices promote to 16-bit); callers must use the
// reported type, not the requested one.
func (va *VertexArray) GetIndexBuffer(src IndexSource, indexType format.IndexType, count int) (gpucore.BufferID, uint64, format.IndexType, error) {
	entry := format.ResolveIndex(indexType)

	if src.Buffer == nil {
		return va.streamIndexBufferFromClient(src.Client, entry, count)
	}

	srcSize := indexType.Size()
	if int(src.Offset)+count*int(srcSize) > src.Buffer.Size() {
		return gpucore.InvalidID, 0, 0, fmt.Errorf("%w: %d indices at offset %d in %d-byte buffer",
			ErrInvalidIndexRange, count, src.Offset, src.Buffer.Size())
	}

	// Pass through when the width is native and the offset lands on an
	// alignment the native binding accepts.
	if !entry.Promote && src.Offset%srcSize == 0 && src.Offset%4 == 0 {
		return src.Buffer.ID(), uint64(src.Offset), indexType, nil
	}

	return va.convertIndexBuffer(src.Buffer, src.Offset, entry, count)
}

// convertIndexBuffer converts or realigns a GPU-resident index range into
// the index pool, reusing the cached result when source identity, revision,
// range and pool generation all match.
func (va *VertexArray) convertIndexBuffer(src *buffer.Buffer, srcOffset uint32, entry format.IndexEntry, count int) (gpucore.BufferID, uint64, format.IndexType, error) {
	gen := va.indexPool.Generation()
	live := va.indexCache[:0]
	var hit *indexCacheEntry
	for i := range va.indexCache {
		c := &va.indexCache[i]
		if c.revision != c.src.Revision() || c.generation != gen {
			continue // stale, dropped
		}
		live = append(live, *c)
		if c.src == src && c.srcOffset == srcOffset && c.indexType == entry.Type && c.count == count {
			hit = &live[len(live)-1]
		}
	}
	va.indexCache = live
	if hit != nil {
		metalangle.Logger().Debug("index conversion cache hit", "count", count)
		return hit.alloc.Buffer, hit.alloc.Offset, entry.Effective, nil
	}

	alloc, err := va.indexPool.Allocate(count*int(entry.EffectiveSize), 4)
	if err != nil {
		return gpucore.InvalidID, 0, 0, fmt.Errorf("vertexarray: convert indices: %w", err)
	}

	srcBytes := count * int(entry.Type.Size())
	if va.conv != nil && src.GPUReadable() && srcBytes >= va.cfg.GPUConversionMinBytes {
		err = va.conv.convertIndices(src.ID(), srcOffset, entry, alloc, count)
		if err != nil {
			metalangle.Logger().Warn("gpu index conversion failed, falling back to cpu", "err", err)
			va.convertIndexCPU(src, srcOffset, entry, alloc, count)
		} else {
			metalangle.Logger().Debug("index conversion on gpu", "count", count)
		}
	} else {
		va.convertIndexCPU(src, srcOffset, entry, alloc, count)
	}

	va.indexCache = append(va.indexCache, indexCacheEntry{
		src:        src,
		srcOffset:  srcOffset,
		indexType:  entry.Type,
		count:      count,
		revision:   src.Revision(),
		generation: gen,
		alloc:      alloc,
	})
	return alloc.Buffer, alloc.Offset, entry.Effective, nil
}

func (va *VertexArray) convertIndexCPU(src *buffer.Buffer, srcOffset uint32, entry format.IndexEntry, alloc stream.Allocation, count int) {
	out := entry.ConvertIndices(nil, src.Contents()[srcOffset:], count)
	va.indexPool.Write(alloc, out)
}

// streamIndexBufferFromClient copies client-side indices into the index
// pool, promoting if needed. Client memory has no stable identity to cache
// on, so every call re-copies.
func (va *VertexArray) streamIndexBufferFromClient(client []byte, entry format.IndexEntry, count int) (gpucore.BufferID, uint64, format.IndexType, error) {
	if count*int(entry.Type.Size()) > len(client) {
		return gpucore.InvalidID, 0, 0, fmt.Errorf("%w: %d indices, %d client bytes",
			ErrInvalidIndexRange, count, len(client))
	}

	out := entry.ConvertIndices(nil, client, count)
	alloc, err := va.indexPool.Allocate(len(out), 4)
	if err != nil {
		return gpucore.InvalidID, 0, 0, fmt.Errorf("vertexarray: stream indices: %w", err)
	}
	va.indexPool.Write(alloc, out)
	return alloc.Buffer, alloc.Offset, entry.Effective, nil
}
