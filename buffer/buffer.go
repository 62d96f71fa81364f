// Package buffer implements the source buffer object the translation layer
// reads vertex and index data from.
//
// A Buffer owns a GPU allocation through a [gpucore.Adapter] and keeps a CPU
// shadow of its contents. The shadow serves CPU-side conversion without a
// GPU readback stall; the GPU copy serves pass-through binding and GPU-side
// conversion. Every data upload bumps a revision counter that conversion
// caches key on.
package buffer

import (
	"errors"
	"fmt"

	"github.com/gogpu/metalangle/gpucore"
)

// ErrAllocationFailed wraps adapter buffer creation failures.
var ErrAllocationFailed = errors.New("buffer: allocation failed")

// Buffer is a source data buffer. It is owned by a single graphics context
// and is not safe for concurrent use.
type Buffer struct {
	adapter  gpucore.Adapter
	id       gpucore.BufferID
	size     int
	usage    gpucore.BufferUsage
	revision uint64
	shadow   []byte
}

// New allocates a buffer of the given size. The usage flags are extended
// with CopySrc and, when the adapter supports compute, Storage, so the
// buffer can feed GPU-side conversion.
func New(adapter gpucore.Adapter, size int, usage gpucore.BufferUsage) (*Buffer, error) {
	usage |= gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst
	if adapter.SupportsCompute() {
		usage |= gpucore.BufferUsageStorage
	}
	id, err := adapter.CreateBuffer(size, usage)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes: %w", ErrAllocationFailed, size, err)
	}
	return &Buffer{
		adapter: adapter,
		id:      id,
		size:    size,
		usage:   usage,
		shadow:  make([]byte, size),
	}, nil
}

// ID returns the underlying GPU buffer handle.
func (b *Buffer) ID() gpucore.BufferID { return b.id }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() int { return b.size }

// Usage returns the effective usage flags.
func (b *Buffer) Usage() gpucore.BufferUsage { return b.usage }

// Revision returns a counter that changes whenever buffer contents change.
// Conversion caches compare revisions to detect stale converted data.
func (b *Buffer) Revision() uint64 { return b.revision }

// GPUReadable reports whether GPU compute passes can read this buffer.
func (b *Buffer) GPUReadable() bool {
	return b.usage.Contains(gpucore.BufferUsageStorage)
}

// Write replaces a range of the buffer contents, updating both the GPU copy
// and the CPU shadow, and bumps the revision.
func (b *Buffer) Write(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > b.size {
		return fmt.Errorf("buffer: write of %d bytes at %d exceeds size %d",
			len(data), offset, b.size)
	}
	copy(b.shadow[offset:], data)
	b.adapter.WriteBuffer(b.id, uint64(offset), data)
	b.revision++
	return nil
}

// Contents returns the CPU shadow of the buffer. The returned slice aliases
// internal storage and must not be mutated.
func (b *Buffer) Contents() []byte { return b.shadow }

// Destroy releases the GPU allocation. The buffer must not be used after.
func (b *Buffer) Destroy() {
	if b.id != gpucore.InvalidID {
		b.adapter.DestroyBuffer(b.id)
		b.id = gpucore.InvalidID
	}
	b.shadow = nil
}
