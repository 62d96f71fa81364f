// Package stream implements transient GPU buffer pools for streamed and
// converted vertex and index data.
//
// A Pool hands out bump-allocated regions of large GPU buffers. Allocations
// are valid for the current frame; AdvanceFrame seals the frame and rotates
// its buffers into an in-flight queue, and SubmissionRetired recycles the
// oldest in-flight set once the GPU is done with it. The pool grows on
// demand and never blocks the caller.
package stream

import (
	"errors"
	"fmt"

	"github.com/gogpu/metalangle"
	"github.com/gogpu/metalangle/gpucore"
)

const defaultMinBufferSize = 128 << 10

// ErrAllocationFailed is returned when the backing adapter cannot satisfy a
// buffer allocation, or a single request exceeds the adapter's buffer size
// limit.
var ErrAllocationFailed = errors.New("stream: allocation failed")

// Allocation is a region of a pool buffer. It stays valid until the frame
// it was made in is sealed by AdvanceFrame.
type Allocation struct {
	// Buffer is the pool buffer holding the region.
	Buffer gpucore.BufferID

	// Offset is the byte offset of the region within Buffer.
	Offset uint64

	// Size is the region size in bytes.
	Size uint64
}

// Options configures a Pool. The zero value gives a vertex-usage pool with
// a 128 KiB minimum buffer size.
type Options struct {
	// Usage is the usage of pool buffers. Defaults to vertex usage with
	// copy-dst; index pools pass BufferUsageIndex.
	Usage gpucore.BufferUsage

	// MinBufferSize is the smallest buffer the pool allocates. 0 means the
	// default.
	MinBufferSize int
}

// Pool is a transient buffer pool. It is owned by a single vertex array and
// is not safe for concurrent use.
type Pool struct {
	adapter gpucore.Adapter
	usage   gpucore.BufferUsage
	minSize int

	cur     gpucore.BufferID
	curSize int
	offset  uint64

	used       []poolBuffer   // filled this frame, cur excluded
	inFlight   [][]poolBuffer // sealed frames, oldest first
	free       []poolBuffer
	generation uint64
}

type poolBuffer struct {
	id   gpucore.BufferID
	size int
}

// NewPool creates a pool on the given adapter.
func NewPool(adapter gpucore.Adapter, opts Options) *Pool {
	usage := opts.Usage
	if usage == 0 {
		usage = gpucore.BufferUsageVertex
	}
	usage |= gpucore.BufferUsageCopyDst
	if adapter.SupportsCompute() {
		usage |= gpucore.BufferUsageStorage
	}
	minSize := opts.MinBufferSize
	if minSize <= 0 {
		minSize = defaultMinBufferSize
	}
	return &Pool{adapter: adapter, usage: usage, minSize: minSize}
}

// Generation returns a counter that changes when previously handed out
// allocations become invalid. Conversion caches holding pool allocations
// compare generations to detect staleness.
func (p *Pool) Generation() uint64 { return p.generation }

// Allocate returns a region of at least size bytes whose offset is a
// multiple of align. align must be a power of two; 0 means 4.
func (p *Pool) Allocate(size int, align uint64) (Allocation, error) {
	if align == 0 {
		align = 4
	}
	if size < 0 || uint64(size) > p.adapter.MaxBufferSize() {
		return Allocation{}, fmt.Errorf("%w: %d bytes exceeds adapter limit", ErrAllocationFailed, size)
	}

	offset := (p.offset + align - 1) &^ (align - 1)
	if p.cur == gpucore.InvalidID || offset+uint64(size) > uint64(p.curSize) {
		if err := p.nextBuffer(size); err != nil {
			return Allocation{}, err
		}
		offset = 0
	}
	p.offset = offset + uint64(size)
	return Allocation{Buffer: p.cur, Offset: offset, Size: uint64(size)}, nil
}

// Write copies data into an allocation.
func (p *Pool) Write(alloc Allocation, data []byte) {
	p.adapter.WriteBuffer(alloc.Buffer, alloc.Offset, data)
}

// nextBuffer retires the current buffer and installs one that can hold at
// least size bytes, recycling a free buffer when possible.
func (p *Pool) nextBuffer(size int) error {
	grow := false
	if p.cur != gpucore.InvalidID {
		// Ran out mid-frame; the replacement doubles so repeated refills
		// settle into a single buffer per frame.
		p.used = append(p.used, poolBuffer{id: p.cur, size: p.curSize})
		p.cur = gpucore.InvalidID
		grow = true
	}

	for i, f := range p.free {
		if f.size >= size {
			p.free = append(p.free[:i], p.free[i+1:]...)
			p.cur, p.curSize, p.offset = f.id, f.size, 0
			return nil
		}
	}

	next := p.minSize
	if grow && p.curSize > 0 {
		next = p.curSize * 2
	}
	if next < size {
		next = size
	}
	if max := p.adapter.MaxBufferSize(); uint64(next) > max {
		next = int(max)
	}

	id, err := p.adapter.CreateBuffer(next, p.usage)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	metalangle.Logger().Debug("stream pool grew", "bytes", next)
	p.cur, p.curSize, p.offset = id, next, 0
	return nil
}

// AdvanceFrame seals the current frame. All allocations handed out since
// the previous AdvanceFrame become invalid and the generation changes. Call
// once per submitted frame, after encoding.
func (p *Pool) AdvanceFrame() {
	if p.cur != gpucore.InvalidID {
		p.used = append(p.used, poolBuffer{id: p.cur, size: p.curSize})
		p.cur = gpucore.InvalidID
		p.offset = 0
	}
	p.inFlight = append(p.inFlight, p.used)
	p.used = nil
	p.generation++
}

// SubmissionRetired tells the pool the oldest sealed frame is no longer
// referenced by the GPU, returning its buffers to the free list.
func (p *Pool) SubmissionRetired() {
	if len(p.inFlight) == 0 {
		return
	}
	p.free = append(p.free, p.inFlight[0]...)
	p.inFlight = p.inFlight[1:]
}

// Destroy releases every buffer the pool owns.
func (p *Pool) Destroy() {
	if p.cur != gpucore.InvalidID {
		p.adapter.DestroyBuffer(p.cur)
		p.cur = gpucore.InvalidID
	}
	for _, b := range p.used {
		p.adapter.DestroyBuffer(b.id)
	}
	for _, frame := range p.inFlight {
		for _, b := range frame {
			p.adapter.DestroyBuffer(b.id)
		}
	}
	for _, b := range p.free {
		p.adapter.DestroyBuffer(b.id)
	}
	p.used, p.inFlight, p.free = nil, nil, nil
	p.curSize, p.offset = 0, 0
}
