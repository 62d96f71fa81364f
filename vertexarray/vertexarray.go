// Package vertexarray translates a GL-style vertex-array object model onto
// a WebGPU-style native vertex pipeline.
//
// A VertexArray owns fixed per-attribute slot state, two streaming pools
// (vertex and index) and the conversion caches. The owning context drives
// it around draw calls:
//
//	va.SyncState(state, dirtyAttribs, dirtyBindings)
//	va.UpdateClientAttribs(first, count, instances, indexType, indices)
//	desc, err := va.SetupDraw(encoder, &rebuild)
//	buf, off, effType, err := va.GetIndexBuffer(src, indexType, count)
//
// UpdateClientAttribs must run before SetupDraw and GetIndexBuffer for the
// same draw; client-data resolution changes slot contents the other two
// depend on. All methods must be called from the single thread owning the
// graphics context.
package vertexarray

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/metalangle"
	"github.com/gogpu/metalangle/buffer"
	"github.com/gogpu/metalangle/format"
	"github.com/gogpu/metalangle/gpucore"
	"github.com/gogpu/metalangle/stream"
)

const defaultGPUConversionMinBytes = 64 << 10

// Errors surfaced to the owning context. Allocation failures from the pools
// additionally wrap stream.ErrAllocationFailed.
var (
	// ErrNoState means SyncState has not been called yet.
	ErrNoState = errors.New("vertexarray: no synced state")

	// ErrClientDataExhausted means a client-side array is shorter than the
	// range the draw references.
	ErrClientDataExhausted = errors.New("vertexarray: client array shorter than draw range")

	// ErrClientNotStreamed means SetupDraw found a client-backed attribute
	// that UpdateClientAttribs has not resolved for this draw.
	ErrClientNotStreamed = errors.New("vertexarray: client attribute not streamed before draw")

	// ErrInvalidIndexRange means the requested index range exceeds the
	// source buffer.
	ErrInvalidIndexRange = errors.New("vertexarray: index range exceeds source buffer")
)

// DefaultKind selects the default-value format for a disabled attribute,
// from the attribute's declared shader type.
type DefaultKind uint8

const (
	// DefaultFloat feeds float shader inputs. The zero value.
	DefaultFloat DefaultKind = iota
	// DefaultInt feeds signed integer shader inputs.
	DefaultInt
	// DefaultUint feeds unsigned integer shader inputs.
	DefaultUint
)

func (k DefaultKind) entry() *format.Entry {
	switch k {
	case DefaultInt:
		return format.DefaultInt
	case DefaultUint:
		return format.DefaultUint
	default:
		return format.DefaultFloat
	}
}

// Bits is a set of attribute or binding indices, one bit per index.
type Bits uint32

// Has reports whether index i is in the set.
func (b Bits) Has(i int) bool { return b&(1<<uint(i)) != 0 }

// MakeBits builds a set from indices.
func MakeBits(indices ...int) Bits {
	var b Bits
	for _, i := range indices {
		b |= 1 << uint(i)
	}
	return b
}

// Binding is the buffer-level source an attribute draws from. Buffer nil
// with Client set means a client-side array; both unset means no source.
type Binding struct {
	Buffer  *buffer.Buffer
	Client  []byte
	Offset  uint32
	Stride  uint32 // 0 means tightly packed at the attribute format's size
	Divisor uint32 // 0 steps per vertex, >0 per Divisor instances
}

// Attribute is the per-attribute state of the upstream vertex array object.
type Attribute struct {
	Enabled bool
	Format  format.Logical
	Binding int // index into State.Bindings
	Default DefaultKind
}

// State is the upstream vertex array state this subsystem translates. The
// owner mutates it and reports changed indices through SyncState.
type State struct {
	Attributes [gpucore.MaxVertexAttribs]Attribute
	Bindings   [gpucore.MaxVertexAttribs]Binding
}

// OffsetAndStride is the packed per-attribute record uploaded to the shader
// stage, parallel to the descriptor. (0, 0) for disabled attributes.
type OffsetAndStride struct {
	Offset uint32
	Stride uint32
}

// VertexDesc is the packed vertex layout descriptor for a draw call. All
// attribute slots are populated; disabled slots carry their default format
// with stride 0.
type VertexDesc struct {
	Layouts           [gpucore.MaxVertexAttribs]gputypes.VertexBufferLayout
	OffsetsAndStrides [gpucore.MaxVertexAttribs]OffsetAndStride
}

// Config tunes a VertexArray. The zero value is usable.
type Config struct {
	// GPUConversionMinBytes is the source byte size at or above which a
	// GPU-resident buffer is converted with a compute pass instead of on
	// the CPU. Defaults to 64 KiB. The right cutoff is workload and
	// hardware dependent; profile before relying on the default.
	GPUConversionMinBytes int

	// VertexPoolMinSize and IndexPoolMinSize override the streaming pools'
	// minimum buffer sizes. 0 keeps the pool defaults.
	VertexPoolMinSize int
	IndexPoolMinSize  int
}

type sourceKind uint8

const (
	sourceDefault sourceKind = iota
	sourceBuffer
	sourceConverted
	sourceStreamed
)

// attribSlot is the resolved per-attribute record. For sourceConverted the
// buffer and offset live in the conversion cache entry of the same index
// and are looked up at descriptor build time, so a stale cache entry can
// never be referenced through the slot.
type attribSlot struct {
	kind    sourceKind
	buf     gpucore.BufferID
	offset  uint64
	stride  uint32
	divisor uint32
	format  *format.Entry
}

// VertexArray is the translation subsystem instance for one vertex array
// object. Not safe for concurrent use.
type VertexArray struct {
	adapter gpucore.Adapter
	cfg     Config

	state *State

	slots     [gpucore.MaxVertexAttribs]attribSlot
	convCache [gpucore.MaxVertexAttribs]convCacheEntry

	indexCache []indexCacheEntry

	vertexPool *stream.Pool
	indexPool  *stream.Pool

	defaultBuf gpucore.BufferID

	conv *gpuConverter // nil when compute is unavailable

	dirty bool
}

// New creates a VertexArray on the given adapter.
func New(adapter gpucore.Adapter, cfg Config) (*VertexArray, error) {
	if cfg.GPUConversionMinBytes <= 0 {
		cfg.GPUConversionMinBytes = defaultGPUConversionMinBytes
	}

	va := &VertexArray{
		adapter: adapter,
		cfg:     cfg,
		vertexPool: stream.NewPool(adapter, stream.Options{
			Usage:         gpucore.BufferUsageVertex,
			MinBufferSize: cfg.VertexPoolMinSize,
		}),
		indexPool: stream.NewPool(adapter, stream.Options{
			Usage:         gpucore.BufferUsageIndex,
			MinBufferSize: cfg.IndexPoolMinSize,
		}),
	}

	// Zero-filled backing for disabled attributes. 16 bytes covers the
	// widest default format.
	id, err := adapter.CreateBuffer(16, gpucore.BufferUsageVertex|gpucore.BufferUsageCopyDst)
	if err != nil {
		return nil, fmt.Errorf("vertexarray: default buffer: %w", err)
	}
	adapter.WriteBuffer(id, 0, make([]byte, 16))
	va.defaultBuf = id

	if adapter.SupportsCompute() {
		conv, err := newGPUConverter(adapter)
		if err != nil {
			metalangle.Logger().Warn("gpu conversion unavailable, using cpu path", "err", err)
		} else {
			va.conv = conv
		}
	}

	va.Reset()
	return va, nil
}

// Reset restores construction state: every slot reverts to its default
// buffer and format, all caches are invalidated, and the dirty flag is set
// so the next SetupDraw rebuilds. The owner calls this on vertex array
// object rebind.
func (va *VertexArray) Reset() {
	for i := range va.slots {
		va.setDefaultSlot(i, DefaultFloat)
		va.convCache[i] = convCacheEntry{}
	}
	va.indexCache = va.indexCache[:0]
	va.dirty = true
}

func (va *VertexArray) setDefaultSlot(i int, kind DefaultKind) {
	va.slots[i] = attribSlot{
		kind:   sourceDefault,
		buf:    va.defaultBuf,
		format: kind.entry(),
	}
}

// SyncState applies pending attribute and binding changes. dirtyAttribs and
// dirtyBindings are index sets; an index present in either gets its slot
// re-resolved. Sets the dirty flag whenever a slot changes; only SetupDraw
// clears it.
func (va *VertexArray) SyncState(state *State, dirtyAttribs, dirtyBindings Bits) error {
	va.state = state
	for i := 0; i < gpucore.MaxVertexAttribs; i++ {
		if !dirtyAttribs.Has(i) && !dirtyBindings.Has(i) {
			continue
		}
		if err := va.syncAttrib(state, i); err != nil {
			return err
		}
	}
	return nil
}

func (va *VertexArray) syncAttrib(state *State, i int) error {
	attr := &state.Attributes[i]
	va.dirty = true

	if !attr.Enabled {
		va.setDefaultSlot(i, attr.Default)
		return nil
	}

	bnd := &state.Bindings[attr.Binding]
	entry := format.Resolve(attr.Format)

	if bnd.Buffer == nil {
		// Client-side array: resolution happens per draw in
		// UpdateClientAttribs, where the vertex count is known.
		va.slots[i] = attribSlot{
			kind:    sourceStreamed,
			buf:     gpucore.InvalidID,
			stride:  entry.Size,
			divisor: bnd.Divisor,
			format:  entry,
		}
		return nil
	}

	srcStride := bnd.Stride
	if srcStride == 0 {
		srcStride = entry.Logical.SrcSize()
	}

	// The native pipeline wants 4-byte aligned offsets and strides; a
	// misaligned layout goes through conversion even when the format
	// itself is supported.
	if !entry.NeedsConversion() && bnd.Offset%4 == 0 && srcStride%4 == 0 {
		va.slots[i] = attribSlot{
			kind:    sourceBuffer,
			buf:     bnd.Buffer.ID(),
			offset:  uint64(bnd.Offset),
			stride:  srcStride,
			divisor: bnd.Divisor,
			format:  entry,
		}
		return nil
	}

	if err := va.convertVertexBuffer(i, bnd.Buffer, bnd.Offset, srcStride, entry); err != nil {
		return err
	}
	va.slots[i] = attribSlot{
		kind:    sourceConverted,
		stride:  entry.Size,
		divisor: bnd.Divisor,
		format:  entry,
	}
	return nil
}

// HasBuffer reports whether attribute i is GPU-buffer-backed. Callers use
// it to decide whether UpdateClientAttribs is needed for a draw at all.
func (va *VertexArray) HasBuffer(i int) bool {
	if va.state == nil {
		return false
	}
	attr := &va.state.Attributes[i]
	if !attr.Enabled {
		return true // default-value slot needs no streaming
	}
	return va.state.Bindings[attr.Binding].Buffer != nil
}

// UpdateClientAttribs streams client-side array data for one draw into the
// vertex pool. For indexed draws with client-side indices, pass the index
// type and slice so the referenced vertex range can be computed; for
// non-indexed draws pass 0 and nil. Must be called before SetupDraw and
// GetIndexBuffer for the same draw.
func (va *VertexArray) UpdateClientAttribs(firstVertex, count, instanceCount int, indexType format.IndexType, indices []byte) error {
	if va.state == nil {
		return ErrNoState
	}

	vertexEnd := firstVertex + count
	if indexType != 0 && indices != nil {
		max, err := maxIndex(indexType, indices, count)
		if err != nil {
			return err
		}
		vertexEnd = int(max) + 1
	}

	for i := 0; i < gpucore.MaxVertexAttribs; i++ {
		if va.slots[i].kind != sourceStreamed {
			continue
		}
		attr := &va.state.Attributes[i]
		bnd := &va.state.Bindings[attr.Binding]
		entry := va.slots[i].format

		elems := vertexEnd
		if bnd.Divisor > 0 {
			elems = (instanceCount + int(bnd.Divisor) - 1) / int(bnd.Divisor)
		}
		if elems == 0 {
			// Degenerate draw (zero instances or zero vertices) fetches
			// nothing; bind the zero buffer so the slot stays valid.
			va.slots[i].buf = va.defaultBuf
			va.slots[i].offset = 0
			va.slots[i].stride = entry.Size
			va.dirty = true
			continue
		}

		srcStride := int(bnd.Stride)
		if srcStride == 0 {
			srcStride = int(entry.Logical.SrcSize())
		}
		need := (elems-1)*srcStride + int(entry.Logical.SrcSize())
		data := bnd.Client
		if int(bnd.Offset) > len(data) {
			return fmt.Errorf("%w: attribute %d", ErrClientDataExhausted, i)
		}
		data = data[bnd.Offset:]
		if need > len(data) {
			return fmt.Errorf("%w: attribute %d needs %d bytes, have %d",
				ErrClientDataExhausted, i, need, len(data))
		}

		out := make([]byte, 0, elems*int(entry.Size))
		for e := 0; e < elems; e++ {
			out = entry.Convert(out, data[e*srcStride:])
		}

		alloc, err := va.vertexPool.Allocate(len(out), 4)
		if err != nil {
			return fmt.Errorf("vertexarray: stream attribute %d: %w", i, err)
		}
		va.vertexPool.Write(alloc, out)

		va.slots[i].buf = alloc.Buffer
		va.slots[i].offset = alloc.Offset
		va.slots[i].stride = entry.Size
		va.dirty = true
	}
	return nil
}

// maxIndex scans a client index slice for the largest referenced vertex.
func maxIndex(t format.IndexType, indices []byte, count int) (uint32, error) {
	size := int(t.Size())
	if count*size > len(indices) {
		return 0, fmt.Errorf("%w: %d indices, %d bytes", ErrInvalidIndexRange, count, len(indices))
	}
	var max uint32
	for i := 0; i < count; i++ {
		var v uint32
		switch t {
		case format.IndexUint8:
			v = uint32(indices[i])
		case format.IndexUint16:
			v = uint32(indices[i*2]) | uint32(indices[i*2+1])<<8
		default:
			v = uint32(indices[i*4]) | uint32(indices[i*4+1])<<8 |
				uint32(indices[i*4+2])<<16 | uint32(indices[i*4+3])<<24
		}
		if v > max {
			max = v
		}
	}
	return max, nil
}

// SetupDraw resolves the vertex descriptor and binds the resolved buffers
// on the encoder. If *rebuild is set on input, or internal state is dirty,
// the descriptor is rebuilt, the dirty flag cleared and *rebuild set on
// output so the caller re-binds pipeline-level state. Otherwise *rebuild is
// cleared and a nil descriptor returned; the caller must not re-bind.
func (va *VertexArray) SetupDraw(enc gpucore.RenderCommandEncoder, rebuild *bool) (*VertexDesc, error) {
	if !*rebuild && !va.dirty {
		*rebuild = false
		return nil, nil
	}

	desc := &VertexDesc{}
	for i := range va.slots {
		slot := &va.slots[i]

		buf, offset := slot.buf, slot.offset
		switch slot.kind {
		case sourceConverted:
			// Converted slots reference their cache entry, which may have
			// gone stale since SyncState (source rewrite, pool rotation).
			// Re-validate and re-convert lazily here.
			c := &va.convCache[i]
			if !c.current(va.vertexPool.Generation()) {
				if err := va.convertVertexBuffer(i, c.src, c.srcOffset, c.srcStride, slot.format); err != nil {
					return nil, err
				}
			}
			buf, offset = c.alloc.Buffer, c.alloc.Offset
		case sourceStreamed:
			if buf == gpucore.InvalidID {
				return nil, fmt.Errorf("%w: attribute %d", ErrClientNotStreamed, i)
			}
		}

		desc.Layouts[i] = slot.format.Layout(uint32(i), slot.stride, slot.divisor > 0)
		if slot.kind != sourceDefault {
			desc.OffsetsAndStrides[i] = OffsetAndStride{Offset: uint32(offset), Stride: slot.stride}
		}
		enc.SetVertexBuffer(uint32(i), buf, offset)
	}

	va.dirty = false
	*rebuild = true
	return desc, nil
}

// AdvanceFrame seals the current frame on both streaming pools. Call after
// the frame's command buffer is submitted.
func (va *VertexArray) AdvanceFrame() {
	va.vertexPool.AdvanceFrame()
	va.indexPool.AdvanceFrame()
	// Converted slots hold allocations in the frame just sealed. Mark the
	// state dirty so the next SetupDraw re-validates them instead of
	// early-returning with a binding into retiring pool memory.
	for i := range va.slots {
		if va.slots[i].kind == sourceConverted {
			va.dirty = true
			break
		}
	}
}

// SubmissionRetired tells the pools the oldest submitted frame has retired
// on the GPU, making its pool memory reusable.
func (va *VertexArray) SubmissionRetired() {
	va.vertexPool.SubmissionRetired()
	va.indexPool.SubmissionRetired()
	if va.conv != nil {
		va.conv.releaseSpent()
	}
}

// Destroy releases all GPU resources the VertexArray owns.
func (va *VertexArray) Destroy() {
	va.vertexPool.Destroy()
	va.indexPool.Destroy()
	if va.defaultBuf != gpucore.InvalidID {
		va.adapter.DestroyBuffer(va.defaultBuf)
		va.defaultBuf = gpucore.InvalidID
	}
	if va.conv != nil {
		va.conv.destroy()
		va.conv = nil
	}
}
