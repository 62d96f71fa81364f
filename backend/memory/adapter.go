// Package memory provides an in-process [gpucore.Adapter] backed by plain
// byte slices.
//
// It exists for two reasons: it is the fallback backend when no GPU is
// available, and it makes the translation layer testable without a device.
// Compute passes are recorded, not executed; a test can inspect what was
// dispatched, and the translation layer never depends on compute output it
// did not write itself.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/metalangle/gpucore"
)

const defaultMaxBufferSize = 256 << 20

// ErrOutOfMemory is returned when an allocation would exceed the configured
// buffer size limit.
var ErrOutOfMemory = errors.New("memory: buffer size limit exceeded")

// Options configures the adapter. The zero value is a CPU-only adapter with
// a 256 MiB buffer size limit.
type Options struct {
	// SupportsCompute makes the adapter advertise compute support. Pipelines
	// and dispatches are recorded for inspection but never executed.
	SupportsCompute bool

	// MaxBufferSize caps individual buffer allocations. 0 means the default.
	MaxBufferSize uint64
}

// Dispatch records one compute dispatch for test inspection.
type Dispatch struct {
	Pipeline   gpucore.ComputePipelineID
	BindGroups map[uint32]gpucore.BindGroupID
	X, Y, Z    uint32
}

// Adapter is an in-process adapter. Safe for concurrent use.
type Adapter struct {
	mu      sync.Mutex
	opts    Options
	nextID  uint64
	buffers map[gpucore.BufferID]*bufferData

	shaders       map[gpucore.ShaderModuleID]string
	groupLayouts  map[gpucore.BindGroupLayoutID]*gpucore.BindGroupLayoutDesc
	pipeLayouts   map[gpucore.PipelineLayoutID][]gpucore.BindGroupLayoutID
	pipelines     map[gpucore.ComputePipelineID]*gpucore.ComputePipelineDesc
	groups        map[gpucore.BindGroupID][]gpucore.BindGroupEntry
	dispatches    []Dispatch
	submits       int
}

type bufferData struct {
	data  []byte
	usage gpucore.BufferUsage
}

// New creates an in-process adapter.
func New(opts Options) *Adapter {
	if opts.MaxBufferSize == 0 {
		opts.MaxBufferSize = defaultMaxBufferSize
	}
	return &Adapter{
		opts:         opts,
		buffers:      make(map[gpucore.BufferID]*bufferData),
		shaders:      make(map[gpucore.ShaderModuleID]string),
		groupLayouts: make(map[gpucore.BindGroupLayoutID]*gpucore.BindGroupLayoutDesc),
		pipeLayouts:  make(map[gpucore.PipelineLayoutID][]gpucore.BindGroupLayoutID),
		pipelines:    make(map[gpucore.ComputePipelineID]*gpucore.ComputePipelineDesc),
		groups:       make(map[gpucore.BindGroupID][]gpucore.BindGroupEntry),
	}
}

func (a *Adapter) newID() uint64 {
	a.nextID++
	return a.nextID
}

// SupportsCompute reports the configured compute capability.
func (a *Adapter) SupportsCompute() bool { return a.opts.SupportsCompute }

// MaxBufferSize returns the configured buffer size limit.
func (a *Adapter) MaxBufferSize() uint64 { return a.opts.MaxBufferSize }

// CreateShaderModule stores the label; the bytecode is not interpreted.
func (a *Adapter) CreateShaderModule(spirv []uint32, label string) (gpucore.ShaderModuleID, error) {
	if len(spirv) == 0 {
		return gpucore.InvalidID, errors.New("memory: empty shader module")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	id := gpucore.ShaderModuleID(a.newID())
	a.shaders[id] = label
	return id, nil
}

// DestroyShaderModule releases a shader module.
func (a *Adapter) DestroyShaderModule(id gpucore.ShaderModuleID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.shaders, id)
}

// CreateBuffer allocates a byte slice.
func (a *Adapter) CreateBuffer(size int, usage gpucore.BufferUsage) (gpucore.BufferID, error) {
	if size < 0 || uint64(size) > a.opts.MaxBufferSize {
		return gpucore.InvalidID, fmt.Errorf("%w: %d bytes", ErrOutOfMemory, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	id := gpucore.BufferID(a.newID())
	a.buffers[id] = &bufferData{data: make([]byte, size), usage: usage}
	return id, nil
}

// DestroyBuffer releases a buffer.
func (a *Adapter) DestroyBuffer(id gpucore.BufferID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, id)
}

// WriteBuffer copies data into a buffer. Writes past the end are clipped.
func (a *Adapter) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[id]
	if !ok || offset >= uint64(len(b.data)) {
		return
	}
	copy(b.data[offset:], data)
}

// ReadBuffer returns a copy of a buffer range.
func (a *Adapter) ReadBuffer(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[id]
	if !ok {
		return nil, fmt.Errorf("memory: read of unknown buffer %d", id)
	}
	if offset+size > uint64(len(b.data)) {
		return nil, fmt.Errorf("memory: read of %d bytes at %d exceeds size %d",
			size, offset, len(b.data))
	}
	out := make([]byte, size)
	copy(out, b.data[offset:])
	return out, nil
}

// CreateBindGroupLayout records a bind group layout.
func (a *Adapter) CreateBindGroupLayout(desc *gpucore.BindGroupLayoutDesc) (gpucore.BindGroupLayoutID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := gpucore.BindGroupLayoutID(a.newID())
	a.groupLayouts[id] = desc
	return id, nil
}

// DestroyBindGroupLayout releases a bind group layout.
func (a *Adapter) DestroyBindGroupLayout(id gpucore.BindGroupLayoutID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.groupLayouts, id)
}

// CreatePipelineLayout records a pipeline layout.
func (a *Adapter) CreatePipelineLayout(layouts []gpucore.BindGroupLayoutID) (gpucore.PipelineLayoutID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := gpucore.PipelineLayoutID(a.newID())
	a.pipeLayouts[id] = layouts
	return id, nil
}

// DestroyPipelineLayout releases a pipeline layout.
func (a *Adapter) DestroyPipelineLayout(id gpucore.PipelineLayoutID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pipeLayouts, id)
}

// CreateComputePipeline records a compute pipeline.
func (a *Adapter) CreateComputePipeline(desc *gpucore.ComputePipelineDesc) (gpucore.ComputePipelineID, error) {
	if !a.opts.SupportsCompute {
		return gpucore.InvalidID, errors.New("memory: compute not supported")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.shaders[desc.ShaderModule]; !ok {
		return gpucore.InvalidID, fmt.Errorf("memory: pipeline %q references unknown shader module", desc.Label)
	}
	id := gpucore.ComputePipelineID(a.newID())
	a.pipelines[id] = desc
	return id, nil
}

// DestroyComputePipeline releases a compute pipeline.
func (a *Adapter) DestroyComputePipeline(id gpucore.ComputePipelineID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pipelines, id)
}

// CreateBindGroup records a bind group.
func (a *Adapter) CreateBindGroup(layout gpucore.BindGroupLayoutID, entries []gpucore.BindGroupEntry) (gpucore.BindGroupID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.groupLayouts[layout]; !ok {
		return gpucore.InvalidID, errors.New("memory: bind group references unknown layout")
	}
	id := gpucore.BindGroupID(a.newID())
	a.groups[id] = entries
	return id, nil
}

// DestroyBindGroup releases a bind group.
func (a *Adapter) DestroyBindGroup(id gpucore.BindGroupID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.groups, id)
}

// BeginComputePass returns a recording pass encoder.
func (a *Adapter) BeginComputePass() gpucore.ComputePassEncoder {
	return &passEncoder{adapter: a, groups: make(map[uint32]gpucore.BindGroupID)}
}

// Submit counts the submission. Recorded dispatches stay inspectable.
func (a *Adapter) Submit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submits++
}

// WaitIdle is a no-op.
func (a *Adapter) WaitIdle() {}

// Dispatches returns the dispatches recorded so far.
func (a *Adapter) Dispatches() []Dispatch {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Dispatch, len(a.dispatches))
	copy(out, a.dispatches)
	return out
}

// Submits returns the number of Submit calls.
func (a *Adapter) Submits() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submits
}

// BufferCount returns the number of live buffers, for leak checks in tests.
func (a *Adapter) BufferCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// passEncoder records compute commands into the adapter.
type passEncoder struct {
	adapter  *Adapter
	pipeline gpucore.ComputePipelineID
	groups   map[uint32]gpucore.BindGroupID
	ended    bool
}

func (p *passEncoder) SetPipeline(pipeline gpucore.ComputePipelineID) {
	p.pipeline = pipeline
}

func (p *passEncoder) SetBindGroup(index uint32, group gpucore.BindGroupID) {
	p.groups[index] = group
}

func (p *passEncoder) Dispatch(x, y, z uint32) {
	if p.ended {
		return
	}
	groups := make(map[uint32]gpucore.BindGroupID, len(p.groups))
	for k, v := range p.groups {
		groups[k] = v
	}
	p.adapter.mu.Lock()
	p.adapter.dispatches = append(p.adapter.dispatches, Dispatch{
		Pipeline:   p.pipeline,
		BindGroups: groups,
		X:          x, Y: y, Z: z,
	})
	p.adapter.mu.Unlock()
}

func (p *passEncoder) End() { p.ended = true }
