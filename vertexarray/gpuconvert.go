package vertexarray

import (
	_ "embed"
	"fmt"

	"github.com/gogpu/naga"

	"github.com/gogpu/metalangle/cache"
	"github.com/gogpu/metalangle/format"
	"github.com/gogpu/metalangle/gpucore"
	"github.com/gogpu/metalangle/stream"
)

//go:embed shaders/convert.wgsl
var convertWGSL string

const (
	convertWorkgroupSize = 64
	convertParamsSize    = 32 // 8 uint32 fields
)

// gpuConverter runs vertex and index conversion as compute passes. One
// instance per VertexArray; pipelines are built lazily per entry point and
// cached.
type gpuConverter struct {
	adapter gpucore.Adapter

	module     gpucore.ShaderModuleID
	bindLayout gpucore.BindGroupLayoutID
	pipeLayout gpucore.PipelineLayoutID

	pipelines *cache.Cache[string, gpucore.ComputePipelineID]

	// Param buffers and bind groups referenced by in-flight submissions.
	// Freed once the owner reports retirement.
	spentBuffers []gpucore.BufferID
	spentGroups  []gpucore.BindGroupID
}

// convertParams mirrors the WGSL Params uniform.
type convertParams struct {
	srcOffset  uint32
	srcStride  uint32
	dstOffset  uint32
	dstStride  uint32
	components uint32
	count      uint32
	compType   uint32
	normalized uint32
}

func (p convertParams) encode() []byte {
	fields := [8]uint32{
		p.srcOffset, p.srcStride, p.dstOffset, p.dstStride,
		p.components, p.count, p.compType, p.normalized,
	}
	out := make([]byte, 0, convertParamsSize)
	for _, f := range fields {
		out = append(out, byte(f), byte(f>>8), byte(f>>16), byte(f>>24))
	}
	return out
}

func newGPUConverter(adapter gpucore.Adapter) (*gpuConverter, error) {
	spirvBytes, err := naga.Compile(convertWGSL)
	if err != nil {
		return nil, fmt.Errorf("vertexarray: compile conversion shader: %w", err)
	}
	// SPIR-V is little-endian 32-bit words.
	spirv := make([]uint32, len(spirvBytes)/4)
	for i := range spirv {
		spirv[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}

	module, err := adapter.CreateShaderModule(spirv, "vertex-convert")
	if err != nil {
		return nil, fmt.Errorf("vertexarray: conversion shader module: %w", err)
	}

	bindLayout, err := adapter.CreateBindGroupLayout(&gpucore.BindGroupLayoutDesc{
		Label: "convert-bindings",
		Entries: []gpucore.BindGroupLayoutEntry{
			{Binding: 0, Type: gpucore.BindingTypeUniformBuffer, MinBindingSize: convertParamsSize},
			{Binding: 1, Type: gpucore.BindingTypeReadOnlyStorageBuffer},
			{Binding: 2, Type: gpucore.BindingTypeStorageBuffer},
		},
	})
	if err != nil {
		adapter.DestroyShaderModule(module)
		return nil, fmt.Errorf("vertexarray: conversion bind group layout: %w", err)
	}

	pipeLayout, err := adapter.CreatePipelineLayout([]gpucore.BindGroupLayoutID{bindLayout})
	if err != nil {
		adapter.DestroyBindGroupLayout(bindLayout)
		adapter.DestroyShaderModule(module)
		return nil, fmt.Errorf("vertexarray: conversion pipeline layout: %w", err)
	}

	g := &gpuConverter{
		adapter:    adapter,
		module:     module,
		bindLayout: bindLayout,
		pipeLayout: pipeLayout,
	}
	g.pipelines = cache.New[string, gpucore.ComputePipelineID](4, func(_ string, id gpucore.ComputePipelineID) {
		adapter.DestroyComputePipeline(id)
	})
	return g, nil
}

func (g *gpuConverter) pipeline(entryPoint string) (gpucore.ComputePipelineID, error) {
	if id, ok := g.pipelines.Get(entryPoint); ok {
		return id, nil
	}
	id, err := g.adapter.CreateComputePipeline(&gpucore.ComputePipelineDesc{
		Label:        "convert-" + entryPoint,
		Layout:       g.pipeLayout,
		ShaderModule: g.module,
		EntryPoint:   entryPoint,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("vertexarray: pipeline %s: %w", entryPoint, err)
	}
	g.pipelines.Put(entryPoint, id)
	return id, nil
}

// compTypeCode maps a logical format to the kernel's component type code.
// The second result is false when the kernel cannot express the transform.
func compTypeCode(l format.Logical) (code, normalized uint32, ok bool) {
	norm := uint32(0)
	if l.Normalized {
		norm = 1
	}
	switch l.Type {
	case format.Byte:
		return 0, norm, true
	case format.UnsignedByte:
		return 1, norm, true
	case format.Short:
		return 2, norm, true
	case format.UnsignedShort:
		return 3, norm, true
	case format.Int:
		return 4, norm, true
	case format.UnsignedInt:
		return 5, norm, true
	case format.Fixed:
		return 6, 0, true
	case format.HalfFloat:
		return 7, 0, true
	default:
		return 0, 0, false
	}
}

// dispatch records one conversion pass with the given params.
func (g *gpuConverter) dispatch(entryPoint string, params convertParams, src gpucore.BufferID, dst gpucore.BufferID, invocations int) error {
	pipe, err := g.pipeline(entryPoint)
	if err != nil {
		return err
	}

	paramBuf, err := g.adapter.CreateBuffer(convertParamsSize,
		gpucore.BufferUsageUniform|gpucore.BufferUsageCopyDst)
	if err != nil {
		return fmt.Errorf("vertexarray: conversion params: %w", err)
	}
	g.adapter.WriteBuffer(paramBuf, 0, params.encode())

	group, err := g.adapter.CreateBindGroup(g.bindLayout, []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: paramBuf, Offset: 0, Size: convertParamsSize},
		{Binding: 1, Buffer: src},
		{Binding: 2, Buffer: dst},
	})
	if err != nil {
		g.adapter.DestroyBuffer(paramBuf)
		return fmt.Errorf("vertexarray: conversion bind group: %w", err)
	}

	pass := g.adapter.BeginComputePass()
	pass.SetPipeline(pipe)
	pass.SetBindGroup(0, group)
	groups := (invocations + convertWorkgroupSize - 1) / convertWorkgroupSize
	pass.Dispatch(uint32(groups), 1, 1)
	pass.End()

	g.spentBuffers = append(g.spentBuffers, paramBuf)
	g.spentGroups = append(g.spentGroups, group)
	return nil
}

// convertVertex widens count source elements into the pool allocation as
// packed 32-bit floats. Destination offsets and strides are whole words;
// the pool's 4-byte alignment guarantees that.
func (g *gpuConverter) convertVertex(src gpucore.BufferID, srcOffset, srcStride uint32, entry *format.Entry, alloc stream.Allocation, count int) error {
	code, norm, ok := compTypeCode(entry.Logical)
	if !ok {
		return fmt.Errorf("vertexarray: format %v has no gpu conversion", entry.Logical)
	}
	return g.dispatch("convert_vertex", convertParams{
		srcOffset:  srcOffset,
		srcStride:  srcStride,
		dstOffset:  uint32(alloc.Offset),
		dstStride:  entry.Size,
		components: uint32(entry.Logical.Components),
		count:      uint32(count),
		compType:   code,
		normalized: norm,
	}, src, alloc.Buffer, count)
}

// convertIndices promotes or realigns count indices into the allocation.
func (g *gpuConverter) convertIndices(src gpucore.BufferID, srcOffset uint32, entry format.IndexEntry, alloc stream.Allocation, count int) error {
	outBytes := count * int(entry.EffectiveSize)
	words := (outBytes + 3) / 4
	return g.dispatch("convert_index", convertParams{
		srcOffset: srcOffset,
		srcStride: entry.Type.Size(),
		dstOffset: uint32(alloc.Offset),
		dstStride: entry.EffectiveSize,
		count:     uint32(count),
	}, src, alloc.Buffer, words)
}

// releaseSpent frees transient resources once the owner reports the
// consuming submission retired.
func (g *gpuConverter) releaseSpent() {
	for _, id := range g.spentGroups {
		g.adapter.DestroyBindGroup(id)
	}
	for _, id := range g.spentBuffers {
		g.adapter.DestroyBuffer(id)
	}
	g.spentGroups = g.spentGroups[:0]
	g.spentBuffers = g.spentBuffers[:0]
}

// destroy releases every GPU object the converter owns.
func (g *gpuConverter) destroy() {
	g.releaseSpent()
	g.pipelines.Clear()
	g.adapter.DestroyPipelineLayout(g.pipeLayout)
	g.adapter.DestroyBindGroupLayout(g.bindLayout)
	g.adapter.DestroyShaderModule(g.module)
}
