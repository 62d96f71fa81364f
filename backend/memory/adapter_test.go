package memory

import (
	"errors"
	"testing"

	"github.com/gogpu/metalangle/gpucore"
)

func TestBufferRoundTrip(t *testing.T) {
	a := New(Options{})
	id, err := a.CreateBuffer(16, gpucore.BufferUsageVertex|gpucore.BufferUsageCopyDst)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	a.WriteBuffer(id, 4, []byte{1, 2, 3, 4})

	got, err := a.ReadBuffer(id, 4, 4)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	for i, want := range []byte{1, 2, 3, 4} {
		if got[i] != want {
			t.Errorf("byte %d = %d, want %d", i, got[i], want)
		}
	}

	a.DestroyBuffer(id)
	if n := a.BufferCount(); n != 0 {
		t.Errorf("BufferCount = %d after destroy, want 0", n)
	}
}

func TestBufferSizeLimit(t *testing.T) {
	a := New(Options{MaxBufferSize: 64})
	if _, err := a.CreateBuffer(65, gpucore.BufferUsageVertex); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("expected ErrOutOfMemory, got %v", err)
	}
	if _, err := a.CreateBuffer(64, gpucore.BufferUsageVertex); err != nil {
		t.Errorf("allocation at the limit should succeed, got %v", err)
	}
}

func TestReadBufferBounds(t *testing.T) {
	a := New(Options{})
	id, _ := a.CreateBuffer(8, gpucore.BufferUsageVertex)
	if _, err := a.ReadBuffer(id, 4, 8); err == nil {
		t.Error("out-of-range read should fail")
	}
	if _, err := a.ReadBuffer(gpucore.BufferID(999), 0, 1); err == nil {
		t.Error("read of unknown buffer should fail")
	}
}

func TestComputeGatedOnOptions(t *testing.T) {
	a := New(Options{})
	if a.SupportsCompute() {
		t.Error("compute should be off by default")
	}
	sm, err := a.CreateShaderModule([]uint32{0x07230203}, "convert")
	if err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}
	if _, err := a.CreateComputePipeline(&gpucore.ComputePipelineDesc{ShaderModule: sm}); err == nil {
		t.Error("pipeline creation should fail without compute support")
	}
}

func TestDispatchRecording(t *testing.T) {
	a := New(Options{SupportsCompute: true})

	sm, err := a.CreateShaderModule([]uint32{0x07230203}, "convert")
	if err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}
	bgl, err := a.CreateBindGroupLayout(&gpucore.BindGroupLayoutDesc{
		Entries: []gpucore.BindGroupLayoutEntry{
			{Binding: 0, Type: gpucore.BindingTypeReadOnlyStorageBuffer},
			{Binding: 1, Type: gpucore.BindingTypeStorageBuffer},
		},
	})
	if err != nil {
		t.Fatalf("CreateBindGroupLayout: %v", err)
	}
	pl, err := a.CreatePipelineLayout([]gpucore.BindGroupLayoutID{bgl})
	if err != nil {
		t.Fatalf("CreatePipelineLayout: %v", err)
	}
	pipe, err := a.CreateComputePipeline(&gpucore.ComputePipelineDesc{
		Label:        "convert",
		Layout:       pl,
		ShaderModule: sm,
		EntryPoint:   "main",
	})
	if err != nil {
		t.Fatalf("CreateComputePipeline: %v", err)
	}

	src, _ := a.CreateBuffer(64, gpucore.BufferUsageStorage)
	dst, _ := a.CreateBuffer(64, gpucore.BufferUsageStorage)
	bg, err := a.CreateBindGroup(bgl, []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: src},
		{Binding: 1, Buffer: dst},
	})
	if err != nil {
		t.Fatalf("CreateBindGroup: %v", err)
	}

	pass := a.BeginComputePass()
	pass.SetPipeline(pipe)
	pass.SetBindGroup(0, bg)
	pass.Dispatch(4, 1, 1)
	pass.End()
	a.Submit()

	ds := a.Dispatches()
	if len(ds) != 1 {
		t.Fatalf("recorded %d dispatches, want 1", len(ds))
	}
	d := ds[0]
	if d.Pipeline != pipe || d.X != 4 || d.Y != 1 || d.Z != 1 {
		t.Errorf("dispatch = %+v", d)
	}
	if d.BindGroups[0] != bg {
		t.Errorf("bind group 0 = %d, want %d", d.BindGroups[0], bg)
	}
	if a.Submits() != 1 {
		t.Errorf("Submits = %d, want 1", a.Submits())
	}
}

func TestDispatchAfterEndIgnored(t *testing.T) {
	a := New(Options{SupportsCompute: true})
	pass := a.BeginComputePass()
	pass.End()
	pass.Dispatch(1, 1, 1)
	if len(a.Dispatches()) != 0 {
		t.Error("dispatch after End should be ignored")
	}
}
