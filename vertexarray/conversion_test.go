package vertexarray

import (
	"math"
	"testing"

	"github.com/gogpu/metalangle/backend/memory"
	"github.com/gogpu/metalangle/buffer"
	"github.com/gogpu/metalangle/format"
	"github.com/gogpu/metalangle/gpucore"
)

func shortBytes(vals ...int16) []byte {
	out := make([]byte, 0, len(vals)*2)
	for _, v := range vals {
		out = append(out, byte(v), byte(uint16(v)>>8))
	}
	return out
}

func syncShortAttrib(t *testing.T, va *VertexArray, state *State) {
	t.Helper()
	if err := va.SyncState(state, MakeBits(0), 0); err != nil {
		t.Fatalf("SyncState: %v", err)
	}
}

func TestConversionCacheReuse(t *testing.T) {
	va, a := newTestVA(t)

	// Normalized short x3 has no native layout and converts to float.
	src := newTestBuffer(t, a, shortBytes(0, 16384, -16384, 32767, 0, 0))
	state := &State{}
	state.Attributes[0] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Short, Components: 3, Normalized: true},
		Binding: 0,
	}
	state.Bindings[0] = Binding{Buffer: src, Stride: 6}

	syncShortAttrib(t, va, state)
	first := va.convCache[0].alloc

	// Unchanged source: the second sync must short-circuit to the same
	// pool region.
	syncShortAttrib(t, va, state)
	second := va.convCache[0].alloc
	if first.Buffer != second.Buffer || first.Offset != second.Offset {
		t.Errorf("unchanged source reconverted: %+v then %+v", first, second)
	}

	// A source write invalidates lazily; the next sync reallocates.
	if err := src.Write(0, shortBytes(1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	syncShortAttrib(t, va, state)
	third := va.convCache[0].alloc
	if third.Buffer == first.Buffer && third.Offset == first.Offset {
		t.Error("rewritten source did not get a new pool region")
	}
}

func TestConversionValues(t *testing.T) {
	va, a := newTestVA(t)

	src := newTestBuffer(t, a, shortBytes(0, 32767, -32768))
	state := &State{}
	state.Attributes[0] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Short, Components: 3, Normalized: true},
		Binding: 0,
	}
	state.Bindings[0] = Binding{Buffer: src, Stride: 6}
	syncShortAttrib(t, va, state)

	enc := newRecordEncoder()
	rebuild := false
	desc, err := va.SetupDraw(enc, &rebuild)
	if err != nil {
		t.Fatalf("SetupDraw: %v", err)
	}
	if desc.Layouts[0].ArrayStride != 12 {
		t.Errorf("converted stride = %d, want 12", desc.Layouts[0].ArrayStride)
	}

	b := enc.binds[0]
	raw, err := a.ReadBuffer(b.buf, b.offset, 12)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	want := []float32{0, 1, -1}
	for i, w := range want {
		bits := uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 |
			uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
		if got := math.Float32frombits(bits); got != w {
			t.Errorf("component %d = %v, want %v", i, got, w)
		}
	}
}

func TestMisalignedLayoutConverts(t *testing.T) {
	va, a := newTestVA(t)

	// Float32x2 is natively supported, but offset 2 is not 4-byte aligned,
	// so the attribute must go through conversion.
	data := make([]byte, 2+16)
	copy(data[2:], floatBytes(5, 6, 7, 8))
	src := newTestBuffer(t, a, data)

	state := &State{}
	state.Attributes[0] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Float, Components: 2},
		Binding: 0,
	}
	state.Bindings[0] = Binding{Buffer: src, Offset: 2, Stride: 8}
	syncShortAttrib(t, va, state)

	if va.slots[0].kind != sourceConverted {
		t.Fatalf("slot kind = %d, want converted", va.slots[0].kind)
	}

	enc := newRecordEncoder()
	rebuild := false
	if _, err := va.SetupDraw(enc, &rebuild); err != nil {
		t.Fatalf("SetupDraw: %v", err)
	}
	b := enc.binds[0]
	got, err := a.ReadBuffer(b.buf, b.offset, 16)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	wantBytes := floatBytes(5, 6, 7, 8)
	for i := range wantBytes {
		if got[i] != wantBytes[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], wantBytes[i])
		}
	}
}

func TestExpandComponentsConverts(t *testing.T) {
	va, a := newTestVA(t)

	// Plain byte x3 expands to x4 on the CPU path.
	src := newTestBuffer(t, a, []byte{1, 2, 3, 4, 5, 6, 0, 0})
	state := &State{}
	state.Attributes[0] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Byte, Components: 3},
		Binding: 0,
	}
	state.Bindings[0] = Binding{Buffer: src, Stride: 3}
	syncShortAttrib(t, va, state)

	enc := newRecordEncoder()
	rebuild := false
	if _, err := va.SetupDraw(enc, &rebuild); err != nil {
		t.Fatalf("SetupDraw: %v", err)
	}
	b := enc.binds[0]
	got, err := a.ReadBuffer(b.buf, b.offset, 8)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	want := []byte{1, 2, 3, 1, 4, 5, 6, 1} // w pads with 1
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestGPUConversionHeuristic(t *testing.T) {
	a := memory.New(memory.Options{SupportsCompute: true})
	va, err := New(a, Config{GPUConversionMinBytes: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer va.Destroy()

	// The predicate itself is independent of whether the shader compiled.
	if va.conv == nil {
		va.conv = &gpuConverter{}
	}

	src, err := buffer.New(a, 4096, gpucore.BufferUsageVertex)
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	defer src.Destroy()

	pure := format.Resolve(format.Logical{Type: format.Short, Components: 3, Normalized: true})
	expand := format.Resolve(format.Logical{Type: format.Byte, Components: 3})

	if !va.useGPUConversion(src, 4096, pure) {
		t.Error("large GPU-resident pure transform should use the GPU")
	}
	if va.useGPUConversion(src, 512, pure) {
		t.Error("payload below the threshold should stay on the CPU")
	}
	if va.useGPUConversion(src, 4096, expand) {
		t.Error("component expansion must never use the GPU")
	}

	cpuOnly := memory.New(memory.Options{})
	smallSrc, err := buffer.New(cpuOnly, 4096, gpucore.BufferUsageVertex)
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	defer smallSrc.Destroy()
	if va.useGPUConversion(smallSrc, 4096, pure) {
		t.Error("non-GPU-readable source should stay on the CPU")
	}
}

func TestPoolRotationReconverts(t *testing.T) {
	va, a := newTestVA(t)

	src := newTestBuffer(t, a, shortBytes(0, 32767, -32768))
	state := &State{}
	state.Attributes[0] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Short, Components: 3, Normalized: true},
		Binding: 0,
	}
	state.Bindings[0] = Binding{Buffer: src, Stride: 6}
	syncShortAttrib(t, va, state)

	rebuild := false
	if _, err := va.SetupDraw(newRecordEncoder(), &rebuild); err != nil {
		t.Fatalf("SetupDraw: %v", err)
	}

	// Frame boundary invalidates pool-backed conversions. Even with no
	// state change since the last draw, the next SetupDraw must notice and
	// reconvert rather than keep a binding into the sealed frame.
	va.AdvanceFrame()

	rebuild = false
	enc := newRecordEncoder()
	desc, err := va.SetupDraw(enc, &rebuild)
	if err != nil {
		t.Fatalf("SetupDraw after AdvanceFrame: %v", err)
	}
	if !rebuild || desc == nil {
		t.Fatal("steady-state draw after frame boundary did not rebuild")
	}
	if va.convCache[0].generation != va.vertexPool.Generation() {
		t.Error("cache entry not refreshed after pool rotation")
	}
	if enc.binds[0].buf == gpucore.InvalidID {
		t.Fatal("converted slot lost its backing buffer")
	}

	// Retire the sealed frame and scribble over freshly allocated pool
	// memory; the live binding must keep its converted values.
	va.SubmissionRetired()
	junk, err := va.vertexPool.Allocate(12, 4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	va.vertexPool.Write(junk, []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9})

	b := enc.binds[0]
	raw, err := a.ReadBuffer(b.buf, b.offset, 12)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	want := []float32{0, 1, -1}
	for i, w := range want {
		bits := uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 |
			uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
		if got := math.Float32frombits(bits); got != w {
			t.Errorf("component %d = %v, want %v", i, got, w)
		}
	}
}
