package vertexarray

import (
	"errors"
	"math"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/metalangle/backend/memory"
	"github.com/gogpu/metalangle/buffer"
	"github.com/gogpu/metalangle/format"
	"github.com/gogpu/metalangle/gpucore"
)

// recordEncoder captures vertex buffer bindings for assertions.
type recordEncoder struct {
	binds map[uint32]bufferBind
}

type bufferBind struct {
	buf    gpucore.BufferID
	offset uint64
}

func newRecordEncoder() *recordEncoder {
	return &recordEncoder{binds: make(map[uint32]bufferBind)}
}

func (r *recordEncoder) SetVertexBuffer(slot uint32, buf gpucore.BufferID, offset uint64) {
	r.binds[slot] = bufferBind{buf: buf, offset: offset}
}

func newTestVA(t *testing.T) (*VertexArray, *memory.Adapter) {
	t.Helper()
	a := memory.New(memory.Options{})
	va, err := New(a, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(va.Destroy)
	return va, a
}

func newTestBuffer(t *testing.T, a *memory.Adapter, data []byte) *buffer.Buffer {
	t.Helper()
	b, err := buffer.New(a, len(data), gpucore.BufferUsageVertex)
	if err != nil {
		t.Fatalf("buffer.New: %v", err)
	}
	if err := b.Write(0, data); err != nil {
		t.Fatalf("buffer.Write: %v", err)
	}
	t.Cleanup(b.Destroy)
	return b
}

func floatBytes(vals ...float32) []byte {
	out := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		bits := math.Float32bits(v)
		out = append(out, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	}
	return out
}

// Scenario from the draw path: attribute 0 on a GPU buffer in a supported
// format at offset 16, stride 32; the first SetupDraw reports a change with
// the slot resolved verbatim, the second reports none.
func TestSetupDrawScenario(t *testing.T) {
	va, a := newTestVA(t)

	buf := newTestBuffer(t, a, make([]byte, 128))
	state := &State{}
	state.Attributes[0] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Float, Components: 2},
		Binding: 0,
	}
	state.Bindings[0] = Binding{Buffer: buf, Offset: 16, Stride: 32}

	if err := va.SyncState(state, MakeBits(0), 0); err != nil {
		t.Fatalf("SyncState: %v", err)
	}

	enc := newRecordEncoder()
	rebuild := false
	desc, err := va.SetupDraw(enc, &rebuild)
	if err != nil {
		t.Fatalf("SetupDraw: %v", err)
	}
	if !rebuild {
		t.Fatal("first SetupDraw should report a descriptor change")
	}
	if desc == nil {
		t.Fatal("first SetupDraw should return a descriptor")
	}

	l := desc.Layouts[0]
	if l.ArrayStride != 32 {
		t.Errorf("slot 0 ArrayStride = %d, want 32", l.ArrayStride)
	}
	if l.Attributes[0].Format != gputypes.VertexFormatFloat32x2 {
		t.Errorf("slot 0 format = %v", l.Attributes[0].Format)
	}
	if os := desc.OffsetsAndStrides[0]; os.Offset != 16 || os.Stride != 32 {
		t.Errorf("slot 0 offset/stride = %+v, want (16, 32)", os)
	}
	if b := enc.binds[0]; b.buf != buf.ID() || b.offset != 16 {
		t.Errorf("slot 0 bound %+v, want buffer %d at 16", b, buf.ID())
	}

	// Idempotence: no state change, no forced rebuild.
	rebuild = false
	desc, err = va.SetupDraw(newRecordEncoder(), &rebuild)
	if err != nil {
		t.Fatalf("second SetupDraw: %v", err)
	}
	if rebuild {
		t.Error("second SetupDraw should report no change")
	}
	if desc != nil {
		t.Error("second SetupDraw should not return a descriptor")
	}
}

func TestDirtyPropagation(t *testing.T) {
	va, a := newTestVA(t)
	buf := newTestBuffer(t, a, make([]byte, 64))

	state := &State{}
	state.Attributes[1] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Float, Components: 4},
		Binding: 1,
	}
	state.Bindings[1] = Binding{Buffer: buf, Stride: 16}

	if err := va.SyncState(state, MakeBits(1), 0); err != nil {
		t.Fatalf("SyncState: %v", err)
	}

	// Exactly one descriptor change per state change.
	for round := 0; round < 3; round++ {
		rebuild := false
		if _, err := va.SetupDraw(newRecordEncoder(), &rebuild); err != nil {
			t.Fatalf("SetupDraw: %v", err)
		}
		if round == 0 && !rebuild {
			t.Fatal("first SetupDraw after SyncState should rebuild")
		}
		if round > 0 && rebuild {
			t.Fatalf("SetupDraw round %d rebuilt without a state change", round)
		}
	}

	// A binding change re-dirties.
	state.Bindings[1].Offset = 32
	if err := va.SyncState(state, 0, MakeBits(1)); err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	rebuild := false
	if _, err := va.SetupDraw(newRecordEncoder(), &rebuild); err != nil {
		t.Fatalf("SetupDraw: %v", err)
	}
	if !rebuild {
		t.Error("SetupDraw after binding change should rebuild")
	}
}

func TestForceRebuild(t *testing.T) {
	va, _ := newTestVA(t)

	rebuild := false
	if _, err := va.SetupDraw(newRecordEncoder(), &rebuild); err != nil {
		t.Fatalf("SetupDraw: %v", err)
	}
	if !rebuild {
		t.Fatal("construction state must be dirty")
	}

	// Caller-forced rebuild wins even when clean.
	rebuild = true
	desc, err := va.SetupDraw(newRecordEncoder(), &rebuild)
	if err != nil {
		t.Fatalf("SetupDraw: %v", err)
	}
	if !rebuild || desc == nil {
		t.Error("forced SetupDraw should rebuild and return a descriptor")
	}
}

func TestDefaultAttributeInvariant(t *testing.T) {
	va, _ := newTestVA(t)

	state := &State{}
	state.Attributes[3] = Attribute{Enabled: false, Default: DefaultInt}
	state.Attributes[4] = Attribute{Enabled: false, Default: DefaultUint}

	if err := va.SyncState(state, MakeBits(3, 4), 0); err != nil {
		t.Fatalf("SyncState: %v", err)
	}

	enc := newRecordEncoder()
	rebuild := false
	desc, err := va.SetupDraw(enc, &rebuild)
	if err != nil {
		t.Fatalf("SetupDraw: %v", err)
	}

	wantFormats := map[int]gputypes.VertexFormat{
		0: gputypes.VertexFormatFloat32x4, // never synced, float default
		3: gputypes.VertexFormatSint32x4,
		4: gputypes.VertexFormatUint32x4,
	}
	for i, want := range wantFormats {
		if os := desc.OffsetsAndStrides[i]; os.Offset != 0 || os.Stride != 0 {
			t.Errorf("disabled slot %d offset/stride = %+v, want (0, 0)", i, os)
		}
		if got := desc.Layouts[i].Attributes[0].Format; got != want {
			t.Errorf("disabled slot %d format = %v, want %v", i, got, want)
		}
		if enc.binds[uint32(i)].buf == gpucore.InvalidID {
			t.Errorf("disabled slot %d has no backing buffer", i)
		}
	}
}

func TestUpdateClientAttribsStreams(t *testing.T) {
	va, a := newTestVA(t)

	src := floatBytes(1, 2, 3, 4, 5, 6)
	state := &State{}
	state.Attributes[0] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Float, Components: 2},
		Binding: 0,
	}
	state.Bindings[0] = Binding{Client: src, Stride: 8}

	if err := va.SyncState(state, MakeBits(0), 0); err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	if va.HasBuffer(0) {
		t.Error("client-backed attribute should report HasBuffer false")
	}

	if err := va.UpdateClientAttribs(0, 3, 1, 0, nil); err != nil {
		t.Fatalf("UpdateClientAttribs: %v", err)
	}

	enc := newRecordEncoder()
	rebuild := false
	if _, err := va.SetupDraw(enc, &rebuild); err != nil {
		t.Fatalf("SetupDraw: %v", err)
	}
	if !rebuild {
		t.Fatal("streaming should dirty the descriptor")
	}

	b := enc.binds[0]
	got, err := a.ReadBuffer(b.buf, b.offset, uint64(len(src)))
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	for i := range src {
		if got[i] != src[i] {
			t.Fatalf("streamed byte %d = %#x, want %#x", i, got[i], src[i])
		}
	}
}

func TestSetupDrawRequiresStreaming(t *testing.T) {
	va, _ := newTestVA(t)

	state := &State{}
	state.Attributes[0] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Float, Components: 3},
		Binding: 0,
	}
	state.Bindings[0] = Binding{Client: floatBytes(1, 2, 3)}

	if err := va.SyncState(state, MakeBits(0), 0); err != nil {
		t.Fatalf("SyncState: %v", err)
	}

	rebuild := false
	if _, err := va.SetupDraw(newRecordEncoder(), &rebuild); !errors.Is(err, ErrClientNotStreamed) {
		t.Errorf("expected ErrClientNotStreamed, got %v", err)
	}
}

func TestUpdateClientAttribsShortArray(t *testing.T) {
	va, _ := newTestVA(t)

	state := &State{}
	state.Attributes[0] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Float, Components: 4},
		Binding: 0,
	}
	state.Bindings[0] = Binding{Client: floatBytes(1, 2, 3, 4)} // one vertex

	if err := va.SyncState(state, MakeBits(0), 0); err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	err := va.UpdateClientAttribs(0, 2, 1, 0, nil)
	if !errors.Is(err, ErrClientDataExhausted) {
		t.Errorf("expected ErrClientDataExhausted, got %v", err)
	}
}

func TestUpdateClientAttribsInstanced(t *testing.T) {
	va, a := newTestVA(t)

	// 3 per-instance elements; divisor 2 over 5 instances needs
	// ceil(5/2) = 3 of them.
	src := floatBytes(10, 20, 30)
	state := &State{}
	state.Attributes[2] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Float, Components: 1},
		Binding: 2,
	}
	state.Bindings[2] = Binding{Client: src, Stride: 4, Divisor: 2}

	if err := va.SyncState(state, MakeBits(2), 0); err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	if err := va.UpdateClientAttribs(0, 100, 5, 0, nil); err != nil {
		t.Fatalf("UpdateClientAttribs: %v", err)
	}

	enc := newRecordEncoder()
	rebuild := false
	desc, err := va.SetupDraw(enc, &rebuild)
	if err != nil {
		t.Fatalf("SetupDraw: %v", err)
	}
	if desc.Layouts[2].StepMode != gputypes.VertexStepModeInstance {
		t.Errorf("StepMode = %v, want instance", desc.Layouts[2].StepMode)
	}

	b := enc.binds[2]
	got, err := a.ReadBuffer(b.buf, b.offset, 12)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	for i := range src {
		if got[i] != src[i] {
			t.Fatalf("instanced byte %d = %#x, want %#x", i, got[i], src[i])
		}
	}
}

// A zero-instance draw streams nothing for an instanced client attribute
// but must still leave the slot drawable.
func TestUpdateClientAttribsZeroInstances(t *testing.T) {
	va, _ := newTestVA(t)

	state := &State{}
	state.Attributes[0] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Float, Components: 1},
		Binding: 0,
	}
	state.Bindings[0] = Binding{Client: floatBytes(10, 20), Stride: 4, Divisor: 2}

	if err := va.SyncState(state, MakeBits(0), 0); err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	if err := va.UpdateClientAttribs(0, 3, 0, 0, nil); err != nil {
		t.Fatalf("UpdateClientAttribs: %v", err)
	}

	enc := newRecordEncoder()
	rebuild := false
	if _, err := va.SetupDraw(enc, &rebuild); err != nil {
		t.Fatalf("SetupDraw: %v", err)
	}
	if enc.binds[0].buf == gpucore.InvalidID {
		t.Error("zero-instance slot left unbound")
	}
}

func TestHasBuffer(t *testing.T) {
	va, a := newTestVA(t)
	if va.HasBuffer(0) {
		t.Error("HasBuffer before SyncState should be false")
	}

	buf := newTestBuffer(t, a, make([]byte, 32))
	state := &State{}
	state.Attributes[0] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Float, Components: 1},
		Binding: 0,
	}
	state.Bindings[0] = Binding{Buffer: buf, Stride: 4}
	state.Attributes[1] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Float, Components: 1},
		Binding: 1,
	}
	state.Bindings[1] = Binding{Client: floatBytes(1)}

	if err := va.SyncState(state, MakeBits(0, 1, 2), 0); err != nil {
		t.Fatalf("SyncState: %v", err)
	}

	if !va.HasBuffer(0) {
		t.Error("buffer-backed attribute should report true")
	}
	if va.HasBuffer(1) {
		t.Error("client-backed attribute should report false")
	}
	if !va.HasBuffer(2) {
		t.Error("disabled attribute needs no streaming, should report true")
	}
}

func TestReset(t *testing.T) {
	va, a := newTestVA(t)
	buf := newTestBuffer(t, a, make([]byte, 64))

	state := &State{}
	state.Attributes[0] = Attribute{
		Enabled: true,
		Format:  format.Logical{Type: format.Float, Components: 2},
		Binding: 0,
	}
	state.Bindings[0] = Binding{Buffer: buf, Stride: 8}
	if err := va.SyncState(state, MakeBits(0), 0); err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	rebuild := false
	if _, err := va.SetupDraw(newRecordEncoder(), &rebuild); err != nil {
		t.Fatalf("SetupDraw: %v", err)
	}

	va.Reset()

	rebuild = false
	desc, err := va.SetupDraw(newRecordEncoder(), &rebuild)
	if err != nil {
		t.Fatalf("SetupDraw after Reset: %v", err)
	}
	if !rebuild {
		t.Error("Reset should leave the descriptor dirty")
	}
	if got := desc.Layouts[0].Attributes[0].Format; got != gputypes.VertexFormatFloat32x4 {
		t.Errorf("slot 0 after Reset = %v, want float default", got)
	}
}
