// Package metalangle translates a GL-style vertex-array object model onto a
// WebGPU-style native vertex pipeline.
//
// # Overview
//
// High-level graphics APIs let applications bind vertex attributes with
// arbitrary formats, strides and offsets, and supply vertex or index data
// straight from client memory. Native GPU APIs accept only a constrained set
// of vertex formats and require all data to live in explicit, pre-populated
// GPU buffers. This library bridges the two models: it detects format and
// layout incompatibilities attribute by attribute, converts data on the CPU
// or the GPU depending on a tunable cost heuristic, streams client-side
// arrays into frame-scoped pool memory, and assembles the packed vertex
// descriptor a draw call needs, recomputing it only when state actually
// changed.
//
// # Architecture
//
// The library is organized into:
//   - gpucore: backend-neutral GPU adapter interface over opaque resource IDs
//   - backend/native: adapter implementation on gogpu/wgpu (Pure Go WebGPU)
//   - backend/memory: in-process adapter for CPU fallback and tests
//   - format: capability table mapping logical vertex/index formats to
//     native gputypes formats plus a conversion classification
//   - buffer: GPU buffer objects with revision counters for cache
//     invalidation
//   - stream: frame-scoped streaming pools for transient vertex/index data
//   - vertexarray: the translation core (binding table, conversion caches,
//     index resolver, descriptor builder)
//
// # Usage
//
//	adapter := native.NewHALAdapter(device, queue, nil)
//	va, err := vertexarray.New(adapter, vertexarray.Config{})
//	...
//	// per state change
//	va.SyncState(state, dirtyAttribs, dirtyBindings)
//	// per draw
//	va.UpdateClientAttribs(first, count, instances, indexType, indices)
//	desc, err := va.SetupDraw(encoder, &rebuild)
//
// All operations on a VertexArray must be externally serialized with the
// other state-mutating calls of the owning graphics context; the library
// takes no internal locks on the per-context path.
package metalangle

// Version information
const (
	// Version is the current version of the library
	Version = "0.2.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 2

	// VersionPatch is the patch version
	VersionPatch = 0
)
