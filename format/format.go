// Package format maps logical vertex and index formats, as produced by a
// GL-style API, onto the constrained native format set of a WebGPU-style
// vertex pipeline.
//
// The capability table is built once at init from the full enumeration of
// logical formats. Resolution is a pure lookup: every format the upstream
// API can express has an entry, and a missing entry is a programming
// contract violation, not a runtime error.
package format

import (
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
)

// AttribType is the component type of a logical vertex attribute.
type AttribType uint8

// Logical attribute component types.
const (
	// Byte is a signed 8-bit integer component.
	Byte AttribType = iota + 1
	// UnsignedByte is an unsigned 8-bit integer component.
	UnsignedByte
	// Short is a signed 16-bit integer component.
	Short
	// UnsignedShort is an unsigned 16-bit integer component.
	UnsignedShort
	// Int is a signed 32-bit integer component.
	Int
	// UnsignedInt is an unsigned 32-bit integer component.
	UnsignedInt
	// HalfFloat is a 16-bit IEEE 754 floating point component.
	HalfFloat
	// Float is a 32-bit IEEE 754 floating point component.
	Float
	// Fixed is a signed 16.16 fixed point component.
	Fixed
)

// String returns the string representation of AttribType.
func (t AttribType) String() string {
	switch t {
	case Byte:
		return "Byte"
	case UnsignedByte:
		return "UnsignedByte"
	case Short:
		return "Short"
	case UnsignedShort:
		return "UnsignedShort"
	case Int:
		return "Int"
	case UnsignedInt:
		return "UnsignedInt"
	case HalfFloat:
		return "HalfFloat"
	case Float:
		return "Float"
	case Fixed:
		return "Fixed"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// componentSize returns the byte size of one component of this type.
func (t AttribType) componentSize() uint32 {
	switch t {
	case Byte, UnsignedByte:
		return 1
	case Short, UnsignedShort, HalfFloat:
		return 2
	default:
		return 4
	}
}

// isFloating reports whether the type is inherently floating point, making
// the Normalized flag meaningless.
func (t AttribType) isFloating() bool {
	return t == HalfFloat || t == Float || t == Fixed
}

// Logical identifies a vertex attribute format as declared by the upstream
// API: component type, component count (1..4) and normalization.
type Logical struct {
	Type       AttribType
	Components uint8
	Normalized bool
}

// String returns a compact description such as "Short
// x3 (normalized)".
func (l Logical) String() string {
	s := fmt.Sprintf("%vx%d", l.Type, l.Components)
	if l.Normalized {
		s += " (normalized)"
	}
	return s
}

// canonical strips the Normalized flag where it has no meaning, so table
// keys stay unique.
func (l Logical) canonical() Logical {
	if l.Type.isFloating() {
		l.Normalized = false
	}
	return l
}

// SrcSize returns the byte size of one source element.
func (l Logical) SrcSize() uint32 {
	return l.Type.componentSize() * uint32(l.Components)
}

// Class categorizes how a logical format reaches the native pipeline.
type Class uint8

const (
	// ClassPassThrough means the native pipeline consumes the source layout
	// directly; no conversion is required.
	ClassPassThrough Class = iota

	// ClassConvertToFloat means each element is widened to 32-bit floats,
	// component count unchanged. A pure per-element transform, eligible for
	// GPU-side conversion.
	ClassConvertToFloat

	// ClassExpandComponents means the component count is padded up to the
	// next natively supported count, base type unchanged. Requires the CPU
	// conversion path.
	ClassExpandComponents
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassPassThrough:
		return "PassThrough"
	case ClassConvertToFloat:
		return "ConvertToFloat"
	case ClassExpandComponents:
		return "ExpandComponents"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

// Entry is one immutable row of the capability table. Attribute slots hold
// non-owning pointers to entries; the table lives for the whole process.
type Entry struct {
	// Logical is the upstream format this entry resolves.
	Logical Logical

	// Native is the format the native pipeline consumes after any
	// conversion ran.
	Native gputypes.VertexFormat

	// Size is the byte size of one element in the native layout.
	Size uint32

	// Class describes the conversion requirement.
	Class Class

	// PadComponents is the number of zero/one components appended when
	// Class is ClassExpandComponents.
	PadComponents uint8
}

// NeedsConversion reports whether the source layout cannot be consumed
// directly.
func (e *Entry) NeedsConversion() bool { return e.Class != ClassPassThrough }

// PureTransform reports whether the conversion is a pure per-element
// transform without component expansion, making it GPU-eligible.
func (e *Entry) PureTransform() bool { return e.Class == ClassConvertToFloat }

// Layout returns a single-attribute vertex buffer layout for this entry,
// suitable for descriptor assembly. The attribute offset is always 0: the
// translation layer binds buffers at the resolved offset instead, and ships
// per-attribute offsets to the shader stage separately.
func (e *Entry) Layout(location uint32, stride uint32, perInstance bool) gputypes.VertexBufferLayout {
	step := gputypes.VertexStepModeVertex
	if perInstance {
		step = gputypes.VertexStepModeInstance
	}
	return gputypes.VertexBufferLayout{
		ArrayStride: uint64(stride),
		StepMode:    step,
		Attributes: []gputypes.VertexAttribute{
			{Format: e.Native, Offset: 0, ShaderLocation: location},
		},
	}
}

// table is the process-wide capability table, keyed by canonical Logical.
var table = map[Logical]*Entry{}

// Default entries used for disabled attributes, selected by the attribute's
// declared shader type. Exactly these three exist.
var (
	// DefaultFloat is the default-value format for float attributes.
	DefaultFloat *Entry

	// DefaultInt is the default-value format for signed integer attributes.
	DefaultInt *Entry

	// DefaultUint is the default-value format for unsigned integer attributes.
	DefaultUint *Entry
)

// Resolve returns the capability table entry for a logical format.
//
// The table is exhaustive by construction; asking for a format outside the
// enumeration (component count 0 or >4, unknown type) panics, since it can
// only happen through a broken caller, never through upstream API state.
func Resolve(l Logical) *Entry {
	e, ok := table[l.canonical()]
	if !ok {
		panic(fmt.Sprintf("format: no capability table entry for %v", l))
	}
	return e
}

func init() {
	types := []AttribType{
		Byte, UnsignedByte, Short, UnsignedShort,
		Int, UnsignedInt, HalfFloat, Float, Fixed,
	}
	for _, t := range types {
		for comps := uint8(1); comps <= 4; comps++ {
			add(Logical{Type: t, Components: comps, Normalized: false})
			if !t.isFloating() {
				add(Logical{Type: t, Components: comps, Normalized: true})
			}
		}
	}

	DefaultFloat = Resolve(Logical{Type: Float, Components: 4})
	DefaultInt = Resolve(Logical{Type: Int, Components: 4})
	DefaultUint = Resolve(Logical{Type: UnsignedInt, Components: 4})
}

// add classifies one logical format and inserts its entry.
func add(l Logical) {
	e := &Entry{Logical: l}
	comps := l.Components

	switch {
	case l.Type == Float:
		e.Native = float32Format(comps)
		e.Size = 4 * uint32(comps)

	case l.Type == Fixed:
		// 16.16 fixed has no native equivalent at any width.
		e.Class = ClassConvertToFloat
		e.Native = float32Format(comps)
		e.Size = 4 * uint32(comps)

	case l.Type == HalfFloat:
		if comps == 2 || comps == 4 {
			e.Native = pick(comps, gputypes.VertexFormatFloat16x2, gputypes.VertexFormatFloat16x4)
			e.Size = 2 * uint32(comps)
		} else {
			e.Class = ClassConvertToFloat
			e.Native = float32Format(comps)
			e.Size = 4 * uint32(comps)
		}

	case l.Type == Int || l.Type == UnsignedInt:
		if l.Normalized {
			// No 32-bit normalized native formats exist.
			e.Class = ClassConvertToFloat
			e.Native = float32Format(comps)
			e.Size = 4 * uint32(comps)
		} else {
			e.Native = int32Format(l.Type == UnsignedInt, comps)
			e.Size = 4 * uint32(comps)
		}

	default: // 8- and 16-bit integer types: only x2/x4 exist natively.
		if comps == 2 || comps == 4 {
			e.Native = smallIntFormat(l, comps)
			e.Size = l.Type.componentSize() * uint32(comps)
		} else if l.Normalized {
			e.Class = ClassConvertToFloat
			e.Native = float32Format(comps)
			e.Size = 4 * uint32(comps)
		} else {
			e.Class = ClassExpandComponents
			e.PadComponents = 1 // 1 -> 2, 3 -> 4
			e.Native = smallIntFormat(l, comps+1)
			e.Size = l.Type.componentSize() * uint32(comps+1)
		}
	}

	table[l.canonical()] = e
}

func pick(comps uint8, x2, x4 gputypes.VertexFormat) gputypes.VertexFormat {
	if comps == 2 {
		return x2
	}
	return x4
}

func float32Format(comps uint8) gputypes.VertexFormat {
	switch comps {
	case 1:
		return gputypes.VertexFormatFloat32
	case 2:
		return gputypes.VertexFormatFloat32x2
	case 3:
		return gputypes.VertexFormatFloat32x3
	default:
		return gputypes.VertexFormatFloat32x4
	}
}

func int32Format(unsigned bool, comps uint8) gputypes.VertexFormat {
	if unsigned {
		switch comps {
		case 1:
			return gputypes.VertexFormatUint32
		case 2:
			return gputypes.VertexFormatUint32x2
		case 3:
			return gputypes.VertexFormatUint32x3
		default:
			return gputypes.VertexFormatUint32x4
		}
	}
	switch comps {
	case 1:
		return gputypes.VertexFormatSint32
	case 2:
		return gputypes.VertexFormatSint32x2
	case 3:
		return gputypes.VertexFormatSint32x3
	default:
		return gputypes.VertexFormatSint32x4
	}
}

func smallIntFormat(l Logical, comps uint8) gputypes.VertexFormat {
	switch l.Type {
	case Byte:
		if l.Normalized {
			return pick(comps, gputypes.VertexFormatSnorm8x2, gputypes.VertexFormatSnorm8x4)
		}
		return pick(comps, gputypes.VertexFormatSint8x2, gputypes.VertexFormatSint8x4)
	case UnsignedByte:
		if l.Normalized {
			return pick(comps, gputypes.VertexFormatUnorm8x2, gputypes.VertexFormatUnorm8x4)
		}
		return pick(comps, gputypes.VertexFormatUint8x2, gputypes.VertexFormatUint8x4)
	case Short:
		if l.Normalized {
			return pick(comps, gputypes.VertexFormatSnorm16x2, gputypes.VertexFormatSnorm16x4)
		}
		return pick(comps, gputypes.VertexFormatSint16x2, gputypes.VertexFormatSint16x4)
	default: // UnsignedShort
		if l.Normalized {
			return pick(comps, gputypes.VertexFormatUnorm16x2, gputypes.VertexFormatUnorm16x4)
		}
		return pick(comps, gputypes.VertexFormatUint16x2, gputypes.VertexFormatUint16x4)
	}
}

// Convert appends the native encoding of one source element to dst and
// returns the extended slice. src must hold at least Logical.SrcSize()
// bytes. For ClassPassThrough entries this is a straight copy.
func (e *Entry) Convert(dst, src []byte) []byte {
	switch e.Class {
	case ClassPassThrough:
		return append(dst, src[:e.Size]...)

	case ClassExpandComponents:
		srcSize := e.Logical.SrcSize()
		dst = append(dst, src[:srcSize]...)
		compSize := e.Logical.Type.componentSize()
		total := e.Logical.Components + e.PadComponents
		for c := e.Logical.Components; c < total; c++ {
			// Missing components read as (0,0,0,1) upstream.
			var pad uint32
			if c == 3 {
				pad = 1
			}
			dst = appendIntComponent(dst, pad, compSize)
		}
		return dst

	default: // ClassConvertToFloat
		compSize := e.Logical.Type.componentSize()
		for c := uint8(0); c < e.Logical.Components; c++ {
			f := decodeComponent(e.Logical, src[uint32(c)*compSize:])
			bits := math.Float32bits(f)
			dst = append(dst, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
		}
		return dst
	}
}

// appendIntComponent appends an integer component value in little-endian
// order at the given component width.
func appendIntComponent(dst []byte, v uint32, size uint32) []byte {
	for i := uint32(0); i < size; i++ {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

// decodeComponent decodes one source component to float32.
func decodeComponent(l Logical, src []byte) float32 {
	switch l.Type {
	case Byte:
		v := int8(src[0])
		if l.Normalized {
			return snorm(float32(v), 127)
		}
		return float32(v)
	case UnsignedByte:
		v := src[0]
		if l.Normalized {
			return float32(v) / 255
		}
		return float32(v)
	case Short:
		v := int16(uint16(src[0]) | uint16(src[1])<<8)
		if l.Normalized {
			return snorm(float32(v), 32767)
		}
		return float32(v)
	case UnsignedShort:
		v := uint16(src[0]) | uint16(src[1])<<8
		if l.Normalized {
			return float32(v) / 65535
		}
		return float32(v)
	case Int:
		v := int32(le32(src))
		if l.Normalized {
			return snorm(float32(v), math.MaxInt32)
		}
		return float32(v)
	case UnsignedInt:
		v := le32(src)
		if l.Normalized {
			return float32(v) / math.MaxUint32
		}
		return float32(v)
	case HalfFloat:
		return halfToFloat(uint16(src[0]) | uint16(src[1])<<8)
	case Fixed:
		return float32(int32(le32(src))) / 65536
	default: // Float
		return math.Float32frombits(le32(src))
	}
}

func le32(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
}

// snorm maps a signed normalized integer to [-1, 1], clamping the most
// negative value per the GL conversion rules.
func snorm(v, max float32) float32 {
	f := v / max
	if f < -1 {
		return -1
	}
	return f
}

// halfToFloat converts an IEEE 754 binary16 value to float32.
func halfToFloat(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: renormalize.
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x3ff
		return math.Float32frombits(sign | (exp+112)<<23 | mant<<13)
	case 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+112)<<23 | mant<<13)
	}
}
