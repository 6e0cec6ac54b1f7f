// Package tensor describes tensors that live on a synthetic device: their
// metadata, the call shape of an operation, and byte-level element access.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// DType tags the element type of a tensor.
type DType uint8

// Supported element types.
const (
	Invalid DType = iota
	Float32
	Float64
	Int32
	Int64
	Uint8
	Bool
)

// Size returns the byte width of one element.
func (dt DType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Uint8, Bool:
		return 1
	default:
		return 0
	}
}

func (dt DType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	default:
		return "invalid"
	}
}

// ParseDType accepts names such as "float32" or "torch.float32".
func ParseDType(s string) (DType, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "torch.")
	switch s {
	case "float32", "float":
		return Float32, nil
	case "float64", "double":
		return Float64, nil
	case "int32", "int":
		return Int32, nil
	case "int64", "long":
		return Int64, nil
	case "uint8":
		return Uint8, nil
	case "bool":
		return Bool, nil
	}
	return Invalid, fmt.Errorf("unsupported dtype %q", s)
}

// Element reads element i (in element units) of buf as float64.
func (dt DType) Element(buf []byte, i int64) float64 {
	o := i * int64(dt.Size())
	switch dt {
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[o:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[o:]))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(buf[o:])))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(buf[o:])))
	case Uint8:
		return float64(buf[o])
	case Bool:
		if buf[o] != 0 {
			return 1
		}
		return 0
	}
	return math.NaN()
}

// SetElement writes v as element i of buf, converting to the element type.
func (dt DType) SetElement(buf []byte, i int64, v float64) {
	o := i * int64(dt.Size())
	switch dt {
	case Float32:
		binary.LittleEndian.PutUint32(buf[o:], math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(buf[o:], math.Float64bits(v))
	case Int32:
		binary.LittleEndian.PutUint32(buf[o:], uint32(int32(v)))
	case Int64:
		binary.LittleEndian.PutUint64(buf[o:], uint64(int64(v)))
	case Uint8:
		buf[o] = uint8(v)
	case Bool:
		if v != 0 {
			buf[o] = 1
		} else {
			buf[o] = 0
		}
	}
}

// Encode packs values contiguously as dt.
func Encode(dt DType, values []float64) []byte {
	out := make([]byte, len(values)*dt.Size())
	for i, v := range values {
		dt.SetElement(out, int64(i), v)
	}
	return out
}
