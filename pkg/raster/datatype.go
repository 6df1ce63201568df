// pkg/raster/datatype.go

package raster

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// DataType is the sample type of a band or of an I/O buffer.
type DataType int

const (
	Unknown DataType = iota
	Byte
	UInt16
	Int16
	UInt32
	Int32
	Float32
	Float64
)

var typeNames = map[DataType]string{
	Byte:    "Byte",
	UInt16:  "UInt16",
	Int16:   "Int16",
	UInt32:  "UInt32",
	Int32:   "Int32",
	Float32: "Float32",
	Float64: "Float64",
}

func (t DataType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "Unknown"
}

// Size returns the size of one sample in bytes, 0 for Unknown.
func (t DataType) Size() int {
	switch t {
	case Byte:
		return 1
	case UInt16, Int16:
		return 2
	case UInt32, Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

func (t DataType) IsInteger() bool {
	return t >= Byte && t <= Int32
}

// ParseDataType accepts the names returned by String, case-insensitively.
func ParseDataType(s string) (DataType, error) {
	for t, n := range typeNames {
		if strings.EqualFold(n, s) {
			return t, nil
		}
	}
	return Unknown, errors.Errorf("unknown data type %q", s)
}

func (t DataType) bounds() (float64, float64) {
	switch t {
	case Byte:
		return 0, math.MaxUint8
	case UInt16:
		return 0, math.MaxUint16
	case Int16:
		return math.MinInt16, math.MaxInt16
	case UInt32:
		return 0, math.MaxUint32
	case Int32:
		return math.MinInt32, math.MaxInt32
	}
	return math.Inf(-1), math.Inf(1)
}

// Decode reads one little-endian sample of type t from b.
func Decode(t DataType, b []byte) float64 {
	switch t {
	case Byte:
		return float64(b[0])
	case UInt16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case UInt32:
		return float64(binary.LittleEndian.Uint32(b))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

// Encode writes v into b as one little-endian sample of type t. Integer
// targets are rounded half away from zero and clamped to the type range,
// NaN becomes 0.
func Encode(t DataType, b []byte, v float64) {
	if t.IsInteger() {
		if math.IsNaN(v) {
			v = 0
		}
		lo, hi := t.bounds()
		v = math.Round(v)
		if v < lo {
			v = lo
		} else if v > hi {
			v = hi
		}
	}
	switch t {
	case Byte:
		b[0] = uint8(v)
	case UInt16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case UInt32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

// CopyWords copies count samples from src to dst, converting between types.
// Strides are in bytes.
func CopyWords(src []byte, srcType DataType, srcStride int, dst []byte, dstType DataType, dstStride int, count int) {
	if count <= 0 {
		return
	}
	ss, ds := srcType.Size(), dstType.Size()
	if srcType == dstType && srcStride == ss && dstStride == ds {
		copy(dst[:count*ds], src[:count*ss])
		return
	}
	for i := 0; i < count; i++ {
		s := src[i*srcStride : i*srcStride+ss]
		d := dst[i*dstStride : i*dstStride+ds]
		if srcType == dstType {
			copy(d, s)
		} else {
			Encode(dstType, d, Decode(srcType, s))
		}
	}
}
