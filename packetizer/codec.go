// File: packetizer/codec.go
// Author: momentics <momentics@gmail.com>
//
// Element encoders shared by the output and input sides.

package packetizer

import (
	"encoding/binary"
	"math"
)

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// putter encodes count elements starting at from into dst.
type putter func(dst []byte, from, count int)

// getter decodes count elements from src into the destination starting at from.
type getter func(src []byte, from, count int)

func putBools(v []bool) putter {
	return func(dst []byte, from, count int) {
		for i := 0; i < count; i++ {
			dst[i] = boolByte(v[from+i])
		}
	}
}

func getBools(v []bool) getter {
	return func(src []byte, from, count int) {
		for i := 0; i < count; i++ {
			v[from+i] = src[i] != 0
		}
	}
}

func putInt16s(v []int16) putter {
	return func(dst []byte, from, count int) {
		for i := 0; i < count; i++ {
			binary.BigEndian.PutUint16(dst[2*i:], uint16(v[from+i]))
		}
	}
}

func getInt16s(v []int16) getter {
	return func(src []byte, from, count int) {
		for i := 0; i < count; i++ {
			v[from+i] = int16(binary.BigEndian.Uint16(src[2*i:]))
		}
	}
}

func putUint16s(v []uint16) putter {
	return func(dst []byte, from, count int) {
		for i := 0; i < count; i++ {
			binary.BigEndian.PutUint16(dst[2*i:], v[from+i])
		}
	}
}

func getUint16s(v []uint16) getter {
	return func(src []byte, from, count int) {
		for i := 0; i < count; i++ {
			v[from+i] = binary.BigEndian.Uint16(src[2*i:])
		}
	}
}

func putInt32s(v []int32) putter {
	return func(dst []byte, from, count int) {
		for i := 0; i < count; i++ {
			binary.BigEndian.PutUint32(dst[4*i:], uint32(v[from+i]))
		}
	}
}

func getInt32s(v []int32) getter {
	return func(src []byte, from, count int) {
		for i := 0; i < count; i++ {
			v[from+i] = int32(binary.BigEndian.Uint32(src[4*i:]))
		}
	}
}

func putInt64s(v []int64) putter {
	return func(dst []byte, from, count int) {
		for i := 0; i < count; i++ {
			binary.BigEndian.PutUint64(dst[8*i:], uint64(v[from+i]))
		}
	}
}

func getInt64s(v []int64) getter {
	return func(src []byte, from, count int) {
		for i := 0; i < count; i++ {
			v[from+i] = int64(binary.BigEndian.Uint64(src[8*i:]))
		}
	}
}

func putFloat32s(v []float32) putter {
	return func(dst []byte, from, count int) {
		for i := 0; i < count; i++ {
			binary.BigEndian.PutUint32(dst[4*i:], math.Float32bits(v[from+i]))
		}
	}
}

func getFloat32s(v []float32) getter {
	return func(src []byte, from, count int) {
		for i := 0; i < count; i++ {
			v[from+i] = math.Float32frombits(binary.BigEndian.Uint32(src[4*i:]))
		}
	}
}

func putFloat64s(v []float64) putter {
	return func(dst []byte, from, count int) {
		for i := 0; i < count; i++ {
			binary.BigEndian.PutUint64(dst[8*i:], math.Float64bits(v[from+i]))
		}
	}
}

func getFloat64s(v []float64) getter {
	return func(src []byte, from, count int) {
		for i := 0; i < count; i++ {
			v[from+i] = math.Float64frombits(binary.BigEndian.Uint64(src[8*i:]))
		}
	}
}

func putBytes(v []byte) putter {
	return func(dst []byte, from, count int) { copy(dst[:count], v[from:from+count]) }
}

func getBytes(v []byte) getter {
	return func(src []byte, from, count int) { copy(v[from:from+count], src[:count]) }
}
