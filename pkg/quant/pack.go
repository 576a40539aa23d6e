package quant

import (
	"errors"
	"fmt"
)

// PackedSize returns the number of bytes n values of the given width occupy.
func PackedSize(n, bits int) int {
	return (n*bits + 7) / 8
}

// Pack bit-packs values LSB-first: element i starts at bit i*bits. Values are
// stored in two's complement truncated to bits, except 1-bit values where
// +1 is stored as 1 and -1 as 0. A 1-bit zero is only legal inside an
// all-zero scale group, which ZeroGroups records separately.
func Pack(values []int8, bits int) ([]byte, error) {
	if err := checkBits(bits); err != nil {
		return nil, err
	}
	out := make([]byte, PackedSize(len(values), bits))
	mask := uint16(1)<<bits - 1
	for i, v := range values {
		var code uint16
		if bits == 1 {
			switch v {
			case 1:
				code = 1
			case -1:
				code = 0
			default:
				if v != 0 {
					return nil, fmt.Errorf("quant: value %d at %d not representable in 1 bit", v, i)
				}
			}
		} else {
			lo := -(1 << (bits - 1))
			hi := 1<<(bits-1) - 1
			if int(v) < lo || int(v) > hi {
				return nil, fmt.Errorf("quant: value %d at %d out of %d-bit range", v, i, bits)
			}
			code = uint16(uint8(v)) & mask
		}
		bit := i * bits
		byteIdx, shift := bit/8, bit%8
		out[byteIdx] |= byte(code << shift)
		if shift+bits > 8 {
			out[byteIdx+1] |= byte(code >> (8 - shift))
		}
	}
	return out, nil
}

// Unpack reverses Pack for n values.
func Unpack(raw []byte, bits, n int) ([]int8, error) {
	if err := checkBits(bits); err != nil {
		return nil, err
	}
	if len(raw) < PackedSize(n, bits) {
		return nil, errors.New("quant: packed buffer too short")
	}
	out := make([]int8, n)
	mask := uint16(1)<<bits - 1
	for i := range out {
		bit := i * bits
		byteIdx, shift := bit/8, bit%8
		code := uint16(raw[byteIdx]) >> shift
		if shift+bits > 8 {
			code |= uint16(raw[byteIdx+1]) << (8 - shift)
		}
		code &= mask
		if bits == 1 {
			out[i] = int8(2*int(code) - 1)
			continue
		}
		v := int(code)
		if v >= 1<<(bits-1) {
			v -= 1 << bits
		}
		out[i] = int8(v)
	}
	return out, nil
}

func checkBits(bits int) error {
	switch bits {
	case 1, 2, 4, 8:
		return nil
	}
	return fmt.Errorf("quant: unsupported bit-width %d", bits)
}

// ZeroGroups reports, per scale group, whether every value is zero.
func ZeroGroups(t *Tensor) []bool {
	out := make([]bool, len(t.Scales))
	if len(t.Scales) == 0 {
		return out
	}
	glen := len(t.Values) / len(t.Scales)
	for g := range out {
		out[g] = true
		for _, v := range t.Values[g*glen : (g+1)*glen] {
			if v != 0 {
				out[g] = false
				break
			}
		}
	}
	return out
}

// PackMask packs a bool slice one bit per entry, LSB-first.
func PackMask(mask []bool) []byte {
	out := make([]byte, PackedSize(len(mask), 1))
	for i, set := range mask {
		if set {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}
