package mcf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// LayerTable payload format (v1), little-endian: a u32 record count, a u32
// reserved word, then count fixed 64-byte records.
//
// Record layout:
//
//	[0]  u8  kind (1 linear, 2 conv2d)
//	[1]  u8  scheme (1 binary, 2 ternary, 3 4bitsym, 4 8bitsym)
//	[2]  u8  scale mode (0 per tensor, 1 per output)
//	[3]  u8  norm (0 none, 1 rms)
//	[4]  u8  bits
//	[5]  u8  flags (LayerFinal, LayerDynamicShift)
//	[6]  i8  static output shift
//	[7]  u8  reserved
//	[8]  u32 in          [12] u32 out
//	[16] u16 in_c  [18] u16 out_c  [20] u16 in_h  [22] u16 in_w
//	[24] u8 kernel [25] u8 stride  [26] u8 padding [27] u8 reserved
//	[28] u16 groups      [30] u16 scale count
//	[32] f32 quantscale  [36] u32 channels
//	[40] u32 weight off  [44] u32 weight size
//	[48] u32 scale off   [52] u32 multiplier off
//	[56] u32 mask off    [60] u32 mask size
//
// Offsets are relative to the start of the tensor data section.

const (
	layerTableHeaderSize = 8
	layerRecordSize      = 64
)

// Layer record flags.
const (
	LayerFinal        uint8 = 1 << 0
	LayerDynamicShift uint8 = 1 << 1
)

type LayerRecord struct {
	Kind      uint8
	Scheme    uint8
	ScaleMode uint8
	Norm      uint8
	Bits      uint8
	Flags     uint8
	OutShift  int8

	In, Out   uint32
	InC, OutC uint16
	InH, InW  uint16
	Kernel    uint8
	Stride    uint8
	Padding   uint8
	Groups    uint16

	ScaleCount uint16
	QuantScale float32
	Channels   uint32

	WeightOff, WeightSize uint32
	ScaleOff, MultOff     uint32
	MaskOff, MaskSize     uint32
}

// Final reports whether the layer produces the class scores.
func (r *LayerRecord) Final() bool { return r.Flags&LayerFinal != 0 }

// DynamicShift reports whether the output shift is chosen per sample.
func (r *LayerRecord) DynamicShift() bool { return r.Flags&LayerDynamicShift != 0 }

// Elements is the number of weights the record describes.
func (r *LayerRecord) Elements() int {
	if r.Kind == 2 {
		return int(r.OutC) * int(r.InC) / max(int(r.Groups), 1) * int(r.Kernel) * int(r.Kernel)
	}
	return int(r.In) * int(r.Out)
}

// check rejects records whose geometry or region sizes would make a reader
// index past the tensor data it describes.
func (r *LayerRecord) check() error {
	if r.Kind == 2 {
		if r.Kernel == 0 || r.Stride == 0 || r.InC == 0 || r.OutC == 0 {
			return fmt.Errorf("%w: conv kernel=%d stride=%d in_c=%d out_c=%d", ErrCorruptFile, r.Kernel, r.Stride, r.InC, r.OutC)
		}
		if g := max(r.Groups, 1); r.InC%g != 0 || r.OutC%g != 0 {
			return fmt.Errorf("%w: %d groups for %d/%d channels", ErrCorruptFile, g, r.InC, r.OutC)
		}
		if in := uint32(r.InC) * uint32(r.InH) * uint32(r.InW); in != r.In {
			return fmt.Errorf("%w: conv input %dx%dx%d is %d values, record says %d", ErrCorruptFile, r.InC, r.InH, r.InW, in, r.In)
		}
		outH := (int(r.InH)+2*int(r.Padding)-int(r.Kernel))/int(r.Stride) + 1
		outW := (int(r.InW)+2*int(r.Padding)-int(r.Kernel))/int(r.Stride) + 1
		if outH < 1 || outW < 1 || uint32(r.OutC)*uint32(outH)*uint32(outW) != r.Out {
			return fmt.Errorf("%w: conv output %dx%dx%d does not match %d", ErrCorruptFile, r.OutC, outH, outW, r.Out)
		}
	}
	if r.ScaleCount > 0 && r.Elements()%int(r.ScaleCount) != 0 {
		return fmt.Errorf("%w: %d scales do not divide %d weights", ErrCorruptFile, r.ScaleCount, r.Elements())
	}
	if want := (uint32(r.ScaleCount) + 7) / 8; r.MaskSize != 0 && r.MaskSize != want {
		return fmt.Errorf("%w: zero mask of %d bytes for %d groups", ErrCorruptFile, r.MaskSize, r.ScaleCount)
	}
	return nil
}

func EncodeLayerTable(records []LayerRecord) []byte {
	out := make([]byte, layerTableHeaderSize+len(records)*layerRecordSize)
	binary.LittleEndian.PutUint32(out[0:], uint32(len(records)))
	for i := range records {
		encodeLayerRecord(out[layerTableHeaderSize+i*layerRecordSize:], &records[i])
	}
	return out
}

func ParseLayerTable(data []byte) ([]LayerRecord, error) {
	if len(data) < layerTableHeaderSize {
		return nil, fmt.Errorf("%w: layer table too short", ErrCorruptFile)
	}
	n := int(binary.LittleEndian.Uint32(data[0:]))
	if n == 0 || len(data) != layerTableHeaderSize+n*layerRecordSize {
		return nil, fmt.Errorf("%w: layer table holds %d bytes for %d records", ErrCorruptFile, len(data), n)
	}
	records := make([]LayerRecord, n)
	for i := range records {
		decodeLayerRecord(data[layerTableHeaderSize+i*layerRecordSize:], &records[i])
	}
	return records, nil
}

func encodeLayerRecord(dst []byte, r *LayerRecord) {
	le := binary.LittleEndian
	dst[0], dst[1], dst[2], dst[3] = r.Kind, r.Scheme, r.ScaleMode, r.Norm
	dst[4], dst[5], dst[6], dst[7] = r.Bits, r.Flags, byte(r.OutShift), 0
	le.PutUint32(dst[8:], r.In)
	le.PutUint32(dst[12:], r.Out)
	le.PutUint16(dst[16:], r.InC)
	le.PutUint16(dst[18:], r.OutC)
	le.PutUint16(dst[20:], r.InH)
	le.PutUint16(dst[22:], r.InW)
	dst[24], dst[25], dst[26], dst[27] = r.Kernel, r.Stride, r.Padding, 0
	le.PutUint16(dst[28:], r.Groups)
	le.PutUint16(dst[30:], r.ScaleCount)
	le.PutUint32(dst[32:], math.Float32bits(r.QuantScale))
	le.PutUint32(dst[36:], r.Channels)
	le.PutUint32(dst[40:], r.WeightOff)
	le.PutUint32(dst[44:], r.WeightSize)
	le.PutUint32(dst[48:], r.ScaleOff)
	le.PutUint32(dst[52:], r.MultOff)
	le.PutUint32(dst[56:], r.MaskOff)
	le.PutUint32(dst[60:], r.MaskSize)
}

func decodeLayerRecord(src []byte, r *LayerRecord) {
	le := binary.LittleEndian
	r.Kind, r.Scheme, r.ScaleMode, r.Norm = src[0], src[1], src[2], src[3]
	r.Bits, r.Flags, r.OutShift = src[4], src[5], int8(src[6])
	r.In = le.Uint32(src[8:])
	r.Out = le.Uint32(src[12:])
	r.InC = le.Uint16(src[16:])
	r.OutC = le.Uint16(src[18:])
	r.InH = le.Uint16(src[20:])
	r.InW = le.Uint16(src[22:])
	r.Kernel, r.Stride, r.Padding = src[24], src[25], src[26]
	r.Groups = le.Uint16(src[28:])
	r.ScaleCount = le.Uint16(src[30:])
	r.QuantScale = math.Float32frombits(le.Uint32(src[32:]))
	r.Channels = le.Uint32(src[36:])
	r.WeightOff = le.Uint32(src[40:])
	r.WeightSize = le.Uint32(src[44:])
	r.ScaleOff = le.Uint32(src[48:])
	r.MultOff = le.Uint32(src[52:])
	r.MaskOff = le.Uint32(src[56:])
	r.MaskSize = le.Uint32(src[60:])
}
