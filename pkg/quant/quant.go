// Package quant converts floating-point weight tensors into low-bit integer
// tensors with an accompanying scale descriptor.
//
// Values are always stored one per int8 regardless of bit-width; Pack and
// Unpack convert to and from the bit-packed wire form.
package quant

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyTensor     = errors.New("quant: empty tensor")
	ErrUnknownScheme   = errors.New("quant: unknown quantization scheme")
	ErrUnknownMode     = errors.New("quant: unknown mode")
	ErrShapeMismatch   = errors.New("quant: shape does not match element count")
	ErrInvalidQuantScl = errors.New("quant: quantscale must be positive")
)

// Scheme selects the weight representation of a layer.
// Keep values stable; they are written to model containers.
type Scheme uint8

const (
	SchemeUnknown Scheme = iota
	SchemeBinary
	SchemeTernary
	SchemeFourBitSym
	SchemeEightBitSym
)

func (s Scheme) String() string {
	switch s {
	case SchemeBinary:
		return "Binary"
	case SchemeTernary:
		return "Ternary"
	case SchemeFourBitSym:
		return "4bitsym"
	case SchemeEightBitSym:
		return "8bitsym"
	default:
		return fmt.Sprintf("Scheme(%d)", uint8(s))
	}
}

// ParseScheme resolves a configured scheme name. Unknown names are an error;
// there is no default scheme.
func ParseScheme(name string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "binary", "1bit":
		return SchemeBinary, nil
	case "ternary", "1.58bit":
		return SchemeTernary, nil
	case "4bitsym", "fourbitsymmetric":
		return SchemeFourBitSym, nil
	case "8bitsym", "8bit", "eightbitsymmetric":
		return SchemeEightBitSym, nil
	}
	return SchemeUnknown, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
}

// ScaleMode determines how many scale values accompany a tensor.
type ScaleMode uint8

const (
	PerTensor ScaleMode = iota
	PerOutput
)

func (m ScaleMode) String() string {
	switch m {
	case PerTensor:
		return "PerTensor"
	case PerOutput:
		return "PerOutput"
	default:
		return fmt.Sprintf("ScaleMode(%d)", uint8(m))
	}
}

func ParseScaleMode(name string) (ScaleMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pertensor", "":
		return PerTensor, nil
	case "peroutput", "perchannel":
		return PerOutput, nil
	}
	return PerTensor, fmt.Errorf("%w: scale mode %q", ErrUnknownMode, name)
}

// NormMode is the normalization applied before quantizing.
type NormMode uint8

const (
	NormNone NormMode = iota
	NormRMS
)

func (m NormMode) String() string {
	switch m {
	case NormNone:
		return "None"
	case NormRMS:
		return "RMS"
	default:
		return fmt.Sprintf("NormMode(%d)", uint8(m))
	}
}

func ParseNormMode(name string) (NormMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "":
		return NormNone, nil
	case "rms":
		return NormRMS, nil
	}
	return NormNone, fmt.Errorf("%w: norm mode %q", ErrUnknownMode, name)
}

// Options configures a single quantization.
type Options struct {
	Scheme    Scheme
	ScaleMode ScaleMode
	Norm      NormMode
	// QuantScale multiplies values before rounding. Zero means 1.
	QuantScale float32
}

// Tensor is a quantized tensor. Values[i] * Scales[Channel(i)] reconstructs
// the approximate real value.
type Tensor struct {
	Scheme     Scheme
	ScaleMode  ScaleMode
	Norm       NormMode
	Bits       int
	Shape      []int
	Values     []int8
	Scales     []float32
	QuantScale float32
}

// Len returns the element count.
func (t *Tensor) Len() int { return len(t.Values) }

// Channels returns the number of scale groups.
func (t *Tensor) Channels() int { return len(t.Scales) }

// Channel returns the scale group element i belongs to.
func (t *Tensor) Channel(i int) int {
	if len(t.Scales) <= 1 {
		return 0
	}
	return i / (len(t.Values) / len(t.Scales))
}

// Dequantize reconstructs the floating-point approximation.
func (t *Tensor) Dequantize() []float32 {
	out := make([]float32, len(t.Values))
	if len(t.Values) == 0 {
		return out
	}
	group := len(t.Values) / max(len(t.Scales), 1)
	for i, v := range t.Values {
		out[i] = float32(v) * t.Scales[i/group]
	}
	return out
}

// Saturated reports whether element i sits on the representable extreme.
// For every scheme but Binary this is where clipping may have happened.
func (t *Tensor) Saturated(i int) bool {
	qmax := int8(QMax(t.Scheme))
	v := t.Values[i]
	return v == qmax || v == -qmax
}

// Bitsize returns the weight storage cost, bits × element count.
func (t *Tensor) Bitsize() int64 {
	return int64(t.Bits) * int64(len(t.Values))
}

// QMax returns the largest representable magnitude for a scheme.
func QMax(s Scheme) int {
	switch s {
	case SchemeBinary, SchemeTernary:
		return 1
	case SchemeFourBitSym:
		return 7
	case SchemeEightBitSym:
		return 127
	default:
		return 0
	}
}

// Bits returns the storage width of a scheme, or 0 if it is unknown.
func Bits(s Scheme) int {
	switch s {
	case SchemeBinary:
		return 1
	case SchemeTernary:
		return 2
	case SchemeFourBitSym:
		return 4
	case SchemeEightBitSym:
		return 8
	default:
		return 0
	}
}

// InputEpsilon keeps the input scale finite for all-zero samples.
const InputEpsilon = 1e-5

// ScaleInput maps one floating-point sample onto the signed 8-bit input
// contract shared by every engine: scale = 127 / max(|x|, eps), values
// rounded half away from zero and clipped to [-128, 127]. It returns the
// scale used.
func ScaleInput(x []float32) ([]int8, float32) {
	var m float32
	for _, v := range x {
		if v < 0 {
			v = -v
		}
		m = max(m, v)
	}
	scale := float32(127) / max(m, float32(InputEpsilon))
	out := make([]int8, len(x))
	for i, v := range x {
		p := float32(v * scale)
		r := RoundHalfAway(float64(p))
		out[i] = int8(min(max(r, -128), 127))
	}
	return out, scale
}
