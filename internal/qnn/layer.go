package qnn

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/bitmcu/pkg/quant"
)

var (
	ErrConfig        = errors.New("qnn: invalid layer configuration")
	ErrShapeMismatch = errors.New("qnn: activation length mismatch")
)

// Kind identifies the transform a layer applies.
type Kind uint8

const (
	KindLinear Kind = iota + 1
	KindConv2D
)

func (k Kind) String() string {
	switch k {
	case KindLinear:
		return "Linear"
	case KindConv2D:
		return "Conv2D"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Geometry holds the shape parameters of a layer. Linear layers use In/Out;
// convolutions use the remaining fields.
type Geometry struct {
	In, Out int

	InC, OutC int
	InH, InW  int
	Kernel    int
	Stride    int
	Padding   int
	Groups    int
}

// OutH and OutW return the convolution output size.
func (g Geometry) OutH() int { return (g.InH+2*g.Padding-g.Kernel)/g.Stride + 1 }
func (g Geometry) OutW() int { return (g.InW+2*g.Padding-g.Kernel)/g.Stride + 1 }

const (
	// multShift is the fraction width of per-channel fixed-point multipliers.
	multShift = 15
	multOne   = 1 << multShift

	// inputMagnitude is the largest |activation| a layer can see.
	inputMagnitude = 128
	actMax         = 127
)

// Layer is one quantized transform. Layers are immutable once a Model owns them.
type Layer struct {
	Name    string
	Kind    Kind
	Geom    Geometry
	Weights *quant.Tensor

	mult     []int32
	maxScale float32

	// Set by NewModel from the topology.
	final    bool
	outNorm  quant.NormMode
	outShift int
}

// NewLinear creates a fully connected layer. Weights are laid out [Out][In].
func NewLinear(name string, w *quant.Tensor, in, out int) (*Layer, error) {
	l := &Layer{Name: name, Kind: KindLinear, Geom: Geometry{In: in, Out: out}, Weights: w}
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("%w: %s: in=%d out=%d", ErrConfig, name, in, out)
	}
	if err := l.init(in*out, out, in); err != nil {
		return nil, err
	}
	return l, nil
}

// NewConv2D creates a grouped 2D convolution. Weights are laid out
// [OutC][InC/Groups][Kernel][Kernel]; activations are CHW.
func NewConv2D(name string, w *quant.Tensor, g Geometry) (*Layer, error) {
	if g.Stride == 0 {
		g.Stride = 1
	}
	if g.Groups == 0 {
		g.Groups = 1
	}
	switch {
	case g.InC <= 0 || g.OutC <= 0 || g.InH <= 0 || g.InW <= 0 || g.Kernel <= 0 || g.Stride <= 0 || g.Padding < 0:
		return nil, fmt.Errorf("%w: %s: non-positive geometry %+v", ErrConfig, name, g)
	case g.Groups < 0 || g.InC%g.Groups != 0 || g.OutC%g.Groups != 0:
		return nil, fmt.Errorf("%w: %s: groups %d must divide in=%d and out=%d channels", ErrConfig, name, g.Groups, g.InC, g.OutC)
	case g.OutH() < 1 || g.OutW() < 1:
		return nil, fmt.Errorf("%w: %s: kernel %d larger than padded input %dx%d", ErrConfig, name, g.Kernel, g.InH, g.InW)
	}
	g.In = g.InC * g.InH * g.InW
	g.Out = g.OutC * g.OutH() * g.OutW()
	l := &Layer{Name: name, Kind: KindConv2D, Geom: g, Weights: w}
	fanIn := g.InC / g.Groups * g.Kernel * g.Kernel
	if err := l.init(g.OutC*fanIn, g.OutC, fanIn); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layer) init(elems, channels, fanIn int) error {
	w := l.Weights
	if w == nil || w.Len() != elems {
		n := 0
		if w != nil {
			n = w.Len()
		}
		return fmt.Errorf("%w: %s: %d weights, want %d", ErrConfig, l.Name, n, elems)
	}
	if len(w.Scales) != 1 && len(w.Scales) != channels {
		return fmt.Errorf("%w: %s: %d scales for %d channels", ErrConfig, l.Name, len(w.Scales), channels)
	}
	qmax := quant.QMax(w.Scheme)
	if qmax == 0 {
		return fmt.Errorf("%w: %s: %v", ErrConfig, l.Name, quant.ErrUnknownScheme)
	}
	if int64(fanIn)*inputMagnitude*int64(qmax) > math.MaxInt32 {
		return fmt.Errorf("%w: %s: fan-in %d overflows the 32-bit accumulator", ErrConfig, l.Name, fanIn)
	}
	l.mult, l.maxScale = channelMultipliers(w, channels)
	return nil
}

// channelMultipliers converts per-channel scales into Q15 multipliers relative
// to the largest scale. A single scale yields identity multipliers. All-zero
// channels carry the placeholder scale 1 and always accumulate 0, so they are
// left out of the maximum and get the identity multiplier.
func channelMultipliers(w *quant.Tensor, channels int) ([]int32, float32) {
	mult := make([]int32, channels)
	scales := w.Scales
	dead := quant.ZeroGroups(w)
	var hi float32
	for g, s := range scales {
		if !dead[g] {
			hi = max(hi, s)
		}
	}
	for c := range mult {
		if len(scales) == 1 || hi == 0 || dead[c] {
			mult[c] = multOne
			continue
		}
		mult[c] = int32(quant.RoundHalfAway(float64(scales[c]) / float64(hi) * multOne))
	}
	return mult, hi
}

// InputLen is the declared activation width.
func (l *Layer) InputLen() int { return l.Geom.In }

// OutputLen is the number of accumulators the layer produces.
func (l *Layer) OutputLen() int { return l.Geom.Out }

// Channels is the number of output channels.
func (l *Layer) Channels() int {
	if l.Kind == KindConv2D {
		return l.Geom.OutC
	}
	return l.Geom.Out
}

// Multipliers returns a copy of the per-channel Q15 multipliers.
func (l *Layer) Multipliers() []int32 { return append([]int32(nil), l.mult...) }

// OutShift is the static requantization shift, or -1 when the next layer
// normalizes dynamically or this layer is final.
func (l *Layer) OutShift() int {
	if l.final || l.outNorm == quant.NormRMS {
		return -1
	}
	return l.outShift
}

// Final reports whether the layer produces the class scores.
func (l *Layer) Final() bool { return l.final }

// Accumulate runs the integer multiply-accumulate and applies the channel
// multipliers. The result is the pre-activation in units of
// inputScale * maxScale.
func (l *Layer) Accumulate(x []int8) ([]int32, error) {
	if len(x) != l.Geom.In {
		return nil, fmt.Errorf("%w: %s: got %d, want %d", ErrShapeMismatch, l.Name, len(x), l.Geom.In)
	}
	var acc []int32
	switch l.Kind {
	case KindLinear:
		acc = l.linear(x)
	case KindConv2D:
		acc = l.conv(x)
	default:
		return nil, fmt.Errorf("%w: %s: kind %v", ErrConfig, l.Name, l.Kind)
	}
	if l.Kind == KindConv2D {
		plane := l.Geom.OutH() * l.Geom.OutW()
		for i := range acc {
			acc[i] = applyMult(acc[i], l.mult[i/plane])
		}
	} else {
		for i := range acc {
			acc[i] = applyMult(acc[i], l.mult[i])
		}
	}
	return acc, nil
}

func applyMult(v, m int32) int32 {
	if m == multOne {
		return v
	}
	return int32((int64(v)*int64(m) + multOne/2) >> multShift)
}

func (l *Layer) linear(x []int8) []int32 {
	in, out := l.Geom.In, l.Geom.Out
	w := l.Weights.Values
	acc := make([]int32, out)
	for j := range out {
		row := w[j*in : (j+1)*in]
		var sum int32
		for i, a := range x {
			sum += int32(a) * int32(row[i])
		}
		acc[j] = sum
	}
	return acc
}

func (l *Layer) conv(x []int8) []int32 {
	g := l.Geom
	oh, ow := g.OutH(), g.OutW()
	inPerGroup := g.InC / g.Groups
	outPerGroup := g.OutC / g.Groups
	k := g.Kernel
	w := l.Weights.Values
	acc := make([]int32, g.OutC*oh*ow)

	for oc := range g.OutC {
		grp := oc / outPerGroup
		wc := w[oc*inPerGroup*k*k : (oc+1)*inPerGroup*k*k]
		for oy := range oh {
			for ox := range ow {
				var sum int32
				for ic := range inPerGroup {
					plane := x[(grp*inPerGroup+ic)*g.InH*g.InW:]
					wk := wc[ic*k*k:]
					for ky := range k {
						iy := oy*g.Stride + ky - g.Padding
						if iy < 0 || iy >= g.InH {
							continue
						}
						for kx := range k {
							ix := ox*g.Stride + kx - g.Padding
							if ix < 0 || ix >= g.InW {
								continue
							}
							sum += int32(plane[iy*g.InW+ix]) * int32(wk[ky*k+kx])
						}
					}
				}
				acc[(oc*oh+oy)*ow+ox] = sum
			}
		}
	}
	return acc
}

// Requantize applies ReLU and maps the accumulators onto [0, 127] for the
// next layer. It returns the shift used.
func (l *Layer) Requantize(acc []int32) ([]int8, int) {
	shift := l.outShift
	if l.outNorm == quant.NormRMS {
		shift = DynamicShift(acc)
	}
	return ShiftReLU(acc, shift), shift
}

// DynamicShift returns the smallest right shift that brings the largest
// positive accumulator into [0, 127].
func DynamicShift(acc []int32) int {
	var hi int32
	for _, v := range acc {
		hi = max(hi, v)
	}
	return shiftFor(int64(hi))
}

func shiftFor(bound int64) int {
	s := 0
	for bound>>s > actMax {
		s++
	}
	return s
}

// ShiftReLU zeroes negatives and shifts right with round-half-up, saturating
// at 127.
func ShiftReLU(acc []int32, shift int) []int8 {
	out := make([]int8, len(acc))
	var half int64
	if shift > 0 {
		half = 1 << (shift - 1)
	}
	for i, v := range acc {
		if v <= 0 {
			continue
		}
		r := (int64(v) + half) >> shift
		out[i] = int8(min(r, actMax))
	}
	return out
}

// staticShift bounds the largest possible post-multiplier accumulator from
// the weights alone.
func (l *Layer) staticShift() int {
	channels := l.Channels()
	fanIn := l.Weights.Len() / channels
	var bound int64
	for c := range channels {
		var s int64
		for _, v := range l.Weights.Values[c*fanIn : (c+1)*fanIn] {
			if v < 0 {
				s -= int64(v)
			} else {
				s += int64(v)
			}
		}
		s *= inputMagnitude
		s = (s*int64(l.mult[c]) + multOne/2) >> multShift
		bound = max(bound, s)
	}
	return shiftFor(bound)
}

// Dequantize maps accumulators back to real values given the scale of the
// layer input.
func (l *Layer) Dequantize(acc []int32, inScale float64) []float64 {
	out := make([]float64, len(acc))
	f := inScale * float64(l.maxScale)
	for i, v := range acc {
		out[i] = float64(v) * f
	}
	return out
}

// OutputScale is the real value of one accumulator unit.
func (l *Layer) OutputScale(inScale float64) float64 {
	return inScale * float64(l.maxScale)
}
