package quant

import (
	"fmt"
	"math"
	"sync"
)

// Codec quantizes one scale group of a tensor. Implementations only see
// already validated, non-degenerate groups.
type Codec interface {
	Scheme() Scheme
	Bits() int
	// QuantizeGroup writes quantized values for src into dst and returns the
	// scale that reconstructs them.
	QuantizeGroup(dst []int8, src []float64, quantScale float64) float64
}

var (
	codecsMu sync.RWMutex
	codecs   = map[Scheme]Codec{}
)

func init() {
	Register(signCodec{})
	Register(symmetricCodec{scheme: SchemeTernary, stat: meanAbs})
	Register(symmetricCodec{scheme: SchemeFourBitSym, stat: maxAbs})
	Register(symmetricCodec{scheme: SchemeEightBitSym, stat: maxAbs})
}

// Register installs a codec, replacing any previous codec for the scheme.
func Register(c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[c.Scheme()] = c
}

// Lookup returns the codec registered for s.
func Lookup(s Scheme) (Codec, error) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	c, ok := codecs[s]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, s)
	}
	return c, nil
}

// Quantize converts w (laid out row-major with the given shape) into a
// quantized tensor. The first dimension is the output channel for PerOutput
// scaling. Groups whose elements are all zero get scale 1 and zero values.
func Quantize(w []float32, shape []int, opts Options) (*Tensor, error) {
	if len(w) == 0 {
		return nil, ErrEmptyTensor
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("%w: dim %d", ErrShapeMismatch, d)
		}
		n *= d
	}
	if len(shape) == 0 || n != len(w) {
		return nil, fmt.Errorf("%w: shape %v, %d elements", ErrShapeMismatch, shape, len(w))
	}
	qs := float64(opts.QuantScale)
	if opts.QuantScale == 0 {
		qs = 1
	}
	if qs <= 0 || math.IsNaN(qs) || math.IsInf(qs, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuantScl, opts.QuantScale)
	}
	c, err := Lookup(opts.Scheme)
	if err != nil {
		return nil, err
	}

	groups := 1
	switch opts.ScaleMode {
	case PerTensor:
	case PerOutput:
		groups = shape[0]
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, opts.ScaleMode)
	}
	if opts.Norm != NormNone && opts.Norm != NormRMS {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, opts.Norm)
	}
	glen := len(w) / groups

	t := &Tensor{
		Scheme:     opts.Scheme,
		ScaleMode:  opts.ScaleMode,
		Norm:       opts.Norm,
		Bits:       c.Bits(),
		Shape:      append([]int(nil), shape...),
		Values:     make([]int8, len(w)),
		Scales:     make([]float32, groups),
		QuantScale: float32(qs),
	}

	buf := make([]float64, glen)
	for g := range groups {
		src := w[g*glen : (g+1)*glen]
		dst := t.Values[g*glen : (g+1)*glen]

		zero := true
		for i, v := range src {
			buf[i] = float64(v)
			if v != 0 {
				zero = false
			}
		}
		if zero {
			t.Scales[g] = 1
			continue
		}

		norm := 1.0
		if opts.Norm == NormRMS {
			norm = rms(buf)
			for i := range buf {
				buf[i] /= norm
			}
		}
		t.Scales[g] = float32(c.QuantizeGroup(dst, buf, qs) * norm)
	}
	return t, nil
}

// RoundHalfAway rounds to the nearest integer with ties away from zero.
// Every engine must use this rule.
func RoundHalfAway(x float64) float64 {
	return math.Round(x)
}

func clip(v float64, qmax int) int8 {
	if v > float64(qmax) {
		return int8(qmax)
	}
	if v < -float64(qmax) {
		return int8(-qmax)
	}
	return int8(v)
}

func rms(x []float64) float64 {
	var ss float64
	for _, v := range x {
		ss += v * v
	}
	return math.Sqrt(ss / float64(len(x)))
}

func maxAbs(x []float64) float64 {
	var m float64
	for _, v := range x {
		m = max(m, math.Abs(v))
	}
	return m
}

func meanAbs(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += math.Abs(v)
	}
	return s / float64(len(x))
}

// symmetricCodec maps stat(group) to the scheme's extreme code and rounds
// everything else onto that grid. The most negative two's-complement code is
// never produced.
type symmetricCodec struct {
	scheme Scheme
	stat   func([]float64) float64
}

func (c symmetricCodec) Scheme() Scheme { return c.scheme }
func (c symmetricCodec) Bits() int      { return Bits(c.scheme) }

func (c symmetricCodec) QuantizeGroup(dst []int8, src []float64, quantScale float64) float64 {
	qmax := QMax(c.scheme)
	step := c.stat(src) / float64(qmax)
	// Round through float32 so values agree with the stored scale.
	scale := float64(float32(step / quantScale))
	for i, v := range src {
		dst[i] = clip(RoundHalfAway(v/scale), qmax)
	}
	return scale
}

// signCodec keeps only the sign; zero encodes as +1. The scale is the mean
// absolute value of the group.
type signCodec struct{}

func (signCodec) Scheme() Scheme { return SchemeBinary }
func (signCodec) Bits() int      { return 1 }

func (signCodec) QuantizeGroup(dst []int8, src []float64, _ float64) float64 {
	for i, v := range src {
		if v >= 0 {
			dst[i] = 1
		} else {
			dst[i] = -1
		}
	}
	return meanAbs(src)
}
