// Package mcu runs packed containers the way the microcontroller firmware
// does: weights stay bit-packed and are decoded on the fly, activations live
// in two fixed ping-pong buffers and only the stored Q15 multipliers and
// shifts are used for requantization.
//
// It deliberately shares no kernel code with the reference engine so the two
// can be cross-checked.
package mcu

import (
	"errors"
	"fmt"
	"io"

	"github.com/samcharles93/bitmcu/pkg/mcf"
)

var (
	ErrInputLength = errors.New("mcu: input length mismatch")
	ErrUnsupported = errors.New("mcu: unsupported layer")
)

const (
	kindLinear = 1
	kindConv2D = 2

	q15One  = 1 << 15
	q15Half = 1 << 14
	actMax  = 127
)

type layer struct {
	name  string
	rec   mcf.LayerRecord
	w     []byte
	mult  []int32
	zero  []byte
	group int
}

// Engine holds one loaded network and its working buffers. An Engine is not
// safe for concurrent use; Infer reuses the buffers between calls.
type Engine struct {
	info   *mcf.ModelInfo
	layers []layer

	act [2][]int8
	acc []int32
}

// Open loads a container. The file is read once and not kept open.
func Open(path string) (*Engine, error) {
	mf, err := mcf.Open(path)
	if err != nil {
		return nil, err
	}
	return fromFile(mf)
}

// Load reads a container image from r, such as a flash dump pulled off a
// board or an image embedded in a test binary.
func Load(r io.ReaderAt, size int64) (*Engine, error) {
	mf, err := mcf.OpenReaderAt(r, size)
	if err != nil {
		return nil, err
	}
	return fromFile(mf)
}

func fromFile(mf *mcf.File) (*Engine, error) {
	defer func() { _ = mf.Close() }()

	info, err := mf.ModelInfo()
	if err != nil {
		return nil, err
	}
	packed, err := mf.Layers()
	if err != nil {
		return nil, err
	}
	return newEngine(info, packed)
}

func newEngine(info *mcf.ModelInfo, packed []mcf.Layer) (*Engine, error) {
	e := &Engine{info: info, layers: make([]layer, len(packed))}
	maxAct, maxAcc := info.InputLen(), 0
	width := info.InputLen()
	for i, pl := range packed {
		r := pl.Record
		name := fmt.Sprintf("layer%d", i)
		if i < len(info.Layers) {
			name = info.Layers[i]
		}
		switch {
		case r.Kind != kindLinear && r.Kind != kindConv2D:
			return nil, fmt.Errorf("%w: %s kind %d", ErrUnsupported, name, r.Kind)
		case r.Bits != 1 && r.Bits != 2 && r.Bits != 4 && r.Bits != 8:
			return nil, fmt.Errorf("%w: %s uses %d-bit weights", ErrUnsupported, name, r.Bits)
		case int(r.In) != width:
			return nil, fmt.Errorf("%w: %s expects %d inputs, previous stage produces %d", ErrInputLength, name, r.In, width)
		case len(pl.Multipliers) != channels(r):
			return nil, fmt.Errorf("%w: %s has %d multipliers for %d channels", ErrUnsupported, name, len(pl.Multipliers), channels(r))
		case r.Final() != (i == len(packed)-1):
			return nil, fmt.Errorf("%w: %s final flag out of place", ErrUnsupported, name)
		}
		l := layer{
			name: name,
			rec:  r,
			w:    append([]byte(nil), pl.Weights...),
			mult: append([]int32(nil), pl.Multipliers...),
			zero: append([]byte(nil), pl.ZeroMask...),
		}
		if r.ScaleCount > 0 {
			l.group = r.Elements() / int(r.ScaleCount)
		}
		e.layers[i] = l
		width = int(r.Out)
		maxAct = max(maxAct, width)
		maxAcc = max(maxAcc, width)
	}
	e.act[0] = make([]int8, maxAct)
	e.act[1] = make([]int8, maxAct)
	e.acc = make([]int32, maxAcc)
	return e, nil
}

func channels(r mcf.LayerRecord) int {
	if r.Kind == kindConv2D {
		return int(r.OutC)
	}
	return int(r.Out)
}

// Info returns the model description stored in the container.
func (e *Engine) Info() *mcf.ModelInfo { return e.info }

// InputLen is the number of int8 values Infer expects.
func (e *Engine) InputLen() int { return e.info.InputLen() }

// Infer returns the predicted class for one quantized sample.
func (e *Engine) Infer(x []int8) (uint32, error) {
	scores, err := e.Scores(x)
	if err != nil {
		return 0, err
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return uint32(best), nil
}

// Scores runs the network and returns the final accumulators. The returned
// slice is only valid until the next call.
func (e *Engine) Scores(x []int8) ([]int32, error) {
	if len(x) != e.InputLen() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInputLength, len(x), e.InputLen())
	}
	in := e.act[0][:len(x)]
	copy(in, x)
	cur := 0
	for i := range e.layers {
		l := &e.layers[i]
		acc := e.acc[:l.rec.Out]
		if l.rec.Kind == kindConv2D {
			l.conv(in, acc)
		} else {
			l.linear(in, acc)
		}
		if l.rec.Final() {
			return acc, nil
		}
		shift := int(l.rec.OutShift)
		if l.rec.DynamicShift() {
			shift = peakShift(acc)
		}
		cur ^= 1
		in = e.act[cur][:len(acc)]
		requant(acc, in, shift)
	}
	return nil, fmt.Errorf("%w: no final layer", ErrUnsupported)
}

// weight decodes element i of the packed weight stream.
func (l *layer) weight(i int) int32 {
	bits := int(l.rec.Bits)
	if bits == 8 {
		return int32(int8(l.w[i]))
	}
	pos := i * bits
	code := uint32(l.w[pos>>3]>>(pos&7)) & (1<<bits - 1)
	if bits == 1 {
		if len(l.zero) > 0 && l.group > 0 {
			g := i / l.group
			if l.zero[g>>3]&(1<<(g&7)) != 0 {
				return 0
			}
		}
		return int32(code)*2 - 1
	}
	return int32(code<<(32-bits)) >> (32 - bits)
}

func scale(v, m int32) int32 {
	if m == q15One {
		return v
	}
	return int32((int64(v)*int64(m) + q15Half) >> 15)
}

func (l *layer) linear(x []int8, acc []int32) {
	n := int(l.rec.In)
	for o := range acc {
		base := o * n
		var s int32
		for i := 0; i < n; i++ {
			s += int32(x[i]) * l.weight(base+i)
		}
		acc[o] = scale(s, l.mult[o])
	}
}

func (l *layer) conv(x []int8, acc []int32) {
	r := &l.rec
	k := int(r.Kernel)
	stride := max(int(r.Stride), 1)
	pad := int(r.Padding)
	groups := max(int(r.Groups), 1)
	inH, inW := int(r.InH), int(r.InW)
	outH := (inH+2*pad-k)/stride + 1
	outW := (inW+2*pad-k)/stride + 1
	cin := int(r.InC) / groups
	cout := int(r.OutC) / groups
	taps := cin * k * k

	o := 0
	for oc := 0; oc < int(r.OutC); oc++ {
		first := (oc / cout) * cin
		wbase := oc * taps
		m := l.mult[oc]
		for y := 0; y < outH; y++ {
			for xx := 0; xx < outW; xx++ {
				var s int32
				wi := wbase
				for c := 0; c < cin; c++ {
					src := x[(first+c)*inH*inW:]
					for ky := 0; ky < k; ky++ {
						iy := y*stride - pad + ky
						for kx := 0; kx < k; kx++ {
							ix := xx*stride - pad + kx
							if iy >= 0 && iy < inH && ix >= 0 && ix < inW {
								s += int32(src[iy*inW+ix]) * l.weight(wi)
							}
							wi++
						}
					}
				}
				acc[o] = scale(s, m)
				o++
			}
		}
	}
}

func peakShift(acc []int32) int {
	var peak int32
	for _, v := range acc {
		if v > peak {
			peak = v
		}
	}
	s := 0
	for peak>>s > actMax {
		s++
	}
	return s
}

func requant(acc []int32, out []int8, shift int) {
	var round int32
	if shift > 0 {
		round = 1 << (shift - 1)
	}
	for i, v := range acc {
		if v <= 0 {
			out[i] = 0
			continue
		}
		v = int32((int64(v) + int64(round)) >> shift)
		if v > actMax {
			v = actMax
		}
		out[i] = int8(v)
	}
}
