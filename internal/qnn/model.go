// Package qnn is the reference integer inference engine: quantized layers,
// the model that chains them, and its bit accounting.
//
// A Model is read-only after NewModel returns; it may be shared by
// concurrent readers without locking.
package qnn

import (
	"fmt"

	"github.com/samcharles93/bitmcu/pkg/quant"
)

// Model is an ordered chain of quantized layers. ReLU follows every layer but
// the last, whose accumulators are the class scores.
type Model struct {
	Name   string
	Layers []*Layer
	// InputShape is the (channels, height, width) of the network input. Its
	// product is always the first layer's input width.
	InputShape [3]int
}

// Activation is one stage of a forward pass. Stage 0 is the network input.
type Activation struct {
	Layer  string
	Values []int32
	// Shift is the requantization shift applied after the layer, -1 when none.
	Shift int
	// Scale is the real value of one unit, for diagnostics only.
	Scale float64
}

// NewModel takes ownership of layers and wires the requantization between
// consecutive layers.
func NewModel(name string, layers []*Layer) (*Model, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: model %s has no layers", ErrConfig, name)
	}
	for i, l := range layers {
		if i+1 < len(layers) {
			next := layers[i+1]
			if l.OutputLen() != next.InputLen() {
				return nil, fmt.Errorf("%w: %s produces %d values, %s expects %d",
					ErrConfig, l.Name, l.OutputLen(), next.Name, next.InputLen())
			}
			l.final = false
			l.outNorm = next.Weights.Norm
			l.outShift = 0
			if l.outNorm == quant.NormNone {
				l.outShift = l.staticShift()
			}
			continue
		}
		l.final = true
		l.outNorm = quant.NormNone
		l.outShift = 0
	}
	m := &Model{Name: name, Layers: layers}
	first := layers[0]
	if first.Kind == KindConv2D {
		m.InputShape = [3]int{first.Geom.InC, first.Geom.InH, first.Geom.InW}
	} else {
		m.InputShape = [3]int{1, 1, first.Geom.In}
	}
	return m, nil
}

// SetInputShape records the image shape a linear first layer flattens.
func (m *Model) SetInputShape(shape [3]int) error {
	if shape[0] <= 0 || shape[1] <= 0 || shape[2] <= 0 || shape[0]*shape[1]*shape[2] != m.InputLen() {
		return fmt.Errorf("%w: input shape %v does not flatten to %d", ErrShapeMismatch, shape, m.InputLen())
	}
	if first := m.Layers[0]; first.Kind == KindConv2D && shape != [3]int{first.Geom.InC, first.Geom.InH, first.Geom.InW} {
		return fmt.Errorf("%w: input shape %v, %s reads %dx%dx%d", ErrShapeMismatch, shape,
			first.Name, first.Geom.InC, first.Geom.InH, first.Geom.InW)
	}
	m.InputShape = shape
	return nil
}

// InputLen is the flattened input width.
func (m *Model) InputLen() int { return m.Layers[0].InputLen() }

// NumClasses is the number of scores the model produces.
func (m *Model) NumClasses() int { return m.Layers[len(m.Layers)-1].OutputLen() }

// TotalBits sums bits × element count over every layer's weights. Scales are
// kept at full precision and are not counted; see ScaleBits.
func (m *Model) TotalBits() int64 {
	var total int64
	for _, l := range m.Layers {
		total += l.Weights.Bitsize()
	}
	return total
}

// ScaleBits is the storage cost of the float32 scales.
func (m *Model) ScaleBits() int64 {
	var total int64
	for _, l := range m.Layers {
		total += int64(len(l.Weights.Scales)) * 32
	}
	return total
}

// Forward runs the integer forward pass and returns the class scores.
func (m *Model) Forward(x []int8) ([]int32, error) {
	a := x
	for _, l := range m.Layers {
		acc, err := l.Accumulate(a)
		if err != nil {
			return nil, err
		}
		if l.final {
			return acc, nil
		}
		a, _ = l.Requantize(acc)
	}
	return nil, fmt.Errorf("%w: model %s has no final layer", ErrConfig, m.Name)
}

// Predict returns the arg-max class. Ties resolve to the lowest index.
func (m *Model) Predict(x []int8) (uint32, error) {
	scores, err := m.Forward(x)
	if err != nil {
		return 0, err
	}
	return ArgMax(scores), nil
}

// ArgMax returns the index of the largest score, lowest index on ties.
func ArgMax(scores []int32) uint32 {
	best := 0
	for i, v := range scores {
		if v > scores[best] {
			best = i
		}
	}
	return uint32(best)
}

// InferenceQuantized quantizes each floating-point row with the 8-bit input
// contract and returns the per-class integer scores.
func (m *Model) InferenceQuantized(rows [][]float32) ([][]int32, error) {
	out := make([][]int32, len(rows))
	for i, row := range rows {
		x, _ := quant.ScaleInput(row)
		scores, err := m.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = scores
	}
	return out, nil
}

// Activations runs the forward pass and returns every intermediate integer
// activation, starting with the input. inScale is the real value of one
// input unit (1 / the input scale).
func (m *Model) Activations(x []int8, inScale float64) ([]Activation, error) {
	stages := make([]Activation, 0, len(m.Layers)+1)
	stages = append(stages, Activation{Layer: "input", Values: widen(x), Shift: -1, Scale: inScale})

	a, scale := x, inScale
	for _, l := range m.Layers {
		acc, err := l.Accumulate(a)
		if err != nil {
			return nil, err
		}
		accScale := l.OutputScale(scale)
		if l.final {
			stages = append(stages, Activation{Layer: l.Name, Values: acc, Shift: -1, Scale: accScale})
			break
		}
		var shift int
		a, shift = l.Requantize(acc)
		scale = accScale * float64(int64(1)<<shift)
		stages = append(stages, Activation{Layer: l.Name, Values: widen(a), Shift: shift, Scale: scale})
	}
	return stages, nil
}

func widen(x []int8) []int32 {
	out := make([]int32, len(x))
	for i, v := range x {
		out[i] = int32(v)
	}
	return out
}
