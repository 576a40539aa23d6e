package model

import (
	"fmt"
	"slices"

	"github.com/samcharles93/bitmcu/internal/safetensors"
)

// TensorSource supplies named floating-point weight tensors.
type TensorSource interface {
	ReadTensorF32(name string) ([]float32, safetensors.TensorInfo, error)
}

// FloatModel is the unquantized network, used to measure the accuracy the
// quantized engines are compared against.
type FloatModel struct {
	Arch    *Arch
	Weights map[string][]float32
}

// LoadFloat reads every layer weight named by the architecture and checks
// its shape.
func LoadFloat(a *Arch, src TensorSource) (*FloatModel, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	m := &FloatModel{Arch: a, Weights: make(map[string][]float32, len(a.Layers))}
	for _, l := range a.Layers {
		w, info, err := src.ReadTensorF32(l.WeightName())
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.Name, err)
		}
		if want := l.WeightShape(); !slices.Equal(info.Shape, want) {
			return nil, fmt.Errorf("%w: %s has shape %v, want %v", ErrArch, l.WeightName(), info.Shape, want)
		}
		m.Weights[l.Name] = w
	}
	return m, nil
}

// Forward returns the class logits for one flattened CHW sample.
func (m *FloatModel) Forward(x []float32) ([]float32, error) {
	if len(x) != m.Arch.InputLen() {
		return nil, fmt.Errorf("%w: sample has %d values, want %d", ErrArch, len(x), m.Arch.InputLen())
	}
	a := x
	last := len(m.Arch.Layers) - 1
	for i, l := range m.Arch.Layers {
		w := m.Weights[l.Name]
		switch l.Kind {
		case KindConv2D:
			a = convF32(l, w, a)
		default:
			a = linearF32(l, w, a)
		}
		if i != last {
			for j, v := range a {
				if v < 0 {
					a[j] = 0
				}
			}
		}
	}
	return a, nil
}

// Predict returns the arg-max class, lowest index on ties.
func (m *FloatModel) Predict(x []float32) (uint32, error) {
	logits, err := m.Forward(x)
	if err != nil {
		return 0, err
	}
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return uint32(best), nil
}

func linearF32(l LayerSpec, w, x []float32) []float32 {
	out := make([]float32, l.Out)
	for j := range out {
		row := w[j*l.In : (j+1)*l.In]
		var sum float32
		for i, v := range x {
			sum += v * row[i]
		}
		out[j] = sum
	}
	return out
}

func convF32(l LayerSpec, w, x []float32) []float32 {
	groups := max(l.Groups, 1)
	stride := max(l.Stride, 1)
	oh, ow := l.OutH(), l.OutW()
	inPerGroup := l.InC / groups
	outPerGroup := l.OutC / groups
	k := l.Kernel
	out := make([]float32, l.OutC*oh*ow)

	for oc := range l.OutC {
		grp := oc / outPerGroup
		wc := w[oc*inPerGroup*k*k:]
		for oy := range oh {
			for ox := range ow {
				var sum float32
				for ic := range inPerGroup {
					plane := x[(grp*inPerGroup+ic)*l.InH*l.InW:]
					wk := wc[ic*k*k:]
					for ky := range k {
						iy := oy*stride + ky - l.Padding
						if iy < 0 || iy >= l.InH {
							continue
						}
						for kx := range k {
							ix := ox*stride + kx - l.Padding
							if ix < 0 || ix >= l.InW {
								continue
							}
							sum += plane[iy*l.InW+ix] * wk[ky*k+kx]
						}
					}
				}
				out[(oc*oh+oy)*ow+ox] = sum
			}
		}
	}
	return out
}
