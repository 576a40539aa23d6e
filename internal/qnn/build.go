package qnn

import (
	"fmt"

	"github.com/samcharles93/bitmcu/internal/model"
	"github.com/samcharles93/bitmcu/pkg/quant"
)

// LayerOptions resolves the quantization settings of one layer.
func LayerOptions(s model.LayerSpec) (quant.Options, error) {
	scheme, err := quant.ParseScheme(s.QuantType)
	if err != nil {
		return quant.Options{}, fmt.Errorf("layer %s: %w", s.Name, err)
	}
	mode, err := quant.ParseScaleMode(s.WScale)
	if err != nil {
		return quant.Options{}, fmt.Errorf("layer %s: %w", s.Name, err)
	}
	norm, err := quant.ParseNormMode(s.NormType)
	if err != nil {
		return quant.Options{}, fmt.Errorf("layer %s: %w", s.Name, err)
	}
	return quant.Options{Scheme: scheme, ScaleMode: mode, Norm: norm, QuantScale: s.QuantScale}, nil
}

// Build quantizes every layer of a floating-point model.
func Build(fm *model.FloatModel) (*Model, error) {
	layers := make([]*Layer, 0, len(fm.Arch.Layers))
	for _, s := range fm.Arch.Layers {
		w, ok := fm.Weights[s.Name]
		if !ok {
			return nil, fmt.Errorf("%w: no weights for %s", ErrConfig, s.Name)
		}
		opts, err := LayerOptions(s)
		if err != nil {
			return nil, err
		}
		t, err := quant.Quantize(w, s.WeightShape(), opts)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", s.Name, err)
		}
		l, err := NewLayer(s, t)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	m, err := NewModel(fm.Arch.Name, layers)
	if err != nil {
		return nil, err
	}
	if err := m.SetInputShape([3]int{fm.Arch.InC, fm.Arch.InH, fm.Arch.InW}); err != nil {
		return nil, err
	}
	return m, nil
}

// NewLayer creates the layer described by s around already-quantized weights.
func NewLayer(s model.LayerSpec, t *quant.Tensor) (*Layer, error) {
	switch s.Kind {
	case model.KindLinear:
		return NewLinear(s.Name, t, s.In, s.Out)
	case model.KindConv2D:
		return NewConv2D(s.Name, t, Geometry{
			InC: s.InC, OutC: s.OutC, InH: s.InH, InW: s.InW,
			Kernel: s.Kernel, Stride: s.Stride, Padding: s.Padding, Groups: s.Groups,
		})
	}
	return nil, fmt.Errorf("%w: %s: unknown kind %q", ErrConfig, s.Name, s.Kind)
}

// Spec describes the layer in architecture terms.
func (l *Layer) Spec() model.LayerSpec {
	w := l.Weights
	s := model.LayerSpec{
		Name:       l.Name,
		QuantType:  w.Scheme.String(),
		WScale:     w.ScaleMode.String(),
		NormType:   w.Norm.String(),
		QuantScale: w.QuantScale,
	}
	g := l.Geom
	if l.Kind == KindConv2D {
		s.Kind = model.KindConv2D
		s.InC, s.OutC, s.InH, s.InW = g.InC, g.OutC, g.InH, g.InW
		s.Kernel, s.Stride, s.Padding, s.Groups = g.Kernel, g.Stride, g.Padding, g.Groups
		return s
	}
	s.Kind = model.KindLinear
	s.In, s.Out = g.In, g.Out
	return s
}

// Arch reconstructs the architecture of a quantized model.
func (m *Model) Arch() *model.Arch {
	a := &model.Arch{Name: m.Name, NumClasses: m.NumClasses()}
	a.InC, a.InH, a.InW = m.InputShape[0], m.InputShape[1], m.InputShape[2]
	for _, l := range m.Layers {
		a.Layers = append(a.Layers, l.Spec())
	}
	return a
}
