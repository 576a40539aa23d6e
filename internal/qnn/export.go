package qnn

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/bitmcu/pkg/mcf"
	"github.com/samcharles93/bitmcu/pkg/quant"
)

var ErrContainer = errors.New("qnn: container does not match model")

// Info describes the model for the container's model info section.
func (m *Model) Info() *mcf.ModelInfo {
	info := &mcf.ModelInfo{
		Name:       m.Name,
		Arch:       m.Name,
		InputShape: m.InputShape,
		NumClasses: m.NumClasses(),
		TotalBits:  m.TotalBits(),
		ScaleBits:  m.ScaleBits(),
		InputMax:   actMax,
	}
	for _, l := range m.Layers {
		info.Layers = append(info.Layers, l.Name)
	}
	return info
}

// Export writes the model as a packed container. info may be nil, in which
// case Info is used.
func (m *Model) Export(path string, info *mcf.ModelInfo) error {
	if info == nil {
		info = m.Info()
	}
	layers := make([]mcf.Layer, len(m.Layers))
	for i, l := range m.Layers {
		pl, err := l.packed()
		if err != nil {
			return err
		}
		layers[i] = pl
	}
	return mcf.WriteModel(path, info, layers)
}

func (l *Layer) packed() (mcf.Layer, error) {
	w := l.Weights
	raw, err := quant.Pack(w.Values, w.Bits)
	if err != nil {
		return mcf.Layer{}, fmt.Errorf("layer %s: %w", l.Name, err)
	}
	r := mcf.LayerRecord{
		Kind:       uint8(l.Kind),
		Scheme:     uint8(w.Scheme),
		ScaleMode:  uint8(w.ScaleMode),
		Norm:       uint8(w.Norm),
		Bits:       uint8(w.Bits),
		OutShift:   int8(l.OutShift()),
		In:         uint32(l.Geom.In),
		Out:        uint32(l.Geom.Out),
		QuantScale: w.QuantScale,
	}
	if l.final {
		r.Flags |= mcf.LayerFinal
	} else if l.outNorm == quant.NormRMS {
		r.Flags |= mcf.LayerDynamicShift
	}
	if l.Kind == KindConv2D {
		g := l.Geom
		r.InC, r.OutC, r.InH, r.InW = uint16(g.InC), uint16(g.OutC), uint16(g.InH), uint16(g.InW)
		r.Kernel, r.Stride, r.Padding, r.Groups = uint8(g.Kernel), uint8(g.Stride), uint8(g.Padding), uint16(g.Groups)
	}

	pl := mcf.Layer{
		Record:      r,
		Weights:     raw,
		Scales:      slices.Clone(w.Scales),
		Multipliers: l.Multipliers(),
	}
	// One bit cannot encode zero; record all-zero groups separately.
	if w.Bits == 1 {
		mask := quant.ZeroGroups(w)
		if slices.Contains(mask, true) {
			pl.ZeroMask = quant.PackMask(mask)
		}
	}
	return pl, nil
}

// Load reads a packed container back into a reference model. The derived
// multipliers and shifts must agree with the ones stored in the container.
func Load(path string) (*Model, *mcf.ModelInfo, error) {
	mf, err := mcf.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = mf.Close() }()

	info, err := mf.ModelInfo()
	if err != nil {
		return nil, nil, err
	}
	packed, err := mf.Layers()
	if err != nil {
		return nil, nil, err
	}
	if len(info.Layers) != len(packed) {
		return nil, nil, fmt.Errorf("%w: %d names for %d layers", ErrContainer, len(info.Layers), len(packed))
	}

	layers := make([]*Layer, len(packed))
	for i, pl := range packed {
		l, err := unpackLayer(info.Layers[i], pl)
		if err != nil {
			return nil, nil, err
		}
		layers[i] = l
	}
	m, err := NewModel(info.Name, layers)
	if err != nil {
		return nil, nil, err
	}
	if err := m.SetInputShape(info.InputShape); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrContainer, err)
	}
	for i, l := range m.Layers {
		r := packed[i].Record
		if !slices.Equal(l.mult, packed[i].Multipliers) || int(r.OutShift) != l.OutShift() || r.Final() != l.final {
			return nil, nil, fmt.Errorf("%w: layer %s requantization differs", ErrContainer, l.Name)
		}
	}
	return m, info, nil
}

func unpackLayer(name string, pl mcf.Layer) (*Layer, error) {
	r := pl.Record
	scheme := quant.Scheme(r.Scheme)
	if quant.Bits(scheme) != int(r.Bits) {
		return nil, fmt.Errorf("%w: layer %s: %d bits for %v", ErrContainer, name, r.Bits, scheme)
	}
	n := r.Elements()
	values, err := quant.Unpack(pl.Weights, int(r.Bits), n)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", name, err)
	}
	if len(pl.ZeroMask) > 0 && len(pl.Scales) > 0 {
		group := n / len(pl.Scales)
		for g := range pl.Scales {
			if pl.ZeroMask[g/8]&(1<<(g%8)) != 0 {
				clear(values[g*group : (g+1)*group])
			}
		}
	}

	kind := Kind(r.Kind)
	var shape []int
	if kind == KindConv2D {
		shape = []int{int(r.OutC), int(r.InC) / max(int(r.Groups), 1), int(r.Kernel), int(r.Kernel)}
	} else {
		shape = []int{int(r.Out), int(r.In)}
	}
	t := &quant.Tensor{
		Scheme:     scheme,
		ScaleMode:  quant.ScaleMode(r.ScaleMode),
		Norm:       quant.NormMode(r.Norm),
		Bits:       int(r.Bits),
		Shape:      shape,
		Values:     values,
		Scales:     slices.Clone(pl.Scales),
		QuantScale: r.QuantScale,
	}
	switch kind {
	case KindLinear:
		return NewLinear(name, t, int(r.In), int(r.Out))
	case KindConv2D:
		return NewConv2D(name, t, Geometry{
			InC: int(r.InC), OutC: int(r.OutC), InH: int(r.InH), InW: int(r.InW),
			Kernel: int(r.Kernel), Stride: int(r.Stride), Padding: int(r.Padding), Groups: int(r.Groups),
		})
	}
	return nil, fmt.Errorf("%w: layer %s: kind %d", ErrContainer, name, r.Kind)
}
