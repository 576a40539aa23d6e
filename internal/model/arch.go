package model

import (
	"errors"
	"fmt"
	"strings"
)

var ErrArch = errors.New("model: invalid architecture")

// Layer kinds understood by the architecture description.
const (
	KindLinear = "linear"
	KindConv2D = "conv2d"
)

// LayerSpec describes one weighted layer of a network and how to quantize it.
// Weights are stored under Name + ".weight".
type LayerSpec struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	In  int `yaml:"in,omitempty"`
	Out int `yaml:"out,omitempty"`

	InC     int `yaml:"in_channels,omitempty"`
	OutC    int `yaml:"out_channels,omitempty"`
	InH     int `yaml:"in_h,omitempty"`
	InW     int `yaml:"in_w,omitempty"`
	Kernel  int `yaml:"kernel_size,omitempty"`
	Stride  int `yaml:"stride,omitempty"`
	Padding int `yaml:"padding,omitempty"`
	Groups  int `yaml:"groups,omitempty"`

	QuantType  string  `yaml:"QuantType"`
	WScale     string  `yaml:"WScale"`
	NormType   string  `yaml:"NormType"`
	QuantScale float32 `yaml:"quantscale"`
}

// WeightName is the tensor key of the layer weights.
func (s LayerSpec) WeightName() string { return s.Name + ".weight" }

// OutH and OutW are the convolution output size.
func (s LayerSpec) OutH() int { return (s.InH+2*s.Padding-s.Kernel)/max(s.Stride, 1) + 1 }
func (s LayerSpec) OutW() int { return (s.InW+2*s.Padding-s.Kernel)/max(s.Stride, 1) + 1 }

// InputLen is the flattened input width of the layer.
func (s LayerSpec) InputLen() int {
	if s.Kind == KindConv2D {
		return s.InC * s.InH * s.InW
	}
	return s.In
}

// OutputLen is the flattened output width of the layer.
func (s LayerSpec) OutputLen() int {
	if s.Kind == KindConv2D {
		return s.OutC * s.OutH() * s.OutW()
	}
	return s.Out
}

// WeightShape is the expected weight tensor shape.
func (s LayerSpec) WeightShape() []int {
	if s.Kind == KindConv2D {
		return []int{s.OutC, s.InC / max(s.Groups, 1), s.Kernel, s.Kernel}
	}
	return []int{s.Out, s.In}
}

// Arch is the topology of a network: layers in execution order, ReLU after
// every layer except the last.
type Arch struct {
	Name       string      `yaml:"name"`
	InC        int         `yaml:"in_channels"`
	InH        int         `yaml:"in_h"`
	InW        int         `yaml:"in_w"`
	NumClasses int         `yaml:"num_classes"`
	Layers     []LayerSpec `yaml:"layers"`
}

// InputLen is the flattened network input width.
func (a *Arch) InputLen() int { return a.InC * a.InH * a.InW }

// Validate checks that consecutive layers agree on their widths.
func (a *Arch) Validate() error {
	if len(a.Layers) == 0 {
		return fmt.Errorf("%w: %s has no layers", ErrArch, a.Name)
	}
	prev := a.InputLen()
	for i, l := range a.Layers {
		switch l.Kind {
		case KindLinear:
			if l.In <= 0 || l.Out <= 0 {
				return fmt.Errorf("%w: %s: in=%d out=%d", ErrArch, l.Name, l.In, l.Out)
			}
		case KindConv2D:
			g := max(l.Groups, 1)
			if l.InC%g != 0 || l.OutC%g != 0 {
				return fmt.Errorf("%w: %s: groups %d must divide %d and %d channels", ErrArch, l.Name, g, l.InC, l.OutC)
			}
			if l.Kernel <= 0 || l.OutH() < 1 || l.OutW() < 1 {
				return fmt.Errorf("%w: %s: kernel %d does not fit %dx%d", ErrArch, l.Name, l.Kernel, l.InH, l.InW)
			}
		default:
			return fmt.Errorf("%w: %s: unknown kind %q", ErrArch, l.Name, l.Kind)
		}
		if l.InputLen() != prev {
			return fmt.Errorf("%w: layer %d (%s) expects %d inputs, previous stage produces %d", ErrArch, i, l.Name, l.InputLen(), prev)
		}
		prev = l.OutputLen()
	}
	if a.NumClasses > 0 && prev != a.NumClasses {
		return fmt.Errorf("%w: last layer produces %d scores, want %d classes", ErrArch, prev, a.NumClasses)
	}
	return nil
}

// FCMNIST builds the fully connected network: flattened image, up to three
// hidden layers with ReLU, and an output layer. width3 == 0 drops the third
// hidden layer.
func FCMNIST(p Hyperparameters) (*Arch, error) {
	side := p.inputSize()
	a := &Arch{Name: "FCMNIST", InC: 1, InH: side, InW: side, NumClasses: p.numClasses()}
	q := p.layerQuant()
	a.Layers = append(a.Layers,
		linear("fc1", side*side, p.NetworkWidth1, q),
		linear("fc2", p.NetworkWidth1, p.NetworkWidth2, q),
	)
	last := p.NetworkWidth2
	if p.NetworkWidth3 > 0 {
		a.Layers = append(a.Layers, linear("fc3", p.NetworkWidth2, p.NetworkWidth3, q))
		last = p.NetworkWidth3
	}
	a.Layers = append(a.Layers, linear("fcl", last, a.NumClasses, q))
	return a, a.Validate()
}

// CNNMNIST builds the convolutional network: a full 3x3 convolution, a
// depthwise 3x3 convolution and a grouped convolution that collapses the
// remaining spatial extent, followed by the fully connected stack.
// Convolutions always use 4-bit symmetric weights without normalization at
// the quantizer's default quantscale; the configured quantscale applies to
// the fully connected layers only.
func CNNMNIST(p Hyperparameters) (*Arch, error) {
	side := p.inputSize()
	if side < 6 {
		return nil, fmt.Errorf("%w: CNNMNIST needs at least 6x6 input, got %d", ErrArch, side)
	}
	a := &Arch{Name: "CNNMNIST", InC: 1, InH: side, InW: side, NumClasses: p.numClasses()}
	cq := quantSpec{quantType: "4bitsym", wscale: p.WScale, normType: "None", quantScale: 1}
	conv1 := conv("conv1", 1, 16, side, 3, 1, cq)
	conv1b := conv("conv1b", 16, 16, conv1.OutH(), 3, 16, cq)
	conv2 := conv("conv2", 16, 96, conv1b.OutH(), conv1b.OutH(), 16, cq)
	flat := conv2.OutputLen()

	q := p.layerQuant()
	a.Layers = append(a.Layers, conv1, conv1b, conv2,
		linear("fc1", flat, p.NetworkWidth1, q),
		linear("fc2", p.NetworkWidth1, p.NetworkWidth2, q),
	)
	last := p.NetworkWidth2
	if p.NetworkWidth3 > 0 {
		a.Layers = append(a.Layers, linear("fc3", p.NetworkWidth2, p.NetworkWidth3, q))
		last = p.NetworkWidth3
	}
	a.Layers = append(a.Layers, linear("fcl", last, a.NumClasses, q))
	return a, a.Validate()
}

// Build resolves the architecture named by the hyperparameters.
func Build(p Hyperparameters) (*Arch, error) {
	switch strings.ToUpper(strings.TrimSpace(p.Model)) {
	case "", "FCMNIST":
		return FCMNIST(p)
	case "CNNMNIST":
		return CNNMNIST(p)
	}
	return nil, fmt.Errorf("%w: unknown model %q", ErrArch, p.Model)
}

type quantSpec struct {
	quantType, wscale, normType string
	quantScale                  float32
}

func linear(name string, in, out int, q quantSpec) LayerSpec {
	return LayerSpec{
		Name: name, Kind: KindLinear, In: in, Out: out,
		QuantType: q.quantType, WScale: q.wscale, NormType: q.normType, QuantScale: q.quantScale,
	}
}

func conv(name string, inC, outC, side, kernel, groups int, q quantSpec) LayerSpec {
	return LayerSpec{
		Name: name, Kind: KindConv2D,
		InC: inC, OutC: outC, InH: side, InW: side,
		Kernel: kernel, Stride: 1, Padding: 0, Groups: groups,
		QuantType: q.quantType, WScale: q.wscale, NormType: q.normType, QuantScale: q.quantScale,
	}
}
