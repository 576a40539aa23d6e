package model

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestBuildArch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		params     Hyperparameters
		wantLayers []string
		wantErr    bool
	}{
		{
			name:       "fc default",
			params:     DefaultHyperparameters(),
			wantLayers: []string{"fc1", "fc2", "fc3", "fcl"},
		},
		{
			name: "fc without third layer",
			params: func() Hyperparameters {
				p := DefaultHyperparameters()
				p.NetworkWidth3 = 0
				return p
			}(),
			wantLayers: []string{"fc1", "fc2", "fcl"},
		},
		{
			name: "cnn",
			params: func() Hyperparameters {
				p := DefaultHyperparameters()
				p.Model = "CNNMNIST"
				p.InputSize = 16
				return p
			}(),
			wantLayers: []string{"conv1", "conv1b", "conv2", "fc1", "fc2", "fc3", "fcl"},
		},
		{
			name: "cnn too small",
			params: func() Hyperparameters {
				p := DefaultHyperparameters()
				p.Model = "cnnmnist"
				p.InputSize = 4
				return p
			}(),
			wantErr: true,
		},
		{
			name: "unknown model",
			params: func() Hyperparameters {
				p := DefaultHyperparameters()
				p.Model = "resnet"
				return p
			}(),
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, err := Build(tc.params)
			if tc.wantErr {
				if !errors.Is(err, ErrArch) {
					t.Fatalf("err = %v, want ErrArch", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			var names []string
			for _, l := range a.Layers {
				names = append(names, l.Name)
			}
			if !slices.Equal(names, tc.wantLayers) {
				t.Fatalf("layers = %v, want %v", names, tc.wantLayers)
			}
		})
	}
}

func TestCNNGeometry(t *testing.T) {
	t.Parallel()

	p := DefaultHyperparameters()
	p.Model = "CNNMNIST"
	p.InputSize = 16
	p.QuantScale = 0.25
	a, err := Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	conv1, conv1b, conv2 := a.Layers[0], a.Layers[1], a.Layers[2]
	if conv1.OutH() != 14 || conv1b.OutH() != 12 {
		t.Fatalf("spatial sizes = %d, %d", conv1.OutH(), conv1b.OutH())
	}
	if conv2.Kernel != 12 || conv2.OutH() != 1 || conv2.OutputLen() != 96 {
		t.Fatalf("conv2 kernel=%d out=%d len=%d", conv2.Kernel, conv2.OutH(), conv2.OutputLen())
	}
	if !slices.Equal(conv1b.WeightShape(), []int{16, 1, 3, 3}) {
		t.Fatalf("depthwise shape = %v", conv1b.WeightShape())
	}
	if conv2.QuantType != "4bitsym" || conv2.NormType != "None" {
		t.Fatalf("conv quant = %s/%s", conv2.QuantType, conv2.NormType)
	}
	if a.Layers[3].In != 96 {
		t.Fatalf("fc1 in = %d", a.Layers[3].In)
	}
	for _, l := range a.Layers {
		want := float32(0.25)
		if l.Kind == KindConv2D {
			want = 1
		}
		if l.QuantScale != want {
			t.Fatalf("%s quantscale = %v, want %v", l.Name, l.QuantScale, want)
		}
	}
}

func TestValidateRejectsBrokenChain(t *testing.T) {
	t.Parallel()

	a := &Arch{Name: "x", InC: 1, InH: 2, InW: 2, NumClasses: 2, Layers: []LayerSpec{
		{Name: "fc1", Kind: KindLinear, In: 4, Out: 3},
		{Name: "fcl", Kind: KindLinear, In: 4, Out: 2},
	}}
	if err := a.Validate(); !errors.Is(err, ErrArch) {
		t.Fatalf("err = %v", err)
	}
	a.Layers[1].In = 3
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	a.Layers = append(a.Layers, LayerSpec{Name: "pool", Kind: "maxpool"})
	if err := a.Validate(); !errors.Is(err, ErrArch) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunName(t *testing.T) {
	t.Parallel()

	p := DefaultHyperparameters()
	p.RunTag = "opt_"
	p.Scheduler = "Cosine"
	p.LearningRate = 0.001
	p.Augmentation = true
	p.BatchSize = 32
	p.NumEpochs = 60
	want := "opt_Cosine_lr0.001_Aug_BitMnist_PerTensor_4bitsym_RMS_width64_64_64_bs32_epochs60"
	if got := p.RunName(); got != want {
		t.Fatalf("RunName = %q, want %q", got, want)
	}
}

func TestLoadHyperparameters(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trainingparameters.yaml")
	data := []byte("model: CNNMNIST\nQuantType: Ternary\nWScale: PerOutput\nnetwork_width3: 0\ninput_size: 12\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadHyperparameters(path)
	if err != nil {
		t.Fatalf("LoadHyperparameters: %v", err)
	}
	if p.Model != "CNNMNIST" || p.QuantType != "Ternary" || p.WScale != "PerOutput" {
		t.Fatalf("params = %+v", p)
	}
	if p.NetworkWidth1 != 64 || p.NetworkWidth3 != 0 || p.InputSize != 12 || p.NormType != "RMS" {
		t.Fatalf("defaults not kept: %+v", p)
	}
	if _, err := LoadHyperparameters(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadArchFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "arch.yaml")
	data := []byte(`name: tiny
in_channels: 1
in_h: 2
in_w: 2
num_classes: 2
layers:
  - {name: fc1, kind: linear, in: 4, out: 3, QuantType: 8bitsym, NormType: None}
  - {name: fcl, kind: linear, in: 3, out: 2, QuantType: 8bitsym, NormType: None}
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := LoadArch(path)
	if err != nil {
		t.Fatalf("LoadArch: %v", err)
	}
	if len(a.Layers) != 2 || a.Layers[0].QuantType != "8bitsym" {
		t.Fatalf("arch = %+v", a)
	}
}
