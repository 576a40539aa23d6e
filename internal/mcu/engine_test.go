package mcu

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/samcharles93/bitmcu/internal/model"
	"github.com/samcharles93/bitmcu/internal/qnn"
	"github.com/samcharles93/bitmcu/pkg/mcf"
)

func buildModel(t *testing.T, p func() model.Hyperparameters) *qnn.Model {
	t.Helper()
	a, err := model.Build(p())
	if err != nil {
		t.Fatalf("model.Build: %v", err)
	}
	r := rand.New(rand.NewPCG(17, 29))
	fm := &model.FloatModel{Arch: a, Weights: map[string][]float32{}}
	for _, l := range a.Layers {
		n := 1
		for _, d := range l.WeightShape() {
			n *= d
		}
		w := make([]float32, n)
		for i := range w {
			w[i] = float32(r.NormFloat64() * 0.3)
		}
		fm.Weights[l.Name] = w
	}
	if a.Layers[0].Kind == model.KindLinear {
		clear(fm.Weights["fc1"][:a.Layers[0].In])
	}
	m, err := qnn.Build(fm)
	if err != nil {
		t.Fatalf("qnn.Build: %v", err)
	}
	return m
}

func TestEngineMatchesReference(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		params func() model.Hyperparameters
	}{
		{"fc 4bit rms", model.DefaultHyperparameters},
		{"fc 8bit none", func() model.Hyperparameters {
			p := model.DefaultHyperparameters()
			p.QuantType, p.NormType = "8bitsym", "None"
			return p
		}},
		{"fc binary per output", func() model.Hyperparameters {
			p := model.DefaultHyperparameters()
			p.QuantType, p.WScale = "Binary", "PerOutput"
			return p
		}},
		{"fc ternary", func() model.Hyperparameters {
			p := model.DefaultHyperparameters()
			p.QuantType, p.WScale, p.NetworkWidth3 = "Ternary", "PerOutput", 0
			return p
		}},
		{"cnn", func() model.Hyperparameters {
			p := model.DefaultHyperparameters()
			p.Model, p.InputSize = "CNNMNIST", 12
			return p
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ref := buildModel(t, tc.params)
			path := filepath.Join(t.TempDir(), "net.mcf")
			if err := ref.Export(path, nil); err != nil {
				t.Fatalf("Export: %v", err)
			}
			e, err := Open(path)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			r := rand.New(rand.NewPCG(3, 4))
			for range 10 {
				x := make([]int8, e.InputLen())
				for i := range x {
					x[i] = int8(r.IntN(256) - 128)
				}
				want, err := ref.Forward(x)
				if err != nil {
					t.Fatalf("reference Forward: %v", err)
				}
				got, err := e.Scores(x)
				if err != nil {
					t.Fatalf("Scores: %v", err)
				}
				if !slices.Equal(got, want) {
					t.Fatalf("scores %v, want %v", got, want)
				}
				c, _ := e.Infer(x)
				if c != qnn.ArgMax(want) {
					t.Fatalf("class %d, want %d", c, qnn.ArgMax(want))
				}
			}
		})
	}
}

func TestEngineRejectsWrongInput(t *testing.T) {
	t.Parallel()

	ref := buildModel(t, model.DefaultHyperparameters)
	path := filepath.Join(t.TempDir(), "net.mcf")
	if err := ref.Export(path, nil); err != nil {
		t.Fatal(err)
	}
	e, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Infer(make([]int8, 3)); !errors.Is(err, ErrInputLength) {
		t.Fatalf("err = %v", err)
	}
	fp := e.Footprint()
	// 64*64 + 64*64 + 64*64 + 64*10 weights at 4 bits.
	if fp.WeightBytes != (3*64*64+640)/2 {
		t.Fatalf("weight bytes = %d", fp.WeightBytes)
	}
	if fp.RAM() != 2*64+4*64 || fp.Flash() <= fp.WeightBytes {
		t.Fatalf("footprint = %+v", fp)
	}
}

func TestWeightDecoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bits uint8
		raw  []byte
		want []int32
	}{
		{8, []byte{0x7f, 0x81}, []int32{127, -127}},
		{4, []byte{0xD3}, []int32{3, -3}},
		{2, []byte{0x31}, []int32{1, 0, -1, 0}},
		{1, []byte{0x0D}, []int32{1, -1, 1, 1}},
	}
	for _, tc := range tests {
		l := layer{rec: mcf.LayerRecord{Bits: tc.bits}, w: tc.raw}
		for i, want := range tc.want {
			if got := l.weight(i); got != want {
				t.Errorf("bits=%d weight(%d) = %d, want %d", tc.bits, i, got, want)
			}
		}
	}

	l := layer{rec: mcf.LayerRecord{Bits: 1}, w: []byte{0xff}, zero: []byte{0x02}, group: 2}
	got := []int32{l.weight(0), l.weight(1), l.weight(2), l.weight(3)}
	if !slices.Equal(got, []int32{1, 1, 0, 0}) {
		t.Fatalf("masked weights = %v", got)
	}
}

func TestLoadFlashImage(t *testing.T) {
	t.Parallel()

	ref := buildModel(t, model.DefaultHyperparameters)
	path := filepath.Join(t.TempDir(), "net.mcf")
	if err := ref.Export(path, nil); err != nil {
		t.Fatal(err)
	}
	img, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	e, err := Load(bytes.NewReader(img), int64(len(img)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	x := make([]int8, e.InputLen())
	for i := range x {
		x[i] = int8(i*7 - 100)
	}
	want, err := ref.Predict(x)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := e.Infer(x); err != nil || got != want {
		t.Fatalf("Infer = %d, %v; want %d", got, err, want)
	}

	if _, err := Load(bytes.NewReader(img[:len(img)/2]), int64(len(img)/2)); err == nil {
		t.Fatal("truncated image loaded")
	}
}
