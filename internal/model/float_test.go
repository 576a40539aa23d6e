package model

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/samcharles93/bitmcu/internal/safetensors"
)

func tinyArch() *Arch {
	return &Arch{Name: "tiny", InC: 1, InH: 3, InW: 3, NumClasses: 2, Layers: []LayerSpec{
		{Name: "conv1", Kind: KindConv2D, InC: 1, OutC: 1, InH: 3, InW: 3, Kernel: 2, Stride: 1, Groups: 1},
		{Name: "fcl", Kind: KindLinear, In: 4, Out: 2},
	}}
}

func TestFloatForward(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tiny.safetensors")
	err := safetensors.Write(path, []safetensors.WriteTensor{
		{Name: "conv1.weight", Shape: []int{1, 1, 2, 2}, F32: []float32{1, 0, 0, -1}},
		{Name: "fcl.weight", Shape: []int{2, 4}, F32: []float32{1, 1, 1, 1, -1, 0, 0, 0}},
	}, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := safetensors.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m, err := LoadFloat(tinyArch(), f)
	if err != nil {
		t.Fatalf("LoadFloat: %v", err)
	}

	x :=[]float32{
		9, 1, 2,
		3, 4, 5,
		6, 7, 8,
	}
	logits, err := m.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	// conv computes x[y][x] - x[y+1][x+1]: 9-4=5, 1-5=-4, 3-7=-4, 4-8=-4; ReLU keeps only 5.
	if logits[0] != 5 || logits[1] != -5 {
		t.Fatalf("logits = %v", logits)
	}
	if c, _ := m.Predict(x); c != 0 {
		t.Fatalf("Predict = %d", c)
	}
	if _, err := m.Forward(x[:4]); !errors.Is(err, ErrArch) {
		t.Fatalf("short input err = %v", err)
	}
}

func TestLoadFloatShapeMismatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.safetensors")
	err := safetensors.Write(path, []safetensors.WriteTensor{
		{Name: "conv1.weight", Shape: []int{1, 4}, F32: []float32{1, 0, 0, -1}},
		{Name: "fcl.weight", Shape: []int{2, 4}, F32: make([]float32, 8)},
	}, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := safetensors.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := LoadFloat(tinyArch(), f); !errors.Is(err, ErrArch) {
		t.Fatalf("err = %v, want ErrArch", err)
	}
}
