package samples

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/samcharles93/bitmcu/internal/safetensors"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.safetensors")
	in := &Set{Shape: [3]int{1, 2, 2}, Samples: []Sample{
		{Image: []float32{0, 0.5, -1, 2}, Label: 7},
		{Image: []float32{1, 1, 1, 1}, Label: 0},
		{Image: []float32{-0.25, 0, 0, 3}, Label: 9},
	}}
	if err := Save(path, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Shape != in.Shape || out.Len() != 3 {
		t.Fatalf("shape=%v len=%d", out.Shape, out.Len())
	}
	for i, s := range out.Samples {
		if s.Index != i || s.Label != in.Samples[i].Label {
			t.Fatalf("sample %d = %+v", i, s)
		}
		for j, v := range s.Image {
			if v != in.Samples[i].Image[j] {
				t.Fatalf("sample %d image = %v", i, s.Image)
			}
		}
	}
	if h := out.Head(2); h.Len() != 2 {
		t.Fatalf("Head(2) = %d", h.Len())
	}
	if h := out.Head(0); h.Len() != 3 {
		t.Fatalf("Head(0) = %d", h.Len())
	}
}

func TestLoadFlatAndInvalidSets(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	flat := filepath.Join(dir, "flat.safetensors")
	err := safetensors.Write(flat, []safetensors.WriteTensor{
		{Name: ImagesTensor, Shape: []int{2, 3}, F32: []float32{1, 2, 3, 4, 5, 6}},
		{Name: LabelsTensor, Shape: []int{2}, I64: []int64{1, 2}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err := Load(flat)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Shape != [3]int{1, 1, 3} || s.Samples[1].Image[0] != 4 {
		t.Fatalf("flat set = %+v", s)
	}

	bad := filepath.Join(dir, "bad.safetensors")
	err = safetensors.Write(bad, []safetensors.WriteTensor{
		{Name: ImagesTensor, Shape: []int{2, 3}, F32: make([]float32, 6)},
		{Name: LabelsTensor, Shape: []int{3}, I64: []int64{1, 2, 3}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); !errors.Is(err, ErrInvalidSet) {
		t.Fatalf("err = %v", err)
	}

	if err := Save(filepath.Join(dir, "empty.safetensors"), &Set{Shape: [3]int{1, 1, 1}}); !errors.Is(err, ErrInvalidSet) {
		t.Fatalf("err = %v", err)
	}
}
