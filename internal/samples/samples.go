// Package samples loads held-out labeled sample sets. A set is stored as a
// safetensors file with an "images" float tensor of shape [N, C, H, W] (or
// [N, H, W] / [N, D]) and a "labels" integer tensor of shape [N].
package samples

import (
	"errors"
	"fmt"

	"github.com/samcharles93/bitmcu/internal/safetensors"
)

var ErrInvalidSet = errors.New("samples: invalid sample set")

const (
	ImagesTensor = "images"
	LabelsTensor = "labels"
)

// Sample is one flattened CHW image and its label.
type Sample struct {
	Index int
	Image []float32
	Label uint8
}

// Set is an ordered collection of samples of equal size.
type Set struct {
	// Shape is CHW; flat sets use [1, 1, D].
	Shape   [3]int
	Samples []Sample
}

// Len returns the number of samples.
func (s *Set) Len() int { return len(s.Samples) }

// SampleLen is the flattened width of one sample.
func (s *Set) SampleLen() int { return s.Shape[0] * s.Shape[1] * s.Shape[2] }

// Head returns a set with at most n leading samples. n <= 0 keeps all.
func (s *Set) Head(n int) *Set {
	if n <= 0 || n >= len(s.Samples) {
		return s
	}
	return &Set{Shape: s.Shape, Samples: s.Samples[:n]}
}

// Load reads a sample set from a safetensors file.
func Load(path string) (*Set, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	images, info, err := f.ReadTensorF32(ImagesTensor)
	if err != nil {
		return nil, err
	}
	labels, linfo, err := f.ReadTensorInt(LabelsTensor)
	if err != nil {
		return nil, err
	}

	var shape [3]int
	switch len(info.Shape) {
	case 2:
		shape = [3]int{1, 1, info.Shape[1]}
	case 3:
		shape = [3]int{1, info.Shape[1], info.Shape[2]}
	case 4:
		shape = [3]int{info.Shape[1], info.Shape[2], info.Shape[3]}
	default:
		return nil, fmt.Errorf("%w: images have rank %d", ErrInvalidSet, len(info.Shape))
	}
	n := info.Shape[0]
	if len(linfo.Shape) != 1 || linfo.Shape[0] != n {
		return nil, fmt.Errorf("%w: %d images but labels shaped %v", ErrInvalidSet, n, linfo.Shape)
	}

	set := &Set{Shape: shape, Samples: make([]Sample, n)}
	d := set.SampleLen()
	for i := range n {
		if labels[i] < 0 || labels[i] > 255 {
			return nil, fmt.Errorf("%w: label %d of sample %d", ErrInvalidSet, labels[i], i)
		}
		set.Samples[i] = Sample{Index: i, Image: images[i*d : (i+1)*d : (i+1)*d], Label: uint8(labels[i])}
	}
	return set, nil
}

// Save writes a sample set in the layout Load reads.
func Save(path string, s *Set) error {
	if s.Len() == 0 {
		return fmt.Errorf("%w: empty set", ErrInvalidSet)
	}
	d := s.SampleLen()
	images := make([]float32, 0, s.Len()*d)
	labels := make([]int64, s.Len())
	for i, smp := range s.Samples {
		if len(smp.Image) != d {
			return fmt.Errorf("%w: sample %d has %d values, want %d", ErrInvalidSet, i, len(smp.Image), d)
		}
		images = append(images, smp.Image...)
		labels[i] = int64(smp.Label)
	}
	return safetensors.Write(path, []safetensors.WriteTensor{
		{Name: ImagesTensor, Shape: []int{s.Len(), s.Shape[0], s.Shape[1], s.Shape[2]}, F32: images},
		{Name: LabelsTensor, Shape: []int{s.Len()}, I64: labels},
	}, nil)
}
