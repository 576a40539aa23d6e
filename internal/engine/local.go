package engine

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/samcharles93/bitmcu/internal/mcu"
	"github.com/samcharles93/bitmcu/internal/qnn"
	"github.com/samcharles93/bitmcu/pkg/mcf"
)

// ReferenceEngine serves the reference integer model.
type ReferenceEngine struct {
	Model *qnn.Model
	info  *mcf.ModelInfo
}

// NewReference wraps an in-memory model.
func NewReference(m *qnn.Model) *ReferenceEngine { return &ReferenceEngine{Model: m, info: m.Info()} }

// OpenReference loads a packed container into the reference model.
func OpenReference(path string) (*ReferenceEngine, error) {
	if err := statModel(path); err != nil {
		return nil, err
	}
	m, info, err := qnn.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load reference model: %w", err)
	}
	return &ReferenceEngine{Model: m, info: info}, nil
}

func (e *ReferenceEngine) Name() string { return Reference }

func (e *ReferenceEngine) Infer(ctx context.Context, x []int8) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return e.Model.Predict(x)
}

func (e *ReferenceEngine) Scores(ctx context.Context, x []int8) ([]int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.Model.Forward(x)
}

func (e *ReferenceEngine) Info() *mcf.ModelInfo { return e.info }

func (e *ReferenceEngine) Close() error { return nil }

// MCUEngine serializes calls into the single-buffered MCU engine.
type MCUEngine struct {
	mu sync.Mutex
	e  *mcu.Engine
}

// OpenMCU loads a packed container into the MCU engine.
func OpenMCU(path string) (*MCUEngine, error) {
	if err := statModel(path); err != nil {
		return nil, err
	}
	e, err := mcu.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load mcu model: %w", err)
	}
	return &MCUEngine{e: e}, nil
}

func (e *MCUEngine) Name() string { return MCU }

func (e *MCUEngine) Infer(ctx context.Context, x []int8) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.e.Infer(x)
}

func (e *MCUEngine) Scores(ctx context.Context, x []int8) ([]int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	scores, err := e.e.Scores(x)
	return slices.Clone(scores), err
}

func (e *MCUEngine) Info() *mcf.ModelInfo { return e.e.Info() }

// Footprint reports the deployment memory use.
func (e *MCUEngine) Footprint() mcu.Footprint { return e.e.Footprint() }

func (e *MCUEngine) Close() error { return nil }

func statModel(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no model path", ErrUnavailable)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: model %s: %v", ErrUnavailable, path, err)
	}
	return nil
}
