// Package engine defines the Deployment Engine call contract and the
// adapters that satisfy it: the reference integer model, the in-process
// MCU engine, an external process and a remote HTTP engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/bitmcu/pkg/mcf"
)

var ErrUnavailable = errors.New("engine: unavailable")

const (
	Reference = "reference"
	MCU       = "mcu"
	Process   = "process"
	HTTP      = "http"
)

// Engine classifies one quantized input vector. Implementations must be safe
// for concurrent use.
type Engine interface {
	Name() string
	Infer(ctx context.Context, x []int8) (uint32, error)
	Close() error
}

// Checker is implemented by engines whose availability can be verified
// before a run starts.
type Checker interface {
	Check(ctx context.Context) error
}

// Scorer is implemented by engines that expose the per-class integer scores
// behind their decision.
type Scorer interface {
	Scores(ctx context.Context, x []int8) ([]int32, error)
}

// Options selects and configures an engine.
type Options struct {
	Kind string
	// ModelPath is the packed container for reference and mcu engines.
	ModelPath string
	// Command is the external engine binary and its arguments.
	Command []string
	// URL is the base address of a remote engine.
	URL     string
	Timeout time.Duration
}

// Normalize resolves an engine kind name.
func Normalize(name string) (string, error) {
	kind := strings.ToLower(strings.TrimSpace(name))
	switch kind {
	case "", MCU:
		return MCU, nil
	case Reference, "ref":
		return Reference, nil
	case Process, "exec":
		return Process, nil
	case HTTP, "remote":
		return HTTP, nil
	}
	return "", fmt.Errorf("unknown engine %q (expected reference, mcu, process, or http)", name)
}

// Available returns the comma-separated list of engine kinds.
func Available() string {
	return strings.Join([]string{Reference, MCU, Process, HTTP}, ",")
}

// New creates the engine described by opts.
func New(opts Options) (Engine, error) {
	kind, err := Normalize(opts.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case Reference:
		return OpenReference(opts.ModelPath)
	case MCU:
		return OpenMCU(opts.ModelPath)
	case Process:
		return NewProcess(opts.Command, opts.Timeout)
	default:
		return NewHTTP(opts.URL, opts.Timeout)
	}
}

// Describer is implemented by engines that know the packed model they run.
type Describer interface {
	Info() *mcf.ModelInfo
}

// Check runs the availability check of e if it has one.
func Check(ctx context.Context, e Engine) error {
	if c, ok := e.(Checker); ok {
		return c.Check(ctx)
	}
	return nil
}
