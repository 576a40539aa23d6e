package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/bitmcu/internal/engine"
	"github.com/samcharles93/bitmcu/internal/qnn"
	"github.com/samcharles93/bitmcu/internal/samples"
)

var ErrNoSamples = errors.New("verify: no samples")

// Preflight checks everything a run depends on before the first sample is
// evaluated, so a missing engine fails fast instead of as N errors.
func (d *Driver) Preflight(ctx context.Context, set *samples.Set) error {
	if d.Reference == nil {
		return errors.New("verify: no reference model")
	}
	if d.Deploy == nil {
		return fmt.Errorf("%w: no deployment engine", engine.ErrUnavailable)
	}
	if set == nil || set.Len() == 0 {
		return ErrNoSamples
	}
	if got, want := set.SampleLen(), d.Reference.InputLen(); got != want {
		return fmt.Errorf("%w: samples have %d values, model %s expects %d",
			qnn.ErrShapeMismatch, got, d.Reference.Name, want)
	}
	if d.Float != nil {
		if got, want := d.Float.Arch.InputLen(), d.Reference.InputLen(); got != want {
			return fmt.Errorf("%w: float model expects %d values, reference %d",
				qnn.ErrShapeMismatch, got, want)
		}
	}
	if err := engine.Check(ctx, d.Deploy); err != nil {
		return fmt.Errorf("engine %s: %w", d.Deploy.Name(), err)
	}
	return nil
}
