// Package verify runs held-out samples through a deployment engine and the
// reference integer model and reports where they disagree.
package verify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/bitmcu/internal/engine"
	"github.com/samcharles93/bitmcu/internal/logger"
	"github.com/samcharles93/bitmcu/internal/model"
	"github.com/samcharles93/bitmcu/internal/qnn"
	"github.com/samcharles93/bitmcu/internal/samples"
	"github.com/samcharles93/bitmcu/pkg/quant"
)

// Driver compares a deployment engine against the reference model.
type Driver struct {
	Reference *qnn.Model
	Deploy    engine.Engine
	// Float is the trained model; when set its accuracy is reported too.
	Float *model.FloatModel
	// Workers > 1 evaluates samples concurrently. Results are merged in
	// sample order.
	Workers int
	Log     logger.Logger
}

type outcome struct {
	input     []int8
	reference uint32
	deploy    uint32
	deployErr error
	float     uint32
	floatErr  error
}

// Run evaluates every sample of set. Disagreements and engine call failures
// are recorded and never stop the run; only a broken reference model or a
// cancelled context does.
func (d *Driver) Run(ctx context.Context, set *samples.Set) (*Report, error) {
	if err := d.Preflight(ctx, set); err != nil {
		return nil, err
	}
	log := d.Log
	if log == nil {
		log = logger.FromContext(ctx)
	}
	log = log.With("component", "verify", "engine", d.Deploy.Name())

	rep := &Report{
		RunID:   uuid.NewString(),
		Model:   d.Reference.Name,
		Engine:  d.Deploy.Name(),
		Samples: set.Len(),
		Started: time.Now().UTC(),
	}
	if d.Float != nil {
		rep.FloatCorrect = new(int)
	}
	log.Info("verification started", "run_id", rep.RunID, "samples", set.Len(), "workers", max(d.Workers, 1))

	outcomes, err := d.evaluate(ctx, set)
	if err != nil {
		return nil, err
	}
	for i, o := range outcomes {
		s := set.Samples[i]
		if d.Float != nil && o.floatErr == nil && o.float == uint32(s.Label) {
			*rep.FloatCorrect++
		}
		if o.reference == uint32(s.Label) {
			rep.ReferenceCorrect++
		}
		if o.deployErr != nil {
			log.Warn("engine call failed", "sample", s.Index, "error", o.deployErr)
			rep.Errors = append(rep.Errors, EngineError{Index: s.Index, Label: s.Label, Message: o.deployErr.Error()})
			continue
		}
		if o.deploy == uint32(s.Label) {
			rep.DeployCorrect++
		}
		if o.deploy != o.reference {
			log.Warn("engines disagree", "sample", s.Index, "deploy", o.deploy, "reference", o.reference, "true", s.Label)
			rep.Mismatches = append(rep.Mismatches, Mismatch{
				Index:     s.Index,
				Label:     s.Label,
				Deploy:    o.deploy,
				Reference: o.reference,
				Input:     o.input,
			})
		}
	}
	rep.Duration = time.Since(rep.Started)
	log.Info("verification finished", "run_id", rep.RunID,
		"mismatches", len(rep.Mismatches), "errors", len(rep.Errors), "elapsed", rep.Duration)
	return rep, nil
}

func (d *Driver) evaluate(ctx context.Context, set *samples.Set) ([]outcome, error) {
	out := make([]outcome, set.Len())
	workers := min(max(d.Workers, 1), set.Len())
	if workers == 1 {
		for i := range set.Samples {
			if err := d.sample(ctx, set.Samples[i], &out[i]); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	next := make(chan int)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for range workers {
		wg.Go(func() {
			for i := range next {
				if err := d.sample(ctx, set.Samples[i], &out[i]); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					cancel()
				}
			}
		})
	}
feed:
	for i := range set.Samples {
		select {
		case next <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(next)
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return out, context.Cause(ctx)
}

func (d *Driver) sample(ctx context.Context, s samples.Sample, o *outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x, _ := quant.ScaleInput(s.Image)
	o.input = x
	ref, err := d.Reference.Predict(x)
	if err != nil {
		return fmt.Errorf("reference model, sample %d: %w", s.Index, err)
	}
	o.reference = ref
	o.deploy, o.deployErr = d.Deploy.Infer(ctx, x)
	if o.deployErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if d.Float != nil {
		o.float, o.floatErr = d.Float.Predict(s.Image)
	}
	return nil
}
