package verify

import (
	"context"
	"fmt"

	"github.com/samcharles93/bitmcu/internal/engine"
	"github.com/samcharles93/bitmcu/internal/qnn"
)

// ReplayResult is one recorded mismatch run again.
type ReplayResult struct {
	Mismatch
	GotDeploy    uint32
	GotReference uint32
	Err          error
}

// Reproduced reports whether both engines repeated their recorded answers.
func (r ReplayResult) Reproduced() bool {
	return r.Err == nil && r.GotDeploy == r.Deploy && r.GotReference == r.Reference
}

// Replay feeds every recorded mismatch vector back through both engines.
// The integer vectors are replayed as stored; no rescaling happens.
func Replay(ctx context.Context, rep *Report, ref *qnn.Model, deploy engine.Engine) ([]ReplayResult, error) {
	out := make([]ReplayResult, 0, len(rep.Mismatches))
	for _, m := range rep.Mismatches {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if len(m.Input) != ref.InputLen() {
			return out, fmt.Errorf("%w: sample %d has %d values, model expects %d",
				qnn.ErrShapeMismatch, m.Index, len(m.Input), ref.InputLen())
		}
		r := ReplayResult{Mismatch: m}
		var err error
		if r.GotReference, err = ref.Predict(m.Input); err != nil {
			return out, err
		}
		r.GotDeploy, r.Err = deploy.Infer(ctx, m.Input)
		out = append(out, r)
	}
	return out, nil
}
