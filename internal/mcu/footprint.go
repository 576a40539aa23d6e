package mcu

// Footprint is the memory a deployment needs.
type Footprint struct {
	// WeightBytes is packed weights plus zero-group masks.
	WeightBytes int
	// ParamBytes is the Q15 multipliers and shifts, 4 and 1 bytes each.
	ParamBytes int
	// ActivationBytes is the two ping-pong activation buffers.
	ActivationBytes int
	// AccumulatorBytes is the int32 accumulator buffer.
	AccumulatorBytes int
}

// Flash is the read-only storage the model occupies.
func (f Footprint) Flash() int { return f.WeightBytes + f.ParamBytes }

// RAM is the working memory one inference needs.
func (f Footprint) RAM() int { return f.ActivationBytes + f.AccumulatorBytes }

// Footprint reports the memory use of the loaded network.
func (e *Engine) Footprint() Footprint {
	var fp Footprint
	for _, l := range e.layers {
		fp.WeightBytes += len(l.w) + len(l.zero)
		fp.ParamBytes += 4*len(l.mult) + 1
	}
	fp.ActivationBytes = len(e.act[0]) + len(e.act[1])
	fp.AccumulatorBytes = 4 * len(e.acc)
	return fp
}
