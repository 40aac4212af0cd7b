// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dsp

import (
	"math"
	"sync/atomic"
)

// Gain is an audio.Subscriber applying a linear scale factor to the
// output it's asked to shape (input is left untouched), letting a
// control thread adjust level concurrently with real-time dispatch.
// LinearScale is stored as its bits in an atomic.Uint32 so that
// SetLinearScale never allocates or blocks and Process never takes a
// lock, matching the real-time constraints on audio.Subscriber.Process.
type Gain struct {
	scale atomic.Uint32
}

// NewGain constructs a Gain with the given initial linear scale factor
// (1.0 is unity gain).
func NewGain(linear float32) *Gain {
	g := &Gain{}
	g.SetLinearScale(linear)
	return g
}

// SetLinearScale updates the gain's scale factor. Safe to call
// concurrently with Process from any thread.
func (g *Gain) SetLinearScale(linear float32) {
	g.scale.Store(math.Float32bits(linear))
}

// LinearScale returns the current scale factor.
func (g *Gain) LinearScale() float32 {
	return math.Float32frombits(g.scale.Load())
}

// Prepare implements audio.Subscriber.
func (g *Gain) Prepare(sampleRate, bufferFrames uint32) error { return nil }

// Process implements audio.Subscriber. It scales output in place;
// Gain does not itself generate output, so it is meant to follow a
// source subscriber in registration order on the same role.
func (g *Gain) Process(output, input []float32, frames, inputChannels, outputChannels uint32) {
	scale := g.LinearScale()
	for i := range output {
		output[i] *= scale
	}
}

// Release implements audio.Subscriber.
func (g *Gain) Release() {}
