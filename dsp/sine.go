// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dsp provides minimal audio.Subscriber implementations used
// as reference signal sources and processors in tests and examples:
// a sine oscillator and a linear gain stage.
package dsp

import "math"

// Sine is an audio.Subscriber that writes a sine wave to every output
// channel. It is safe to register on at most one role's SubscriberSet
// at a time; Prepare resets its phase.
type Sine struct {
	// FrequencyHz is the oscillator frequency. Must be set before
	// Prepare is called.
	FrequencyHz float64
	// Amplitude scales the output, nominally in [0, 1].
	Amplitude float32

	sampleRate float64
	phase      float64
}

// Prepare implements audio.Subscriber.
func (s *Sine) Prepare(sampleRate, bufferFrames uint32) error {
	s.sampleRate = float64(sampleRate)
	s.phase = 0
	return nil
}

// Process implements audio.Subscriber. It adds its signal into output
// rather than overwriting it, so it composes with other sources on the
// same role.
func (s *Sine) Process(output, input []float32, frames, inputChannels, outputChannels uint32) {
	if output == nil || outputChannels == 0 || s.sampleRate == 0 {
		return
	}
	step := 2 * math.Pi * s.FrequencyHz / s.sampleRate
	amp := s.Amplitude
	if amp == 0 {
		amp = 1
	}
	for f := uint32(0); f < frames; f++ {
		v := amp * float32(math.Sin(s.phase))
		s.phase += step
		base := f * outputChannels
		for ch := uint32(0); ch < outputChannels; ch++ {
			output[base+ch] += v
		}
	}
	if s.phase > 2*math.Pi {
		s.phase = math.Mod(s.phase, 2*math.Pi)
	}
}

// Release implements audio.Subscriber.
func (s *Sine) Release() {}
