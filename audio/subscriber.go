// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package audio

// Subscriber is implemented by external components -- DSP chains,
// file encoders, meters -- that participate in audio dispatch. The
// core never owns a Subscriber; it only borrows the handle between
// AddCallback and the matching RemoveCallback.
type Subscriber interface {
	// Prepare is invoked on a non-real-time thread before the first
	// Process call after the role (re)starts. It may allocate. If
	// Prepare returns an error, the subscriber is not added to (or not
	// started on) the role, and the error is reported to the caller of
	// AddCallback or StartRole.
	Prepare(sampleRate, bufferFrames uint32) error

	// Process is invoked on the backend's real-time thread once per
	// buffer. It must be non-allocating, non-blocking, and bounded: no
	// syscalls beyond what the backend itself performs, no mutex
	// acquisition, no memory allocation. output and input are
	// interleaved float32 samples sized frames*outputChannels and
	// frames*inputChannels respectively; output is nil for a
	// capture-only dispatch and input is nil for a playback-only one.
	// Process may read, but must not mutate, registry state of this
	// package; it may perform lock-free rcu.Reader.Read calls against
	// externally shared data.
	Process(output, input []float32, frames, inputChannels, outputChannels uint32)

	// Release is invoked on a non-real-time thread after the last
	// Process call for this registration, symmetric to Prepare.
	Release()
}
