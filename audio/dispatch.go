// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package audio

// trampoline is the DataCallback a DeviceManager registers with the
// backend for every role's device (spec.md §6, "the driver calls into
// the core once per buffer"). It runs on the backend's real-time
// thread: it must never allocate, block, or let a panic escape to the
// backend, since an unrecovered panic there would usually crash the
// whole audio driver.
func (dm *DeviceManager) trampoline(role Role, output, input []float32, frames uint32) {
	re := dm.roles[role]
	inChans := re.inputChans.Load()
	outChans := re.outputChans.Load()

	defer func() {
		if r := recover(); r != nil {
			zeroFill(output)
			dm.logf(LogError, "panic in %s dispatch: %v", role, r)
		}
	}()

	re.reader.Read(func(subs *[]Subscriber) {
		for _, sub := range *subs {
			dispatchOne(dm, role, sub, output, input, frames, inChans, outChans)
		}
	})
}

// dispatchOne invokes a single subscriber's Process, recovering from a
// panic so that one misbehaving subscriber cannot silence or crash the
// rest of the buffer's dispatch. The panicking subscriber's share of
// output is left as whatever it already wrote (which may be partial);
// callers that need strict all-or-nothing semantics should have the
// subscriber itself guard against partial writes.
func dispatchOne(dm *DeviceManager, role Role, sub Subscriber, output, input []float32, frames, inChans, outChans uint32) {
	defer func() {
		if r := recover(); r != nil {
			dm.logf(LogError, "panic in %s subscriber %v: %v", role, sub, r)
		}
	}()
	sub.Process(output, input, frames, inChans, outChans)
}

// zeroFill silences output, used when a panic prevents knowing what
// partial data a subscriber may have left behind.
func zeroFill(output []float32) {
	for i := range output {
		output[i] = 0
	}
}
