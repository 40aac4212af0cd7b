// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package audio

import "context"

// RoleStats is a read-only snapshot of one role's state.
type RoleStats struct {
	Role            Role
	State           string
	SubscriberCount int
	SampleRate      uint32
	BufferFrames    uint32
	InputChannels   uint32
	OutputChannels  uint32
}

// Stats returns a point-in-time snapshot of every role's state and
// subscriber count, for diagnostics. It never touches re.reader, the
// pre-registered Reader the real-time trampoline owns: that Reader is
// documented as single-goroutine-owned, and a concurrent Read from a
// control-thread goroutine would race its depth/generation bookkeeping
// against the audio thread's own in-flight read section. Stats instead
// takes its own ad-hoc read via SubscriberSet.Snapshot, the same seam
// control-thread bulk operations like StartRole/StopRole use.
func (dm *DeviceManager) Stats(ctx context.Context) []RoleStats {
	out := make([]RoleStats, 0, numRoles)
	for i := range dm.roles {
		re := dm.roles[i]
		var state roleState
		if err := re.mu.Lock(ctx); err == nil {
			state = re.state
			re.mu.Unlock()
		}

		n := len(re.subscribers.Snapshot())

		out = append(out, RoleStats{
			Role:            Role(i),
			State:           state.String(),
			SubscriberCount: n,
			SampleRate:      re.sampleRate.Load(),
			BufferFrames:    re.bufferFrames.Load(),
			InputChannels:   re.inputChans.Load(),
			OutputChannels:  re.outputChans.Load(),
		})
	}
	return out
}
