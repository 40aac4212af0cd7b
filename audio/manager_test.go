// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package audio_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/audiocore/audio"
	"github.com/grailbio/audiocore/audio/backend/fake"
)

// spy records every output buffer it observes.
type spy struct {
	mu      sync.Mutex
	buffers [][]float32
}

func (s *spy) Prepare(sampleRate, bufferFrames uint32) error { return nil }

func (s *spy) Process(output, input []float32, frames, inputChannels, outputChannels uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(output))
	copy(cp, output)
	s.buffers = append(s.buffers, cp)
}

func (s *spy) Release() {}

func (s *spy) snapshot() [][]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]float32, len(s.buffers))
	copy(out, s.buffers)
	return out
}

type sine struct {
	freq, sampleRate float64
	phase            float64
}

func (s *sine) Prepare(sampleRate, bufferFrames uint32) error {
	s.sampleRate = float64(sampleRate)
	return nil
}

func (s *sine) Process(output, input []float32, frames, inputChannels, outputChannels uint32) {
	for i := range output {
		output[i] = 1 // non-zero marker is all S2 needs
	}
}

func (s *sine) Release() {}

// recording subscriber tracking prepare/release call counts, for S4.
type lifecycleSub struct {
	mu              sync.Mutex
	prepares        int
	releases        int
	processesBefore int // processes observed strictly between first prepare and first release
}

func (l *lifecycleSub) Prepare(sampleRate, bufferFrames uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prepares++
	return nil
}

func (l *lifecycleSub) Process(output, input []float32, frames, inputChannels, outputChannels uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.prepares > 0 && l.releases == 0 {
		l.processesBefore++
	}
}

func (l *lifecycleSub) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
}

func newManager(t *testing.T) (*audio.DeviceManager, *fake.Backend) {
	t.Helper()
	be := fake.New(fake.Config{})
	dm, err := audio.NewDeviceManager(be)
	if err != nil {
		t.Fatalf("NewDeviceManager: %v", err)
	}
	return dm, be
}

// S2: a single output role, a sine source and a spy added second; the
// spy must observe non-zero frames of the requested length.
func TestPlaybackDispatchS2(t *testing.T) {
	dm, _ := newManager(t)
	ctx := context.Background()

	out := audio.DeviceInfo{Name: "out", Kind: audio.KindOutput, SampleRates: []uint32{48000}}
	opts := audio.InitialiseOptions{Output: &out, SampleRate: 48000, BufferFrames: 256, OutputChannels: 2}
	if err := dm.Initialise(ctx, opts); err != nil {
		t.Fatalf("Initialise: %v", err)
	}

	src := &sine{}
	sp := &spy{}
	if err := dm.AddCallback(ctx, audio.Playback, src); err != nil {
		t.Fatalf("AddCallback(src): %v", err)
	}
	if err := dm.AddCallback(ctx, audio.Playback, sp); err != nil {
		t.Fatalf("AddCallback(spy): %v", err)
	}

	if err := dm.StartRole(ctx, audio.Playback); err != nil {
		t.Fatalf("StartRole: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(sp.snapshot()) >= 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dispatch")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := dm.StopRole(ctx, audio.Playback); err != nil {
		t.Fatalf("StopRole: %v", err)
	}
	if err := dm.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	bufs := sp.snapshot()
	for _, b := range bufs {
		if len(b) != 256*2 {
			t.Fatalf("got buffer length %d, want %d", len(b), 256*2)
		}
		allZero := true
		for _, v := range b {
			if v != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			t.Fatal("spy observed an all-zero buffer, want non-zero sine output")
		}
	}
}

// order records, under lock, the registration-order identity of every
// subscriber dispatched in one Process call.
type orderRecorder struct {
	name string
	mu   *sync.Mutex
	log  *[]string
}

func (o *orderRecorder) Prepare(sampleRate, bufferFrames uint32) error { return nil }

func (o *orderRecorder) Process(output, input []float32, frames, inputChannels, outputChannels uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	*o.log = append(*o.log, o.name)
}

func (o *orderRecorder) Release() {}

// S3: add A, B, C in order, remove B, start: every dispatch observes
// exactly A then C, in that order.
func TestSubscriberOrderAfterRemoveS3(t *testing.T) {
	dm, _ := newManager(t)
	ctx := context.Background()

	out := audio.DeviceInfo{Name: "out", Kind: audio.KindOutput, SampleRates: []uint32{48000}}
	opts := audio.InitialiseOptions{Output: &out, SampleRate: 48000, BufferFrames: 256, OutputChannels: 2}
	if err := dm.Initialise(ctx, opts); err != nil {
		t.Fatalf("Initialise: %v", err)
	}

	var mu sync.Mutex
	var log []string
	a := &orderRecorder{name: "A", mu: &mu, log: &log}
	b := &orderRecorder{name: "B", mu: &mu, log: &log}
	c := &orderRecorder{name: "C", mu: &mu, log: &log}

	for _, s := range []*orderRecorder{a, b, c} {
		if err := dm.AddCallback(ctx, audio.Playback, s); err != nil {
			t.Fatalf("AddCallback(%s): %v", s.name, err)
		}
	}
	if err := dm.RemoveCallback(ctx, audio.Playback, b); err != nil {
		t.Fatalf("RemoveCallback(B): %v", err)
	}
	if err := dm.StartRole(ctx, audio.Playback); err != nil {
		t.Fatalf("StartRole: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if err := dm.StopRole(ctx, audio.Playback); err != nil {
		t.Fatalf("StopRole: %v", err)
	}
	if err := dm.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(log) == 0 {
		t.Fatal("no dispatches observed")
	}
	if len(log)%2 != 0 {
		t.Fatalf("got odd number of subscriber invocations %d, want pairs of A,C", len(log))
	}
	for i := 0; i < len(log); i += 2 {
		if log[i] != "A" || log[i+1] != "C" {
			t.Fatalf("dispatch %d: got %v, want A then C", i/2, log[i:i+2])
		}
	}
}

// S4: adding a subscriber while Running calls Prepare exactly once
// before its first Process, and removing it while Running calls
// Release exactly once after its last Process.
func TestAddRemoveWhileRunningS4(t *testing.T) {
	dm, _ := newManager(t)
	ctx := context.Background()

	out := audio.DeviceInfo{Name: "out", Kind: audio.KindOutput, SampleRates: []uint32{48000}}
	opts := audio.InitialiseOptions{Output: &out, SampleRate: 48000, BufferFrames: 256, OutputChannels: 2}
	if err := dm.Initialise(ctx, opts); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	if err := dm.StartRole(ctx, audio.Playback); err != nil {
		t.Fatalf("StartRole: %v", err)
	}

	d := &lifecycleSub{}
	if err := dm.AddCallback(ctx, audio.Playback, d); err != nil {
		t.Fatalf("AddCallback(D): %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := dm.RemoveCallback(ctx, audio.Playback, d); err != nil {
		t.Fatalf("RemoveCallback(D): %v", err)
	}

	if err := dm.StopRole(ctx, audio.Playback); err != nil {
		t.Fatalf("StopRole: %v", err)
	}
	if err := dm.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.prepares != 1 {
		t.Fatalf("got %d Prepare calls, want exactly 1", d.prepares)
	}
	if d.releases != 1 {
		t.Fatalf("got %d Release calls, want exactly 1", d.releases)
	}
	if d.processesBefore == 0 {
		t.Fatal("want at least one Process call between Prepare and Release")
	}
}

// S5: a backend buffer-size reroute changes the frames delivered to
// the next Process call, without crashing.
func TestRerouteChangesFrameCountS5(t *testing.T) {
	dm, be := newManager(t)
	ctx := context.Background()

	out := audio.DeviceInfo{Name: "out", Kind: audio.KindOutput, SampleRates: []uint32{48000}}
	opts := audio.InitialiseOptions{Output: &out, SampleRate: 48000, BufferFrames: 256, OutputChannels: 2}
	if err := dm.Initialise(ctx, opts); err != nil {
		t.Fatalf("Initialise: %v", err)
	}

	var mu sync.Mutex
	var lastFrames uint32
	rec := &frameRecorder{mu: &mu, frames: &lastFrames}
	if err := dm.AddCallback(ctx, audio.Playback, rec); err != nil {
		t.Fatalf("AddCallback: %v", err)
	}
	if err := dm.StartRole(ctx, audio.Playback); err != nil {
		t.Fatalf("StartRole: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	got := lastFrames
	mu.Unlock()
	if got != 256 {
		t.Fatalf("got frames %d before reroute, want 256", got)
	}

	if err := be.Reroute(audio.Playback, 512); err != nil {
		t.Fatalf("Reroute: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		got = lastFrames
		mu.Unlock()
		if got == 512 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("got frames %d, want 512 after reroute", got)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := dm.StopRole(ctx, audio.Playback); err != nil {
		t.Fatalf("StopRole: %v", err)
	}
	if err := dm.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

type frameRecorder struct {
	mu     *sync.Mutex
	frames *uint32
}

func (r *frameRecorder) Prepare(sampleRate, bufferFrames uint32) error { return nil }

func (r *frameRecorder) Process(output, input []float32, frames, inputChannels, outputChannels uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.frames = frames
}

func (r *frameRecorder) Release() {}
