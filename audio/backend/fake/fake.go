// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fake implements a synthetic audio.Backend, driven by a
// goroutine ticking at the configured buffer period instead of a real
// platform driver. It exists so the core and its tests can exercise
// the full device lifecycle -- enumerate, initialise, start, dispatch,
// stop, shutdown -- without any platform audio library, per the
// scenarios in this repository's originating specification.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/audiocore/audio"
	"github.com/grailbio/audiocore/errors"
	"github.com/grailbio/audiocore/sync/once"
	"golang.org/x/sync/errgroup"
)

// deviceID is the fake backend's only device, always reported present
// for both input and output enumeration.
var deviceID = []byte("fake-device-0")

// Config controls the synthetic backend's behavior, primarily for
// tests that want deterministic timing or induced failures.
type Config struct {
	// Rates are the sample rates Enumerate reports as supported.
	// Defaults to {44100, 48000} if empty.
	Rates []uint32
	// FailInit, if set, makes Init fail with this error.
	FailInit error
	// FailCreateDevice, if set, makes every CreateDevice call fail with
	// this error.
	FailCreateDevice error
}

// Backend is a synthetic audio.Backend. The zero value is not usable;
// construct one with New.
type Backend struct {
	cfg Config

	initOnce once.Task

	mu      sync.Mutex
	devices map[audio.Role]*device

	notifyCB audio.NotificationCallback
	logCB    audio.LogCallback
}

// New constructs a fake Backend with the given configuration.
func New(cfg Config) *Backend {
	if len(cfg.Rates) == 0 {
		cfg.Rates = []uint32{44100, 48000}
	}
	return &Backend{cfg: cfg, devices: make(map[audio.Role]*device)}
}

// Init implements audio.Backend.
func (b *Backend) Init() error {
	return b.initOnce.Do(func() error {
		return b.cfg.FailInit
	})
}

// Close implements audio.Backend. It stops every device this backend
// ever created that is still running.
func (b *Backend) Close() error {
	b.mu.Lock()
	devs := make([]*device, 0, len(b.devices))
	for _, d := range b.devices {
		devs = append(devs, d)
	}
	b.devices = make(map[audio.Role]*device)
	b.mu.Unlock()

	var g errgroup.Group
	for _, d := range devs {
		d := d
		g.Go(d.Stop)
	}
	return g.Wait()
}

// Enumerate implements audio.Backend.
func (b *Backend) Enumerate(kind audio.DeviceKind) ([]audio.DeviceInfo, error) {
	info := audio.DeviceInfo{Name: "fake", Kind: kind, SampleRates: b.cfg.Rates, ID: deviceID}
	return []audio.DeviceInfo{info}, nil
}

// CreateDevice implements audio.Backend.
func (b *Backend) CreateDevice(role audio.Role, input, output *audio.DeviceInfo, cfg audio.DeviceConfig, cb audio.DataCallback) (audio.Device, error) {
	if b.cfg.FailCreateDevice != nil {
		return nil, b.cfg.FailCreateDevice
	}
	if cfg.SampleRate == 0 || cfg.BufferFrames == 0 {
		return nil, errors.E(errors.InvalidConfiguration, fmt.Sprintf("fake: zero sample rate or buffer size for %s", role))
	}
	d := &device{
		backend: b,
		role:    role,
		cfg:     cfg,
		cb:      cb,
		period:  time.Duration(cfg.BufferFrames) * time.Second / time.Duration(cfg.SampleRate),
	}

	b.mu.Lock()
	b.devices[role] = d
	b.mu.Unlock()
	return d, nil
}

// Reroute simulates a backend-driven route change that alters the
// buffer size delivered to role's data callback, emitting a Rerouted
// notification and causing the next Process call to receive
// newBufferFrames, per this repository's originating specification's
// reroute scenario.
func (b *Backend) Reroute(role audio.Role, newBufferFrames uint32) error {
	b.mu.Lock()
	d, ok := b.devices[role]
	b.mu.Unlock()
	if !ok {
		return errors.E(errors.DeviceNotFound, fmt.Sprintf("fake: no device for role %s", role))
	}
	d.newBuffer.Store(newBufferFrames)
	b.notify(audio.Notification{Kind: audio.Rerouted, Role: role, Detail: fmt.Sprintf("buffer=%d", newBufferFrames)})
	return nil
}

// SetNotificationCallback implements audio.Backend.
func (b *Backend) SetNotificationCallback(cb audio.NotificationCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifyCB = cb
}

// SetLogCallback implements audio.Backend.
func (b *Backend) SetLogCallback(cb audio.LogCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logCB = cb
}

func (b *Backend) notify(n audio.Notification) {
	b.mu.Lock()
	cb := b.notifyCB
	logCB := b.logCB
	b.mu.Unlock()
	if logCB != nil {
		logCB(audio.LogDebug, fmt.Sprintf("fake: %s notification for %s", n.Kind, n.Role))
	}
	if cb != nil {
		cb(n)
	}
}

// device is a single synthetic role device: a goroutine that invokes
// cb once per period, simulating the real-time callback a platform
// driver would make.
type device struct {
	backend *Backend
	role    audio.Role
	cfg     audio.DeviceConfig
	cb      audio.DataCallback
	period  time.Duration

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	newBuffer  atomic.Uint32 // non-zero: run loop should switch to this buffer size
}

// Start implements audio.Device.
func (d *device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx)
	d.backend.notify(audio.Notification{Kind: audio.Started, Role: d.role})
	return nil
}

// Stop implements audio.Device.
func (d *device) Stop() error {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	d.backend.notify(audio.Notification{Kind: audio.Stopped, Role: d.role})
	return nil
}

// Close implements audio.Device.
func (d *device) Close() error {
	return nil
}

func (d *device) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	frames := d.cfg.BufferFrames
	alloc := func() (output, input []float32) {
		if d.cfg.OutputChannels > 0 {
			output = make([]float32, frames*d.cfg.OutputChannels)
		}
		if d.cfg.InputChannels > 0 {
			input = make([]float32, frames*d.cfg.InputChannels)
		}
		return output, input
	}
	output, input := alloc()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if nb := d.newBuffer.Swap(0); nb != 0 && nb != frames {
				frames = nb
				output, input = alloc()
			}
			d.cb(d.role, output, input, frames)
		}
	}
}
