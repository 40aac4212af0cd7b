// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package audio implements the device manager and per-role dispatch
// described in this repository's originating specification: device
// enumeration, role lifecycle (initialise/start/stop/shutdown), and
// RCU-protected subscriber lists that let a driver's real-time thread
// dispatch audio buffers to dynamically-changing subscribers without
// ever allocating or taking a lock.
package audio

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/grailbio/audiocore/errors"
	"github.com/grailbio/audiocore/rcu"
	"github.com/grailbio/audiocore/sync/ctxsync"
	"github.com/grailbio/audiocore/sync/multierror"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSampleRate   = 44100
	defaultBufferFrames = 512
)

// roleEntry holds the per-role state machine and SubscriberSet
// described in spec.md §4.2. sampleRate/bufferFrames/*Channels are
// written once by initialiseRole and read (via atomics, so the
// real-time trampoline never takes roleEntry.mu) for the lifetime of
// the role; the invariant that a running role cannot be reconfigured
// means they never change concurrently with a read.
type roleEntry struct {
	mu          ctxsync.Mutex // serializes control-thread transitions for this role, context-cancelable
	state       roleState
	device      Device
	subscribers *SubscriberSet
	reader      *rcu.Reader[[]Subscriber]

	sampleRate   atomic.Uint32
	bufferFrames atomic.Uint32
	inputChans   atomic.Uint32
	outputChans  atomic.Uint32
}

// DeviceManager is the process-wide coordinator described in spec.md
// §3-4: it owns a Backend adapter, the three role state machines, and
// their SubscriberSets, and routes the backend's data callback and
// notifications.
type DeviceManager struct {
	backend Backend
	roles   [numRoles]*roleEntry

	notifyCB atomic.Pointer[NotificationCallback]
	logCB    atomic.Pointer[LogCallback]
}

// NewDeviceManager constructs a DeviceManager bound to backend, and
// initialises the backend's context.
func NewDeviceManager(backend Backend) (*DeviceManager, error) {
	if err := backend.Init(); err != nil {
		return nil, errors.E(errors.BackendInitFailed, "initialising backend context", err)
	}
	dm := &DeviceManager{backend: backend}
	for i := range dm.roles {
		re := &roleEntry{subscribers: newSubscriberSet()}
		re.reader = re.subscribers.Register()
		dm.roles[i] = re
	}
	backend.SetNotificationCallback(dm.handleNotification)
	backend.SetLogCallback(dm.handleLog)
	return dm, nil
}

// EnumerateInputDevices returns every capture-capable device the
// backend currently sees, or an empty slice if the backend cannot
// enumerate (the failure is logged, not propagated, per spec.md §4.2).
func (dm *DeviceManager) EnumerateInputDevices() []DeviceInfo {
	return dm.enumerate(KindInput)
}

// EnumerateOutputDevices is EnumerateInputDevices for playback-capable
// devices.
func (dm *DeviceManager) EnumerateOutputDevices() []DeviceInfo {
	return dm.enumerate(KindOutput)
}

func (dm *DeviceManager) enumerate(kind DeviceKind) []DeviceInfo {
	infos, err := dm.backend.Enumerate(kind)
	if err != nil {
		dm.logf(LogError, "enumerate %s devices: %v", kind, err)
		return nil
	}
	return infos
}

// InitialiseOptions configures the roles a DeviceManager will bring
// up. At least one of Input or Output must be set.
type InitialiseOptions struct {
	Input  *DeviceInfo
	Output *DeviceInfo

	// SampleRate defaults to 44100 if zero.
	SampleRate uint32
	// BufferFrames defaults to 512 if zero.
	BufferFrames   uint32
	InputChannels  uint32
	OutputChannels uint32
}

// rolesFor returns the roles that opts selects, per spec.md §4.2: input
// only -> capture, output only -> playback, both -> playback + capture
// + duplex.
func (opts InitialiseOptions) rolesFor() []Role {
	switch {
	case opts.Input != nil && opts.Output != nil:
		return []Role{Playback, Capture, Duplex}
	case opts.Output != nil:
		return []Role{Playback}
	case opts.Input != nil:
		return []Role{Capture}
	default:
		return nil
	}
}

// Initialise brings up the roles selected by opts. It is never
// partial: if any role fails to initialise, every role this call
// already initialised is torn down before Initialise returns.
func (dm *DeviceManager) Initialise(ctx context.Context, opts InitialiseOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	roles := opts.rolesFor()
	if roles == nil {
		return errors.E(errors.InvalidConfiguration, "initialise requires an input, an output, or both")
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = defaultSampleRate
	}
	if opts.BufferFrames == 0 {
		opts.BufferFrames = defaultBufferFrames
	}

	var initialised []Role
	for _, role := range roles {
		if err := dm.initialiseRole(ctx, role, opts); err != nil {
			me := multierror.NewMultiError(len(initialised) + 1)
			me.Add(err)
			for _, r := range initialised {
				me.Add(dm.teardownRole(ctx, r))
			}
			return me.ErrorOrNil()
		}
		initialised = append(initialised, role)
	}
	return nil
}

func (dm *DeviceManager) initialiseRole(ctx context.Context, role Role, opts InitialiseOptions) error {
	re := dm.roles[role]
	if err := re.mu.Lock(ctx); err != nil {
		return err
	}
	defer re.mu.Unlock()

	cfg := DeviceConfig{
		SampleRate:     opts.SampleRate,
		BufferFrames:   opts.BufferFrames,
		InputChannels:  opts.InputChannels,
		OutputChannels: opts.OutputChannels,
	}
	var in, out *DeviceInfo
	switch role {
	case Capture:
		in = opts.Input
		cfg.OutputChannels = 0
	case Playback:
		out = opts.Output
		cfg.InputChannels = 0
	case Duplex:
		in, out = opts.Input, opts.Output
	}

	dev, err := dm.backend.CreateDevice(role, in, out, cfg, dm.trampoline)
	if err != nil {
		return errors.E(errors.BackendInitFailed, fmt.Sprintf("initialise %s role", role), err)
	}
	re.device = dev
	re.state = stateInitialised
	re.sampleRate.Store(cfg.SampleRate)
	re.bufferFrames.Store(cfg.BufferFrames)
	re.inputChans.Store(cfg.InputChannels)
	re.outputChans.Store(cfg.OutputChannels)
	return nil
}

// teardownRole stops (if running) and closes (if initialised) a
// role's device, returning it to Uninitialised. It is idempotent.
func (dm *DeviceManager) teardownRole(ctx context.Context, role Role) error {
	re := dm.roles[role]
	if err := re.mu.Lock(ctx); err != nil {
		return err
	}
	defer re.mu.Unlock()
	return dm.teardownRoleLocked(re)
}

func (dm *DeviceManager) teardownRoleLocked(re *roleEntry) error {
	if re.state == stateUninitialised {
		return nil
	}
	var err error
	if re.state == stateRunning {
		if stopErr := re.device.Stop(); stopErr != nil {
			err = stopErr
		}
		for _, sub := range re.subscribers.Snapshot() {
			sub.Release()
		}
	}
	if re.device != nil {
		if closeErr := re.device.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		re.device = nil
	}
	re.state = stateUninitialised
	return err
}

// StartRole transitions role from Initialised to Running. It is
// idempotent if already Running, and fails with NotInitialised if the
// role was never initialised. Every subscriber currently registered on
// the role has Prepare called, in registration order, before the
// backend device is started.
func (dm *DeviceManager) StartRole(ctx context.Context, role Role) error {
	re := dm.roles[role]
	if err := re.mu.Lock(ctx); err != nil {
		return err
	}
	defer re.mu.Unlock()

	switch re.state {
	case stateRunning:
		return nil
	case stateUninitialised:
		return errors.E(errors.NotInitialised, fmt.Sprintf("start %s", role))
	}

	for _, sub := range re.subscribers.Snapshot() {
		if err := sub.Prepare(re.sampleRate.Load(), re.bufferFrames.Load()); err != nil {
			return errors.E(errors.BackendInitFailed, fmt.Sprintf("prepare subscriber for %s", role), err)
		}
	}
	if err := re.device.Start(); err != nil {
		return errors.E(errors.BackendRuntime, fmt.Sprintf("start %s", role), err)
	}
	re.state = stateRunning
	return nil
}

// StopRole transitions role from Running to Initialised. It is
// idempotent if already stopped. Every subscriber still registered on
// the role has Release called, in registration order, after the
// backend device has stopped delivering buffers.
func (dm *DeviceManager) StopRole(ctx context.Context, role Role) error {
	re := dm.roles[role]
	if err := re.mu.Lock(ctx); err != nil {
		return err
	}
	defer re.mu.Unlock()
	return dm.stopRoleLocked(re, role)
}

func (dm *DeviceManager) stopRoleLocked(re *roleEntry, role Role) error {
	if re.state != stateRunning {
		return nil
	}
	if err := re.device.Stop(); err != nil {
		return errors.E(errors.BackendRuntime, fmt.Sprintf("stop %s", role), err)
	}
	for _, sub := range re.subscribers.Snapshot() {
		sub.Release()
	}
	re.state = stateInitialised
	return nil
}

// Shutdown stops every running role, closes every initialised device,
// and tears down the backend context. Roles are stopped concurrently,
// since stopping one role's backend device never depends on another's.
func (dm *DeviceManager) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for i := range dm.roles {
		role := Role(i)
		g.Go(func() error { return dm.StopRole(ctx, role) })
	}
	stopErr := g.Wait()

	me := multierror.NewMultiError(numRoles + 2)
	me.Add(stopErr)
	for i := range dm.roles {
		me.Add(dm.teardownRole(ctx, Role(i)))
	}
	if err := dm.backend.Close(); err != nil {
		me.Add(errors.E(errors.BackendRuntime, "closing backend context", err))
	}
	return me.ErrorOrNil()
}

// AddCallback registers sub on role's SubscriberSet, appending it in
// registration order; duplicate handles are permitted. If role is
// currently Running, sub.Prepare is called, and must succeed, before
// sub becomes visible to the dispatch trampoline. re.mu is held for
// the whole check-then-act sequence, so a concurrent StartRole or
// StopRole can never interleave between the Running check and the
// Add (which would otherwise risk publishing an un-Prepared subscriber
// to an already-running role).
func (dm *DeviceManager) AddCallback(ctx context.Context, role Role, sub Subscriber) error {
	re := dm.roles[role]
	if err := re.mu.Lock(ctx); err != nil {
		return err
	}
	defer re.mu.Unlock()
	lc := re.runningLifecycleLocked()
	_, err := re.subscribers.Add(sub, lc)
	return err
}

// RemoveCallback deletes the first occurrence of sub from role's
// SubscriberSet; absence is a no-op. If role is currently Running,
// RemoveCallback blocks until no in-flight dispatch can still be
// observing sub before calling sub.Release. re.mu is held for the
// whole check-then-act sequence, so a concurrent StopRole can never
// observe and Release sub out from under a RemoveCallback that also
// captured it as Running (which would otherwise double-Release it).
func (dm *DeviceManager) RemoveCallback(ctx context.Context, role Role, sub Subscriber) error {
	re := dm.roles[role]
	if err := re.mu.Lock(ctx); err != nil {
		return err
	}
	defer re.mu.Unlock()
	lc := re.runningLifecycleLocked()
	_, _, err := re.subscribers.Remove(sub, lc)
	return err
}

// runningLifecycleLocked returns the role's current Lifecycle if it is
// Running, nil otherwise. Caller must hold re.mu.
func (re *roleEntry) runningLifecycleLocked() *Lifecycle {
	if re.state != stateRunning {
		return nil
	}
	return &Lifecycle{SampleRate: re.sampleRate.Load(), BufferFrames: re.bufferFrames.Load()}
}

// SetDeviceNotificationCallback installs the single slot for backend
// lifecycle notifications; passing nil clears it.
func (dm *DeviceManager) SetDeviceNotificationCallback(cb func(Notification)) {
	if cb == nil {
		dm.notifyCB.Store(nil)
		return
	}
	fn := NotificationCallback(cb)
	dm.notifyCB.Store(&fn)
}

// SetLogCallback installs the single slot for the core's own log
// output; passing nil clears it (reverting to no-op).
func (dm *DeviceManager) SetLogCallback(cb func(LogLevel, string)) {
	if cb == nil {
		dm.logCB.Store(nil)
		return
	}
	fn := LogCallback(cb)
	dm.logCB.Store(&fn)
}

func (dm *DeviceManager) handleNotification(n Notification) {
	if n.Kind == Stopped || n.Kind == Unlocked || n.Kind == InterruptionBegan {
		dm.logf(LogError, "%s: %s (%s)", n.Role, n.Kind, n.Detail)
	}
	if p := dm.notifyCB.Load(); p != nil {
		(*p)(n)
	}
}

func (dm *DeviceManager) handleLog(level LogLevel, message string) {
	dm.logf(level, "%s", message)
}

func (dm *DeviceManager) logf(level LogLevel, format string, args ...interface{}) {
	if p := dm.logCB.Load(); p != nil {
		(*p)(level, fmt.Sprintf(format, args...))
		return
	}
}

// SampleRate, BufferFrames, InputChannels and OutputChannels return
// role's negotiated configuration, or zero if the role has never been
// initialised.
func (dm *DeviceManager) SampleRate(role Role) uint32     { return dm.roles[role].sampleRate.Load() }
func (dm *DeviceManager) BufferFrames(role Role) uint32   { return dm.roles[role].bufferFrames.Load() }
func (dm *DeviceManager) InputChannels(role Role) uint32  { return dm.roles[role].inputChans.Load() }
func (dm *DeviceManager) OutputChannels(role Role) uint32 { return dm.roles[role].outputChans.Load() }
