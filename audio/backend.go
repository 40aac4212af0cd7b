// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package audio

import (
	"bytes"
	"fmt"
	"slices"
)

// DeviceKind classifies an audio device descriptor by the direction(s)
// of data flow it supports.
type DeviceKind int

const (
	// KindInput devices can only capture.
	KindInput DeviceKind = iota
	// KindOutput devices can only play back.
	KindOutput
	// KindDuplex devices can do both simultaneously.
	KindDuplex
)

func (k DeviceKind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindOutput:
		return "output"
	case KindDuplex:
		return "duplex"
	default:
		return "unknown"
	}
}

// maxDeviceIDLen bounds the backend-opaque identifier blob per
// spec.md §6 ("an opaque backend-identifier of bounded size (<= 256
// bytes)").
const maxDeviceIDLen = 256

// DeviceInfo is a backend-neutral descriptor for an enumerable audio
// device.
type DeviceInfo struct {
	Name string
	Kind DeviceKind
	// SampleRates lists every sample rate the backend reports the
	// device as supporting.
	SampleRates []uint32
	// ID is an opaque, backend-defined identifier, at most
	// maxDeviceIDLen bytes, used to re-select this device in a later
	// CreateDevice call.
	ID []byte
}

// String implements fmt.Stringer for diagnostics and log lines.
func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s [%s] rates=%v", d.Name, d.Kind, d.SampleRates)
}

// SupportsRate reports whether rate appears in d.SampleRates.
func (d DeviceInfo) SupportsRate(rate uint32) bool {
	for _, r := range d.SampleRates {
		if r == rate {
			return true
		}
	}
	return false
}

// Equal reports whether d and other describe the same device: same
// name, kind, supported rates (order-sensitive, as reported by the
// backend), and opaque ID bytes. Two DeviceInfo structs enumerated
// from different backend calls for the same underlying hardware
// compare equal as long as the backend itself reports them
// consistently.
func (d DeviceInfo) Equal(other DeviceInfo) bool {
	return d.Name == other.Name &&
		d.Kind == other.Kind &&
		slices.Equal(d.SampleRates, other.SampleRates) &&
		bytes.Equal(d.ID, other.ID)
}

// DeviceConfig is the negotiated configuration passed to
// Backend.CreateDevice.
type DeviceConfig struct {
	SampleRate     uint32
	BufferFrames   uint32
	InputChannels  uint32
	OutputChannels uint32
}

// DataCallback is the shape of the trampoline the backend invokes on
// its real-time audio thread once per buffer. frames may vary between
// calls (e.g. after a route change); callers must tolerate this.
type DataCallback func(role Role, output, input []float32, frames uint32)

// NotificationCallback receives backend lifecycle events. The backend
// may invoke it from any thread; implementations must be thread-safe.
type NotificationCallback func(Notification)

// LogCallback receives backend runtime log lines.
type LogCallback func(level LogLevel, message string)

// LogLevel mirrors the severity the backend reports a log line at.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogError
)

// Device is a single backend-owned audio device created by
// Backend.CreateDevice, bound to one role.
type Device interface {
	Start() error
	Stop() error
	// Close releases backend resources. Close is only ever called after
	// Stop has returned (or was never started).
	Close() error
}

// Backend is the seam to an underlying platform audio driver library
// (e.g. CoreAudio, ALSA, WASAPI). The core only depends on this
// interface; concrete backends are out of the core's scope apart from
// the synthetic audio/backend/fake implementation used for testing.
type Backend interface {
	// Init prepares the backend's context (e.g. opens a handle to the
	// platform audio subsystem). It is called once, before any other
	// method.
	Init() error
	// Close tears down the backend's context. It is called once, after
	// every device has been stopped and closed.
	Close() error
	// Enumerate lists devices of the given kind currently visible to
	// the backend.
	Enumerate(kind DeviceKind) ([]DeviceInfo, error)
	// CreateDevice creates a backend device bound to role, with the
	// provided optional input/output descriptors (one may be nil
	// depending on role) and negotiated config, and registers cb as its
	// data callback trampoline.
	CreateDevice(role Role, input, output *DeviceInfo, cfg DeviceConfig, cb DataCallback) (Device, error)
	// SetNotificationCallback installs the single slot for backend
	// lifecycle notifications; passing nil clears it.
	SetNotificationCallback(NotificationCallback)
	// SetLogCallback installs the single slot for backend runtime log
	// lines; passing nil clears it.
	SetLogCallback(LogCallback)
}

// NotificationKind is the closed enum of backend lifecycle events
// described in spec.md §6.
type NotificationKind int

const (
	Started NotificationKind = iota
	Stopped
	Rerouted
	InterruptionBegan
	InterruptionEnded
	Unlocked
)

func (k NotificationKind) String() string {
	switch k {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Rerouted:
		return "rerouted"
	case InterruptionBegan:
		return "interruption-began"
	case InterruptionEnded:
		return "interruption-ended"
	case Unlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// Notification is one backend lifecycle event, dispatched to the
// DeviceManager's single notification callback.
type Notification struct {
	Kind NotificationKind
	Role Role
	// Detail carries kind-specific context, e.g. the new buffer size
	// for Rerouted, or an error description for a backend-runtime
	// failure that precipitated a Stopped/Unlocked notification.
	Detail string
}
