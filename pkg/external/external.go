// Package external declares the collaborator interfaces the engine depends
// on but does not implement: capture devices, codec backends, and
// renderers (spec.md §6 "External collaborators"). Concrete camera/codec/
// display backends are out of scope for this core; callers supply
// implementations and hand them to the engine at wiring time. Grounded on
// the teacher's pattern of depending on narrow interfaces at package
// boundaries (pkg/nest's Client interface) rather than concrete types.
package external

import (
	"context"

	"github.com/ethan/rtplive-engine/pkg/frame"
)

// DeviceInfo describes one enumerable capture device.
type DeviceInfo struct {
	ID   string
	Name string
}

// CaptureParams configures a capture device open call.
type CaptureParams struct {
	Format frame.Format
}

// CaptureDriver is the source of raw frames feeding the processing/encode
// pipeline. Implementations wrap a camera, microphone, screen grabber, or
// synthetic source.
type CaptureDriver interface {
	// Enumerate lists available devices.
	Enumerate(ctx context.Context) ([]DeviceInfo, error)
	// DefaultDevice returns the driver's preferred device id, if any.
	DefaultDevice(ctx context.Context) (string, error)
	// Open begins capture from deviceID with the given params.
	Open(ctx context.Context, deviceID string, params CaptureParams) error
	// Read blocks for the next captured frame.
	Read(ctx context.Context) (*frame.Frame, error)
	// ReadLatest returns the most recently captured frame without
	// blocking, discarding any older buffered frames; used for high-rate
	// sources where the processing pipeline only needs freshness.
	ReadLatest(ctx context.Context) (*frame.Frame, bool)
	// Close releases the device.
	Close() error
}

// HardwarePreference selects the acceleration mode a codec engine should
// attempt (spec.md §4.4's video encoder contract).
type HardwarePreference int

const (
	HardwareAuto HardwarePreference = iota
	HardwareNone
	HardwareExplicit
)

// CodecEngine wraps one concrete encoder or decoder backend. Engine-side
// code calls Configure once per format change, Submit per input unit (a
// nil frame signals end-of-stream flush), and Drain to collect whatever
// output units the backend has ready.
type CodecEngine interface {
	Configure(format frame.Format, hwPref HardwarePreference) error
	Submit(f *frame.Frame) error
	Drain() ([]*frame.Frame, error)
	// UsingHardware reports whether the effective backend is currently
	// hardware-accelerated; false after any fallback-to-software
	// transition.
	UsingHardware() bool
	Close() error
}

// Renderer receives decoded frames for display.
type Renderer interface {
	Show(windowID string, format frame.Format, planes []frame.Plane) error
	Resize(windowW, windowH, frameW, frameH int) error
	Close() error
}
