// Package audiohost defines the backend-agnostic surface of audiowire: hosts
// that enumerate devices and build streams, the stream lifecycle, and the
// multi-stream driver that fans native callbacks out to applications.
//
// Implementations live under internal/backend; applications pick one and
// program against the interfaces here.
package audiohost

import (
	"errors"

	"github.com/audiowire/audiowire/pkg/audiobuffer"
	"github.com/audiowire/audiowire/pkg/audioformat"
)

var (
	// ErrDeviceNotAvailable is returned synchronously from device and format
	// queries when a device has vanished (unplugged, backend shut down). It
	// is never raised from inside the realtime path; a dropped device
	// surfaces on the next query.
	ErrDeviceNotAvailable = errors.New("audiohost: device not available")

	// ErrXrun is the backend-level buffer over/underrun fault. It is
	// delivered asynchronously through the stream's error callback; the
	// stream keeps running unless the application destroys it.
	ErrXrun = errors.New("audiohost: xrun")
)

// Device identifies one audio device of a Host. IDs are host-scoped and only
// valid against the Host that produced them.
type Device struct {
	ID   int
	Name string
}

// InputCallback receives one staging period of captured samples. It runs on
// the backend's realtime thread: it must not block, and the view is only
// valid until it returns.
type InputCallback func(*audiobuffer.Input)

// OutputCallback must fill the entire staging period before returning. It
// runs on the backend's realtime thread and must not block. The samples are
// considered sent to the device only once the callback returns; there is no
// partial-write visibility mid-callback.
type OutputCallback func(*audiobuffer.Output)

// ErrorCallback receives asynchronous stream faults (ErrXrun and
// backend-specific errors). It is invoked outside the frame-copy loop where
// feasible, on a non-blocking path: if delivery would block, the error is
// dropped rather than stalling audio. Recovery policy is the application's
// call; the stream does not retry on its own.
type ErrorCallback func(error)

// Host enumerates the devices of one native backend and builds streams on
// them.
//
// Format negotiation is strict and happens entirely at build time: a request
// not covered by the device's supported ranges fails with
// audioformat.ErrFormatNotSupported before any stream resources exist.
type Host interface {
	// Devices lists the currently available devices.
	Devices() ([]Device, error)

	// DefaultInputDevice returns the preferred capture device, if any.
	DefaultInputDevice() (Device, bool)

	// DefaultOutputDevice returns the preferred playback device, if any.
	DefaultOutputDevice() (Device, bool)

	SupportedInputFormats(Device) ([]audioformat.SupportedRange, error)
	SupportedOutputFormats(Device) ([]audioformat.SupportedRange, error)

	// BuildInputStream opens dev for capture. The stream starts paused;
	// call Play to begin delivery.
	BuildInputStream(dev Device, f audioformat.Format, onData InputCallback, onErr ErrorCallback) (Stream, error)

	// BuildOutputStream opens dev for playback. The stream starts paused.
	BuildOutputStream(dev Device, f audioformat.Format, onData OutputCallback, onErr ErrorCallback) (Stream, error)
}

// Stream is one open audio channel, input or output, never both.
//
// Play and Pause only flip an atomic flag shared with the realtime bridge;
// there is no backend round-trip, and the effect lands on the first native
// callback that observes the store. All three operations are idempotent.
type Stream interface {
	Play()
	Pause()

	// Destroy synchronously deactivates the backend's invocation of this
	// stream before returning: once Destroy returns, no further data or
	// error callback will run. Must not be called from inside a data
	// callback.
	Destroy()
}
