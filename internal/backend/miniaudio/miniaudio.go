// Package miniaudio exposes the operating system's audio devices as an
// audiowire host through the miniaudio library. It is the hardware-facing
// sibling of the graph backend: enumeration and stream building follow the
// same surface, but cycles are driven by the platform's audio thread.
package miniaudio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/audiowire/audiowire/internal/bridge"
	"github.com/audiowire/audiowire/pkg/audioformat"
	"github.com/audiowire/audiowire/pkg/audiohost"
)

const (
	// defaultPeriodFrames is the staging period requested from the device.
	// The device may still call back with other frame counts; the bridge
	// carries the difference.
	defaultPeriodFrames = 480

	minSampleRate = 8000
	maxSampleRate = 192000
	maxChannels   = 2
)

type direction int

const (
	capture direction = iota
	playback
)

type deviceEntry struct {
	dir  direction
	info malgo.DeviceInfo
}

// Host enumerates the native devices of one miniaudio context.
type Host struct {
	ctx          *malgo.AllocatedContext
	periodFrames int
	logger       *slog.Logger

	mu      sync.Mutex
	entries []deviceEntry
}

// NewHost initializes a miniaudio context with the platform's default
// backend order. Close releases it.
func NewHost() (*Host, error) {
	logger := slog.Default().With("host", "miniaudio")
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		logger.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("initializing miniaudio context: %w", err)
	}
	return &Host{ctx: ctx, periodFrames: defaultPeriodFrames, logger: logger}, nil
}

// Close tears the miniaudio context down. Streams built from this host must
// be destroyed first.
func (h *Host) Close() {
	if err := h.ctx.Uninit(); err != nil {
		h.logger.Warn("uniniting miniaudio context", "err", err)
	}
	h.ctx.Free()
}

// refresh re-enumerates devices and rebuilds the ID table, capture devices
// first. IDs are only stable between refreshes, matching how the platform
// itself treats hotplugged devices.
func (h *Host) refresh() error {
	captures, err := h.ctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("enumerating capture devices: %w", err)
	}
	playbacks, err := h.ctx.Devices(malgo.Playback)
	if err != nil {
		return fmt.Errorf("enumerating playback devices: %w", err)
	}
	h.mu.Lock()
	h.entries = h.entries[:0]
	for _, info := range captures {
		h.entries = append(h.entries, deviceEntry{dir: capture, info: info})
	}
	for _, info := range playbacks {
		h.entries = append(h.entries, deviceEntry{dir: playback, info: info})
	}
	h.mu.Unlock()
	return nil
}

func (h *Host) entry(id int) (deviceEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id < 0 || id >= len(h.entries) {
		return deviceEntry{}, false
	}
	return h.entries[id], true
}

// Devices lists every capture and playback device currently known to the
// backend.
func (h *Host) Devices() ([]audiohost.Device, error) {
	if err := h.refresh(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	devs := make([]audiohost.Device, len(h.entries))
	for i, e := range h.entries {
		devs[i] = audiohost.Device{ID: i, Name: e.info.Name()}
	}
	return devs, nil
}

func (h *Host) defaultDevice(dir direction) (audiohost.Device, bool) {
	if err := h.refresh(); err != nil {
		h.logger.Warn("device enumeration failed", "err", err)
		return audiohost.Device{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	fallback := -1
	for i, e := range h.entries {
		if e.dir != dir {
			continue
		}
		if e.info.IsDefault != 0 {
			return audiohost.Device{ID: i, Name: e.info.Name()}, true
		}
		if fallback < 0 {
			fallback = i
		}
	}
	if fallback < 0 {
		return audiohost.Device{}, false
	}
	return audiohost.Device{ID: fallback, Name: h.entries[fallback].info.Name()}, true
}

// DefaultInputDevice returns the platform's default capture device, or the
// first one when the platform marks none as default.
func (h *Host) DefaultInputDevice() (audiohost.Device, bool) {
	return h.defaultDevice(capture)
}

// DefaultOutputDevice is DefaultInputDevice for the playback side.
func (h *Host) DefaultOutputDevice() (audiohost.Device, bool) {
	return h.defaultDevice(playback)
}

// supportedRanges advertises what miniaudio can deliver on any device after
// its own conversion layer. The unsigned 16-bit user format is served by the
// bridge's copy-time conversion, so it is included even though the wire
// format underneath is always float32.
func supportedRanges() []audioformat.SupportedRange {
	var ranges []audioformat.SupportedRange
	for ch := 1; ch <= maxChannels; ch++ {
		for _, sf := range []audioformat.SampleFormat{audioformat.SampleU16, audioformat.SampleI16, audioformat.SampleF32} {
			ranges = append(ranges, audioformat.SupportedRange{
				NumChannels:   ch,
				MinSampleRate: minSampleRate,
				MaxSampleRate: maxSampleRate,
				Sample:        sf,
			})
		}
	}
	return ranges
}

func (h *Host) supportedFormats(dev audiohost.Device, dir direction) ([]audioformat.SupportedRange, error) {
	e, ok := h.entry(dev.ID)
	if !ok || e.dir != dir {
		return nil, fmt.Errorf("device %d: %w", dev.ID, audiohost.ErrDeviceNotAvailable)
	}
	return supportedRanges(), nil
}

// SupportedInputFormats reports the ranges accepted for capture streams on
// dev.
func (h *Host) SupportedInputFormats(dev audiohost.Device) ([]audioformat.SupportedRange, error) {
	return h.supportedFormats(dev, capture)
}

// SupportedOutputFormats reports the ranges accepted for playback streams on
// dev.
func (h *Host) SupportedOutputFormats(dev audiohost.Device) ([]audioformat.SupportedRange, error) {
	return h.supportedFormats(dev, playback)
}

func (h *Host) deviceConfig(e deviceEntry, f audioformat.Format) malgo.DeviceConfig {
	var cfg malgo.DeviceConfig
	if e.dir == capture {
		cfg = malgo.DefaultDeviceConfig(malgo.Capture)
		cfg.Capture.Format = malgo.FormatF32
		cfg.Capture.Channels = uint32(f.NumChannels)
		cfg.Capture.DeviceID = e.info.ID.Pointer()
	} else {
		cfg = malgo.DefaultDeviceConfig(malgo.Playback)
		cfg.Playback.Format = malgo.FormatF32
		cfg.Playback.Channels = uint32(f.NumChannels)
		cfg.Playback.DeviceID = e.info.ID.Pointer()
	}
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInFrames = uint32(h.periodFrames)
	cfg.Alsa.NoMMap = 1
	return cfg
}

// Stream is one miniaudio device opened for a single direction.
type Stream struct {
	dev       *malgo.Device
	playing   *atomic.Bool
	destroyed *atomic.Bool
	logger    *slog.Logger

	destroyOnce sync.Once
}

// Play starts data delivery on the next device callback that observes the
// flag.
func (s *Stream) Play() { s.playing.Store(true) }

// Pause suspends delivery. The device keeps running and carries silence, so
// resuming is just the flag store back.
func (s *Stream) Pause() { s.playing.Store(false) }

// Destroy stops and releases the device. Uninit blocks until the device's
// audio thread has finished its current callback, so no callback runs after
// Destroy returns. Idempotent.
func (s *Stream) Destroy() {
	s.destroyOnce.Do(func() {
		s.destroyed.Store(true)
		s.dev.Uninit()
		s.logger.Debug("stream destroyed")
	})
}

// BuildOutputStream opens dev for playback. The device is started
// immediately but carries silence until Play.
func (h *Host) BuildOutputStream(dev audiohost.Device, f audioformat.Format, onData audiohost.OutputCallback, onErr audiohost.ErrorCallback) (audiohost.Stream, error) {
	e, ok := h.entry(dev.ID)
	if !ok || e.dir != playback {
		return nil, fmt.Errorf("device %d: %w", dev.ID, audiohost.ErrDeviceNotAvailable)
	}
	if err := audioformat.Negotiate(f, supportedRanges()); err != nil {
		return nil, err
	}

	playing := new(atomic.Bool)
	destroyed := new(atomic.Bool)
	br := bridge.NewOutput(f, h.periodFrames, playing, onData)
	scratch := make([]float32, h.periodFrames*f.NumChannels)
	channels := f.NumChannels

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			if !playing.Load() {
				clear(out)
				return
			}
			frames := int(frameCount)
			done := 0
			for done < frames {
				n := frames - done
				if n > h.periodFrames {
					n = h.periodFrames
				}
				br.ProcessInterleaved(n, scratch[:n*channels])
				floatsToBytes(scratch[:n*channels], out[done*channels*4:])
				done += n
			}
		},
		Stop: stopReporter(destroyed, "playback", dev.Name, onErr),
	}

	d, err := malgo.InitDevice(h.ctx.Context, h.deviceConfig(e, f), callbacks)
	if err != nil {
		return nil, fmt.Errorf("opening playback device %q: %w", dev.Name, err)
	}
	if err := d.Start(); err != nil {
		d.Uninit()
		return nil, fmt.Errorf("starting playback device %q: %w", dev.Name, err)
	}
	st := &Stream{dev: d, playing: playing, destroyed: destroyed, logger: h.logger.With("stream", dev.Name)}
	st.logger.Info("output stream built", "format", fmt.Sprintf("%dch %dHz %s", f.NumChannels, f.SampleRate, f.Sample))
	return st, nil
}

// BuildInputStream opens dev for capture. Captured frames are discarded
// until Play.
func (h *Host) BuildInputStream(dev audiohost.Device, f audioformat.Format, onData audiohost.InputCallback, onErr audiohost.ErrorCallback) (audiohost.Stream, error) {
	e, ok := h.entry(dev.ID)
	if !ok || e.dir != capture {
		return nil, fmt.Errorf("device %d: %w", dev.ID, audiohost.ErrDeviceNotAvailable)
	}
	if err := audioformat.Negotiate(f, supportedRanges()); err != nil {
		return nil, err
	}

	playing := new(atomic.Bool)
	destroyed := new(atomic.Bool)
	br := bridge.NewInput(f, h.periodFrames, playing, onData)
	scratch := make([]float32, h.periodFrames*f.NumChannels)
	channels := f.NumChannels

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			if !playing.Load() {
				return
			}
			frames := int(frameCount)
			done := 0
			for done < frames {
				n := frames - done
				if n > h.periodFrames {
					n = h.periodFrames
				}
				bytesToFloats(in[done*channels*4:], scratch[:n*channels])
				br.ProcessInterleaved(n, scratch[:n*channels])
				done += n
			}
		},
		Stop: stopReporter(destroyed, "capture", dev.Name, onErr),
	}

	d, err := malgo.InitDevice(h.ctx.Context, h.deviceConfig(e, f), callbacks)
	if err != nil {
		return nil, fmt.Errorf("opening capture device %q: %w", dev.Name, err)
	}
	if err := d.Start(); err != nil {
		d.Uninit()
		return nil, fmt.Errorf("starting capture device %q: %w", dev.Name, err)
	}
	st := &Stream{dev: d, playing: playing, destroyed: destroyed, logger: h.logger.With("stream", dev.Name)}
	st.logger.Info("input stream built", "format", fmt.Sprintf("%dch %dHz %s", f.NumChannels, f.SampleRate, f.Sample))
	return st, nil
}

// stopReporter builds the device stop handler. Stops we did not ask for mean
// the device went away; the report runs on its own goroutine because the
// stop callback arrives on the device's thread, and an error callback that
// calls Destroy would otherwise uninit the device from inside its own
// callback.
func stopReporter(destroyed *atomic.Bool, side, name string, onErr audiohost.ErrorCallback) func() {
	return func() {
		if destroyed.Load() || onErr == nil {
			return
		}
		go onErr(fmt.Errorf("%s device %q stopped: %w", side, name, audiohost.ErrDeviceNotAvailable))
	}
}

func floatsToBytes(src []float32, dst []byte) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

func bytesToFloats(src []byte, dst []float32) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
}
