// Package otoplay adapts the oto playback library into an audiowire host.
// oto drives audio by pulling PCM bytes through an io.Reader, so the backend
// is playback only and exposes a single default device at the rate and
// channel count the context was opened with.
package otoplay

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ebitengine/oto/v3"

	"github.com/audiowire/audiowire/internal/bridge"
	"github.com/audiowire/audiowire/pkg/audiobuffer"
	"github.com/audiowire/audiowire/pkg/audioformat"
	"github.com/audiowire/audiowire/pkg/audiohost"
)

const bytesPerSample = 2 // signed 16-bit little endian on the wire

// Host wraps one oto context. oto allows a single context per process, so a
// process keeps one Host for its lifetime.
type Host struct {
	ctx        *oto.Context
	sampleRate int
	channels   int
	logger     *slog.Logger
}

// NewHost opens the process's oto context at the given rate and channel
// count and blocks until the platform audio layer is ready.
func NewHost(sampleRate, channels int) (*Host, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("opening oto context: %w", err)
	}
	<-ready
	return &Host{
		ctx:        ctx,
		sampleRate: sampleRate,
		channels:   channels,
		logger:     slog.Default().With("host", "oto"),
	}, nil
}

const defaultDeviceID = 0

func (h *Host) device() audiohost.Device {
	return audiohost.Device{ID: defaultDeviceID, Name: "default"}
}

// Devices lists the single default playback device.
func (h *Host) Devices() ([]audiohost.Device, error) {
	return []audiohost.Device{h.device()}, nil
}

// DefaultInputDevice always reports no device; this backend cannot capture.
func (h *Host) DefaultInputDevice() (audiohost.Device, bool) {
	return audiohost.Device{}, false
}

// DefaultOutputDevice returns the default playback device.
func (h *Host) DefaultOutputDevice() (audiohost.Device, bool) {
	return h.device(), true
}

// SupportedInputFormats fails for every device; this backend cannot capture.
func (h *Host) SupportedInputFormats(dev audiohost.Device) ([]audioformat.SupportedRange, error) {
	return nil, fmt.Errorf("capture on a playback-only backend: %w", audiohost.ErrDeviceNotAvailable)
}

// SupportedOutputFormats pins channel count and rate to the context's and
// offers every sample format the staging layer can convert.
func (h *Host) SupportedOutputFormats(dev audiohost.Device) ([]audioformat.SupportedRange, error) {
	if dev.ID != defaultDeviceID {
		return nil, fmt.Errorf("device %d: %w", dev.ID, audiohost.ErrDeviceNotAvailable)
	}
	var ranges []audioformat.SupportedRange
	for _, sf := range []audioformat.SampleFormat{audioformat.SampleU16, audioformat.SampleI16, audioformat.SampleF32} {
		ranges = append(ranges, audioformat.SupportedRange{
			NumChannels:   h.channels,
			MinSampleRate: h.sampleRate,
			MaxSampleRate: h.sampleRate,
			Sample:        sf,
		})
	}
	return ranges, nil
}

// BuildInputStream fails; this backend cannot capture.
func (h *Host) BuildInputStream(audiohost.Device, audioformat.Format, audiohost.InputCallback, audiohost.ErrorCallback) (audiohost.Stream, error) {
	return nil, fmt.Errorf("capture on a playback-only backend: %w", audiohost.ErrDeviceNotAvailable)
}

// Stream feeds an oto player from the user callback through its Read
// method. oto's player goroutine is the native side here: each Read is one
// native callback, and the bridge carries staging state between Reads.
type Stream struct {
	player  *oto.Player
	playing *atomic.Bool
	br      *bridge.Output
	scratch []float32
	frames  int
	chans   int
	logger  *slog.Logger

	destroyOnce sync.Once
}

// BuildOutputStream opens a paused stream on the default device. The oto
// player starts pulling immediately and receives silence until Play.
func (h *Host) BuildOutputStream(dev audiohost.Device, f audioformat.Format, onData audiohost.OutputCallback, onErr audiohost.ErrorCallback) (audiohost.Stream, error) {
	ranges, err := h.SupportedOutputFormats(dev)
	if err != nil {
		return nil, err
	}
	if err := audioformat.Negotiate(f, ranges); err != nil {
		return nil, err
	}

	const periodFrames = 512
	playing := new(atomic.Bool)
	st := &Stream{
		playing: playing,
		br:      bridge.NewOutput(f, periodFrames, playing, onData),
		scratch: make([]float32, periodFrames*f.NumChannels),
		frames:  periodFrames,
		chans:   f.NumChannels,
		logger:  h.logger.With("stream", dev.Name),
	}
	st.player = h.ctx.NewPlayer(st)
	st.player.Play()
	st.logger.Info("output stream built", "format", fmt.Sprintf("%dch %dHz %s", f.NumChannels, f.SampleRate, f.Sample))
	return st, nil
}

// Read implements io.Reader for the oto player. Whole frames only; a
// trailing partial frame in p is left unused.
func (s *Stream) Read(p []byte) (int, error) {
	frameBytes := s.chans * bytesPerSample
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0, nil
	}
	n := frames * frameBytes

	if !s.playing.Load() {
		clear(p[:n])
		return n, nil
	}

	done := 0
	for done < frames {
		chunk := frames - done
		if chunk > s.frames {
			chunk = s.frames
		}
		s.br.ProcessInterleaved(chunk, s.scratch[:chunk*s.chans])
		encodeI16LE(s.scratch[:chunk*s.chans], p[done*frameBytes:])
		done += chunk
	}
	return n, nil
}

// Play starts data delivery on the next player pull.
func (s *Stream) Play() { s.playing.Store(true) }

// Pause suspends delivery; the player keeps pulling silence.
func (s *Stream) Pause() { s.playing.Store(false) }

// Destroy closes the player. Close waits out the player's in-flight Read, so
// the data callback cannot run after Destroy returns. Idempotent.
func (s *Stream) Destroy() {
	s.destroyOnce.Do(func() {
		if err := s.player.Close(); err != nil {
			s.logger.Warn("closing player", "err", err)
		}
		s.logger.Debug("stream destroyed")
	})
}

func encodeI16LE(src []float32, dst []byte) {
	for i, v := range src {
		s := audiobuffer.Float32ToI16(v)
		dst[i*2] = byte(s)
		dst[i*2+1] = byte(s >> 8)
	}
}
