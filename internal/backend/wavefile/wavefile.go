// Package wavefile serves WAV files as audiowire devices. Each registered
// file becomes a looping capture device paced at its own sample rate, and a
// single "recorder" playback device writes whatever it is fed to a new WAV
// file. It is the offline backend: useful for piping recordings through code
// written against the host interface, and for exercising that code without
// sound hardware.
package wavefile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/audiowire/audiowire/internal/bridge"
	"github.com/audiowire/audiowire/pkg/audioformat"
	"github.com/audiowire/audiowire/pkg/audiohost"
)

type inputEntry struct {
	name     string
	channels int
	rate     int
	// samples holds the decoded file as normalized interleaved float32.
	samples []float32
}

// Host serves registered WAV files as capture devices and one recorder as a
// playback device. Device IDs are assigned in registration order; the
// recorder is always the last ID.
type Host struct {
	outDir       string
	periodFrames int
	logger       *slog.Logger

	mu     sync.Mutex
	inputs []inputEntry

	// tickless streams skip the pacing goroutine; cycles are driven by hand.
	tickless bool
}

// NewHost builds a host that writes recordings into outDir.
func NewHost(outDir string) *Host {
	return &Host{
		outDir:       outDir,
		periodFrames: 512,
		logger:       slog.Default().With("host", "wavefile"),
	}
}

// AddInputFile decodes path up front and registers it as a capture device
// named after its base name. Decoding eagerly keeps the pacing loop free of
// file IO.
func (h *Host) AddInputFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening wav file: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return fmt.Errorf("decoding %q: not a wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("decoding %q: %w", path, err)
	}
	if buf.Format == nil || len(buf.Data) == 0 {
		return fmt.Errorf("decoding %q: empty pcm data", path)
	}

	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = 16
	}
	scale := float32(int64(1) << (depth - 1))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}

	h.mu.Lock()
	h.inputs = append(h.inputs, inputEntry{
		name:     filepath.Base(path),
		channels: buf.Format.NumChannels,
		rate:     buf.Format.SampleRate,
		samples:  samples,
	})
	h.mu.Unlock()
	h.logger.Info("input file registered", "file", path, "channels", buf.Format.NumChannels, "rate", buf.Format.SampleRate)
	return nil
}

func (h *Host) recorderID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inputs)
}

// Devices lists the registered files followed by the recorder.
func (h *Host) Devices() ([]audiohost.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	devs := make([]audiohost.Device, 0, len(h.inputs)+1)
	for i, e := range h.inputs {
		devs = append(devs, audiohost.Device{ID: i, Name: e.name})
	}
	devs = append(devs, audiohost.Device{ID: len(h.inputs), Name: "recorder"})
	return devs, nil
}

// DefaultInputDevice returns the first registered file, if any.
func (h *Host) DefaultInputDevice() (audiohost.Device, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.inputs) == 0 {
		return audiohost.Device{}, false
	}
	return audiohost.Device{ID: 0, Name: h.inputs[0].name}, true
}

// DefaultOutputDevice returns the recorder.
func (h *Host) DefaultOutputDevice() (audiohost.Device, bool) {
	return audiohost.Device{ID: h.recorderID(), Name: "recorder"}, true
}

func (h *Host) input(id int) (inputEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id < 0 || id >= len(h.inputs) {
		return inputEntry{}, false
	}
	return h.inputs[id], true
}

var sampleFormats = []audioformat.SampleFormat{audioformat.SampleU16, audioformat.SampleI16, audioformat.SampleF32}

// SupportedInputFormats pins a file device to its own channel count and
// rate; the sample format is free since conversion happens in the staging
// copy.
func (h *Host) SupportedInputFormats(dev audiohost.Device) ([]audioformat.SupportedRange, error) {
	e, ok := h.input(dev.ID)
	if !ok {
		return nil, fmt.Errorf("device %d: %w", dev.ID, audiohost.ErrDeviceNotAvailable)
	}
	var ranges []audioformat.SupportedRange
	for _, sf := range sampleFormats {
		ranges = append(ranges, audioformat.SupportedRange{
			NumChannels:   e.channels,
			MinSampleRate: e.rate,
			MaxSampleRate: e.rate,
			Sample:        sf,
		})
	}
	return ranges, nil
}

// SupportedOutputFormats lets the recorder take one or two channels at any
// common rate.
func (h *Host) SupportedOutputFormats(dev audiohost.Device) ([]audioformat.SupportedRange, error) {
	if dev.ID != h.recorderID() {
		return nil, fmt.Errorf("device %d: %w", dev.ID, audiohost.ErrDeviceNotAvailable)
	}
	var ranges []audioformat.SupportedRange
	for ch := 1; ch <= 2; ch++ {
		for _, sf := range sampleFormats {
			ranges = append(ranges, audioformat.SupportedRange{
				NumChannels:   ch,
				MinSampleRate: 8000,
				MaxSampleRate: 192000,
				Sample:        sf,
			})
		}
	}
	return ranges, nil
}

// Stream paces one file or recording. The pacing goroutine is the native
// side: each tick is one native callback of periodFrames frames.
type Stream struct {
	playing atomic.Bool
	logger  *slog.Logger

	pump func(nframes int)
	stop chan struct{}
	done chan struct{}

	destroyOnce sync.Once
	finish      func()
}

// Play starts delivery on the next tick that observes the flag.
func (s *Stream) Play() { s.playing.Store(true) }

// Pause suspends delivery. File position is held, not rewound.
func (s *Stream) Pause() { s.playing.Store(false) }

// Destroy stops the pacing goroutine and waits for it, so no callback runs
// after Destroy returns, then finalizes any recording. Idempotent.
func (s *Stream) Destroy() {
	s.destroyOnce.Do(func() {
		if s.stop != nil {
			close(s.stop)
			<-s.done
		}
		if s.finish != nil {
			s.finish()
		}
		s.logger.Debug("stream destroyed")
	})
}

func (h *Host) startPacing(s *Stream, rate int) {
	if h.tickless {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	period := time.Duration(h.periodFrames) * time.Second / time.Duration(rate)
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.pump(h.periodFrames)
			}
		}
	}()
}

// BuildInputStream opens a registered file as a looping capture stream.
func (h *Host) BuildInputStream(dev audiohost.Device, f audioformat.Format, onData audiohost.InputCallback, onErr audiohost.ErrorCallback) (audiohost.Stream, error) {
	e, ok := h.input(dev.ID)
	if !ok {
		return nil, fmt.Errorf("device %d: %w", dev.ID, audiohost.ErrDeviceNotAvailable)
	}
	ranges, err := h.SupportedInputFormats(dev)
	if err != nil {
		return nil, err
	}
	if err := audioformat.Negotiate(f, ranges); err != nil {
		return nil, err
	}

	st := &Stream{logger: h.logger.With("stream", e.name)}
	br := bridge.NewInput(f, h.periodFrames, &st.playing, onData)
	scratch := make([]float32, h.periodFrames*e.channels)
	pos := 0
	total := len(e.samples)

	st.pump = func(nframes int) {
		if !st.playing.Load() {
			return
		}
		want := nframes * e.channels
		for filled := 0; filled < want; {
			n := copy(scratch[filled:want], e.samples[pos:])
			filled += n
			pos += n
			if pos == total {
				pos = 0
			}
		}
		br.ProcessInterleaved(nframes, scratch[:want])
	}
	h.startPacing(st, e.rate)
	st.logger.Info("input stream built", "format", fmt.Sprintf("%dch %dHz %s", f.NumChannels, f.SampleRate, f.Sample))
	return st, nil
}

// BuildOutputStream opens the recorder: a new WAV file in the host's output
// directory that receives everything the callback produces while playing.
func (h *Host) BuildOutputStream(dev audiohost.Device, f audioformat.Format, onData audiohost.OutputCallback, onErr audiohost.ErrorCallback) (audiohost.Stream, error) {
	ranges, err := h.SupportedOutputFormats(dev)
	if err != nil {
		return nil, err
	}
	if err := audioformat.Negotiate(f, ranges); err != nil {
		return nil, err
	}

	path := filepath.Join(h.outDir, fmt.Sprintf("recording-%s.wav", uuid.New().String()[:8]))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating recording file: %w", err)
	}
	enc := wav.NewEncoder(file, f.SampleRate, 16, f.NumChannels, 1)

	st := &Stream{logger: h.logger.With("stream", path)}
	br := bridge.NewOutput(f, h.periodFrames, &st.playing, onData)
	scratch := make([]float32, h.periodFrames*f.NumChannels)
	ints := make([]int, h.periodFrames*f.NumChannels)
	bufFormat := &audio.Format{NumChannels: f.NumChannels, SampleRate: f.SampleRate}

	st.pump = func(nframes int) {
		if !st.playing.Load() {
			return
		}
		want := nframes * f.NumChannels
		br.ProcessInterleaved(nframes, scratch[:want])
		for i, v := range scratch[:want] {
			ints[i] = int(clampF32(v) * 32767)
		}
		buf := &audio.IntBuffer{Format: bufFormat, Data: ints[:want], SourceBitDepth: 16}
		if err := enc.Write(buf); err != nil {
			st.logger.Warn("writing recording", "err", err)
			if onErr != nil {
				onErr(fmt.Errorf("writing recording: %w", err))
			}
		}
	}
	st.finish = func() {
		if err := enc.Close(); err != nil {
			st.logger.Warn("finalizing recording", "err", err)
		}
		if err := file.Close(); err != nil {
			st.logger.Warn("closing recording file", "err", err)
		}
	}
	h.startPacing(st, f.SampleRate)
	st.logger.Info("output stream built", "file", path, "format", fmt.Sprintf("%dch %dHz %s", f.NumChannels, f.SampleRate, f.Sample))
	return st, nil
}

func clampF32(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
