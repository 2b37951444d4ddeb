package wavefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiowire/audiowire/pkg/audiobuffer"
	"github.com/audiowire/audiowire/pkg/audioformat"
	"github.com/audiowire/audiowire/pkg/audiohost"
)

func writeTestWav(t *testing.T, dir string, channels, rate int, data []int) string {
	t.Helper()
	path := filepath.Join(dir, "test.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return path
}

func newTicklessHost(t *testing.T) (*Host, string) {
	t.Helper()
	dir := t.TempDir()
	h := NewHost(dir)
	h.tickless = true
	h.periodFrames = 8
	return h, dir
}

func TestDeviceEnumeration(t *testing.T) {
	h, dir := newTicklessHost(t)

	_, ok := h.DefaultInputDevice()
	assert.False(t, ok, "no files registered yet")
	rec, ok := h.DefaultOutputDevice()
	require.True(t, ok)
	assert.Equal(t, "recorder", rec.Name)

	path := writeTestWav(t, dir, 1, 48000, make([]int, 16))
	require.NoError(t, h.AddInputFile(path))

	devs, err := h.Devices()
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, "test.wav", devs[0].Name)
	assert.Equal(t, "recorder", devs[1].Name)

	_, err = h.SupportedInputFormats(audiohost.Device{ID: 7})
	assert.ErrorIs(t, err, audiohost.ErrDeviceNotAvailable)
}

func TestAddInputFileRejectsGarbage(t *testing.T) {
	h, dir := newTicklessHost(t)
	path := filepath.Join(dir, "noise.wav")
	require.NoError(t, os.WriteFile(path, []byte("not audio"), 0o644))
	assert.Error(t, h.AddInputFile(path))
	assert.Error(t, h.AddInputFile(filepath.Join(dir, "missing.wav")))
}

func TestInputStreamLoopsFile(t *testing.T) {
	h, dir := newTicklessHost(t)

	// 12 frames of a mono ramp; period is 8, so looping kicks in on the
	// second period.
	data := make([]int, 12)
	for i := range data {
		data[i] = i * 1000
	}
	require.NoError(t, h.AddInputFile(writeTestWav(t, dir, 1, 48000, data)))

	dev, ok := h.DefaultInputDevice()
	require.True(t, ok)

	var got []float32
	s, err := h.BuildInputStream(dev,
		audioformat.Format{NumChannels: 1, SampleRate: 48000, Sample: audioformat.SampleF32},
		func(in *audiobuffer.Input) { got = append(got, in.Float32()...) }, nil)
	require.NoError(t, err)
	defer s.Destroy()

	st := s.(*Stream)
	st.pump(8)
	assert.Empty(t, got, "paused stream delivers nothing")

	s.Play()
	st.pump(8)
	st.pump(8)
	require.Len(t, got, 16)

	for i := 0; i < 16; i++ {
		want := float32(data[i%12]) / 32768
		assert.InDelta(t, want, got[i], 1e-4, "sample %d", i)
	}
}

func TestInputStreamRejectsForeignFormat(t *testing.T) {
	h, dir := newTicklessHost(t)
	require.NoError(t, h.AddInputFile(writeTestWav(t, dir, 2, 44100, make([]int, 32))))
	dev, _ := h.DefaultInputDevice()

	noop := func(*audiobuffer.Input) {}
	_, err := h.BuildInputStream(dev,
		audioformat.Format{NumChannels: 2, SampleRate: 48000, Sample: audioformat.SampleF32}, noop, nil)
	assert.ErrorIs(t, err, audioformat.ErrFormatNotSupported, "rate must match the file")

	_, err = h.BuildInputStream(dev,
		audioformat.Format{NumChannels: 1, SampleRate: 44100, Sample: audioformat.SampleF32}, noop, nil)
	assert.ErrorIs(t, err, audioformat.ErrFormatNotSupported, "channel count must match the file")
}

func TestRecorderRoundTrip(t *testing.T) {
	h, dir := newTicklessHost(t)
	rec, _ := h.DefaultOutputDevice()

	var next float32
	s, err := h.BuildOutputStream(rec,
		audioformat.Format{NumChannels: 1, SampleRate: 48000, Sample: audioformat.SampleF32},
		func(out *audiobuffer.Output) {
			dst := out.Float32()
			for i := range dst {
				dst[i] = next
				next += 0.01
			}
		}, nil)
	require.NoError(t, err)

	s.Play()
	st := s.(*Stream)
	st.pump(8)
	st.pump(8)
	s.Destroy()
	s.Destroy() // idempotent

	files, err := filepath.Glob(filepath.Join(dir, "recording-*.wav"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	require.NoError(t, h.AddInputFile(files[0]))
	e, ok := h.input(0)
	require.True(t, ok)
	require.Len(t, e.samples, 16)
	for i, got := range e.samples {
		assert.InDelta(t, float64(i)*0.01, got, 1e-3, "sample %d", i)
	}
}
