package graphserver

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiowire/audiowire/pkg/audiobuffer"
	"github.com/audiowire/audiowire/pkg/audioformat"
	"github.com/audiowire/audiowire/pkg/audiohost"
)

const (
	testRate   = 48000
	testPeriod = 32
)

func newTestServer(t *testing.T, captureCh, playbackCh int) *Server {
	t.Helper()
	return NewServer("test", testRate, testPeriod, captureCh, playbackCh)
}

func f32Format(channels int) audioformat.Format {
	return audioformat.Format{NumChannels: channels, SampleRate: testRate, Sample: audioformat.SampleF32}
}

func TestPortsMatchesInRegistrationOrder(t *testing.T) {
	s := newTestServer(t, 2, 2)
	c := s.NewClient("synth")
	_, err := c.RegisterPort("out_1", Out)
	require.NoError(t, err)
	_, err = c.RegisterPort("out_2", Out)
	require.NoError(t, err)

	all, err := s.Ports("")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"system:capture_1", "system:capture_2",
		"system:playback_1", "system:playback_2",
		"synth:out_1", "synth:out_2",
	}, all)

	playback, err := s.Ports("^system:playback_")
	require.NoError(t, err)
	assert.Equal(t, []string{"system:playback_1", "system:playback_2"}, playback)

	_, err = s.Ports("([")
	assert.Error(t, err)
}

func TestConnectEnforcesGraphRules(t *testing.T) {
	s := newTestServer(t, 1, 1)
	a := s.NewClient("a")
	aOut, err := a.RegisterPort("out", Out)
	require.NoError(t, err)
	b := s.NewClient("b")
	bIn, err := b.RegisterPort("in", In)
	require.NoError(t, err)

	assert.Error(t, s.Connect("a:out", "nope"), "unknown destination")
	assert.Error(t, s.Connect("system:playback_1", "a:out"), "against port directions")
	assert.Error(t, s.Connect(aOut.Name(), bIn.Name()), "client to client")
	assert.Error(t, s.Connect("system:capture_1", "system:playback_1"), "system to system")

	require.NoError(t, s.Connect(aOut.Name(), "system:playback_1"))
	require.NoError(t, s.Connect(aOut.Name(), "system:playback_1"), "duplicate connect is a no-op")

	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestRegisterPortAfterActivateFails(t *testing.T) {
	s := newTestServer(t, 0, 1)
	c := s.NewClient("late")
	_, err := c.RegisterPort("out", Out)
	require.NoError(t, err)
	require.NoError(t, c.Activate(func(int) {}, nil))

	_, err = c.RegisterPort("out_2", Out)
	assert.Error(t, err)
}

func TestCycleRejectsOutOfRangeFrameCounts(t *testing.T) {
	s := newTestServer(t, 0, 1)
	assert.Error(t, s.Cycle(0))
	assert.Error(t, s.Cycle(testPeriod+1))
	assert.NoError(t, s.Cycle(testPeriod))
	assert.NoError(t, s.Cycle(1))
}

func TestDeactivateIsSynchronous(t *testing.T) {
	s := newTestServer(t, 0, 1)
	c := s.NewClient("counter")
	var calls atomic.Int64
	require.NoError(t, c.Activate(func(int) { calls.Add(1) }, nil))

	require.NoError(t, s.Cycle(testPeriod))
	require.Equal(t, int64(1), calls.Load())

	c.Deactivate()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Cycle(testPeriod))
	}
	assert.Equal(t, int64(1), calls.Load(), "no callback after Deactivate returns")
}

func TestHostNegotiationRejectsBeforeBuilding(t *testing.T) {
	s := newTestServer(t, 1, 2)
	h := NewHost(s)
	dev, ok := h.DefaultOutputDevice()
	require.True(t, ok)

	noop := func(*audiobuffer.Output) {}

	_, err := h.BuildOutputStream(dev, audioformat.Format{NumChannels: 2, SampleRate: 44100, Sample: audioformat.SampleF32}, noop, nil)
	assert.ErrorIs(t, err, audioformat.ErrFormatNotSupported, "wrong rate")

	_, err = h.BuildOutputStream(dev, audioformat.Format{NumChannels: 3, SampleRate: testRate, Sample: audioformat.SampleF32}, noop, nil)
	assert.ErrorIs(t, err, audioformat.ErrFormatNotSupported, "more channels than the system has")

	_, err = h.BuildOutputStream(audiohost.Device{ID: 9, Name: "ghost"}, f32Format(2), noop, nil)
	assert.ErrorIs(t, err, audiohost.ErrDeviceNotAvailable)

	// Nothing leaked into the graph from the failed builds.
	s.mu.Lock()
	clients := len(s.clients)
	s.mu.Unlock()
	assert.Zero(t, clients)
}

func TestOutputStreamEndToEnd(t *testing.T) {
	s := newTestServer(t, 0, 2)
	h := NewHost(s)
	dev, _ := h.DefaultOutputDevice()

	var next float32
	st, err := h.BuildOutputStream(dev, f32Format(2), func(out *audiobuffer.Output) {
		dst := out.Float32()
		for i := range dst {
			dst[i] = next
			next++
		}
	}, nil)
	require.NoError(t, err)
	defer st.Destroy()

	tapped := make([][]float32, 2)
	s.SetPlaybackTap(func(channel int, buf []float32) {
		tapped[channel] = append(tapped[channel], buf...)
	})

	st.Play()
	// Varying cycle sizes exercise staging carryover through the graph.
	for _, n := range []int{32, 10, 10, 12} {
		require.NoError(t, s.Cycle(n))
	}

	for c := 0; c < 2; c++ {
		require.Len(t, tapped[c], 64)
		for i, got := range tapped[c] {
			require.Equal(t, float32(i*2+c), got, "channel %d frame %d", c, i)
		}
	}
}

func TestOutputStreamPausedCarriesSilence(t *testing.T) {
	s := newTestServer(t, 0, 1)
	h := NewHost(s)
	dev, _ := h.DefaultOutputDevice()

	calls := 0
	st, err := h.BuildOutputStream(dev, f32Format(1), func(out *audiobuffer.Output) {
		calls++
		dst := out.Float32()
		for i := range dst {
			dst[i] = 1
		}
	}, nil)
	require.NoError(t, err)
	defer st.Destroy()

	var tapped []float32
	s.SetPlaybackTap(func(_ int, buf []float32) {
		tapped = append(tapped, buf...)
	})

	// Built paused: no callback, silence on the wire.
	require.NoError(t, s.Cycle(testPeriod))
	assert.Zero(t, calls)
	assert.Equal(t, make([]float32, testPeriod), tapped)

	st.Play()
	require.NoError(t, s.Cycle(testPeriod))
	assert.Equal(t, 1, calls)

	st.Pause()
	tapped = nil
	require.NoError(t, s.Cycle(testPeriod))
	assert.Equal(t, 1, calls, "no callback while paused")
	assert.Equal(t, make([]float32, testPeriod), tapped, "silence while paused")
}

func TestDestroyStopsCallbacksSynchronously(t *testing.T) {
	s := newTestServer(t, 0, 1)
	h := NewHost(s)
	dev, _ := h.DefaultOutputDevice()

	var calls atomic.Int64
	st, err := h.BuildOutputStream(dev, f32Format(1), func(out *audiobuffer.Output) {
		calls.Add(1)
	}, nil)
	require.NoError(t, err)

	st.Play()
	require.NoError(t, s.Cycle(testPeriod))
	before := calls.Load()
	require.Positive(t, before)

	st.Destroy()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Cycle(testPeriod))
	}
	assert.Equal(t, before, calls.Load(), "no callback after Destroy returns")

	st.Destroy() // idempotent
	st.Play()    // play on a destroyed stream is inert
	require.NoError(t, s.Cycle(testPeriod))
	assert.Equal(t, before, calls.Load())
}

func TestPartialPortWiringStopsAtSystemWidth(t *testing.T) {
	s := newTestServer(t, 0, 2)
	c := s.NewClient("wide")
	for _, name := range []string{"out_1", "out_2", "out_3", "out_4"} {
		_, err := c.RegisterPort(name, Out)
		require.NoError(t, err)
	}
	st := &Stream{client: c, server: s, logger: s.logger}

	require.NoError(t, st.ConnectToSystemOutputs(), "running out of system ports is not an error")

	s.mu.Lock()
	var wired [][2]string
	for _, conn := range s.conns {
		wired = append(wired, [2]string{conn.src.Name(), conn.dst.Name()})
	}
	s.mu.Unlock()
	assert.Equal(t, [][2]string{
		{"wide:out_1", "system:playback_1"},
		{"wide:out_2", "system:playback_2"},
	}, wired)
}

func TestInputStreamEndToEnd(t *testing.T) {
	s := newTestServer(t, 2, 0)
	h := NewHost(s)
	dev, ok := h.DefaultInputDevice()
	require.True(t, ok)

	// Capture channel c frame i carries i*2+c, continuing across cycles.
	var base int
	s.SetCaptureSource(func(channel int, buf []float32) {
		for i := range buf {
			buf[i] = float32((base+i)*2 + channel)
		}
		if channel == 1 {
			base += len(buf)
		}
	})

	var delivered []float32
	st, err := h.BuildInputStream(dev, f32Format(2), func(in *audiobuffer.Input) {
		delivered = append(delivered, in.Float32()...)
	}, nil)
	require.NoError(t, err)
	defer st.Destroy()

	st.Play()
	for _, n := range []int{10, 10, 10, 2} {
		require.NoError(t, s.Cycle(n))
	}

	require.Len(t, delivered, testPeriod*2, "one full period delivered, partial held")
	for i, got := range delivered {
		require.Equal(t, float32(i), got, "interleaved sample %d", i)
	}
}

func TestInputStreamConvertsToNegotiatedFormat(t *testing.T) {
	s := newTestServer(t, 1, 0)
	h := NewHost(s)
	dev, _ := h.DefaultInputDevice()

	s.SetCaptureSource(func(_ int, buf []float32) {
		for i := range buf {
			buf[i] = -0.5
		}
	})

	var got []int16
	st, err := h.BuildInputStream(dev,
		audioformat.Format{NumChannels: 1, SampleRate: testRate, Sample: audioformat.SampleI16},
		func(in *audiobuffer.Input) {
			assert.Nil(t, in.Float32())
			got = append(got, in.Int16()...)
		}, nil)
	require.NoError(t, err)
	defer st.Destroy()

	st.Play()
	require.NoError(t, s.Cycle(testPeriod))
	require.Len(t, got, testPeriod)
	assert.Equal(t, int16(-16384), got[0])
}

func TestMixingSumsOverlappingStreams(t *testing.T) {
	s := newTestServer(t, 0, 1)
	h := NewHost(s)
	dev, _ := h.DefaultOutputDevice()

	constant := func(v float32) audiohost.OutputCallback {
		return func(out *audiobuffer.Output) {
			dst := out.Float32()
			for i := range dst {
				dst[i] = v
			}
		}
	}

	a, err := h.BuildOutputStream(dev, f32Format(1), constant(0.25), nil)
	require.NoError(t, err)
	defer a.Destroy()
	b, err := h.BuildOutputStream(dev, f32Format(1), constant(0.5), nil)
	require.NoError(t, err)
	defer b.Destroy()

	var tapped []float32
	s.SetPlaybackTap(func(_ int, buf []float32) {
		tapped = append(tapped, buf...)
	})

	a.Play()
	b.Play()
	require.NoError(t, s.Cycle(4))
	assert.InDeltaSlice(t, []float32{0.75, 0.75, 0.75, 0.75}, tapped, 1e-6)
}

func TestTickerDrivesCycles(t *testing.T) {
	s := NewServer("ticker", testRate, 480, 0, 1)
	h := NewHost(s)
	dev, _ := h.DefaultOutputDevice()

	var calls atomic.Int64
	st, err := h.BuildOutputStream(dev, audioformat.Format{NumChannels: 1, SampleRate: testRate, Sample: audioformat.SampleF32},
		func(out *audiobuffer.Output) { calls.Add(1) }, nil)
	require.NoError(t, err)
	defer st.Destroy()

	st.Play()
	s.Start()
	defer s.Close()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestCloseWithoutStart(t *testing.T) {
	s := newTestServer(t, 0, 1)
	s.Close()
	s.Close()
}

func TestDestroyFromErrorCallback(t *testing.T) {
	s := newTestServer(t, 0, 1)
	h := NewHost(s)
	dev, _ := h.DefaultOutputDevice()

	// Stopping the stream from its own error callback is a sanctioned
	// recovery policy; the xrun notification must not hold the server
	// mutex across it.
	var calls atomic.Int64
	var st audiohost.Stream
	st, err := h.BuildOutputStream(dev, f32Format(1), func(*audiobuffer.Output) {
		calls.Add(1)
	}, func(error) {
		st.Destroy()
	})
	require.NoError(t, err)

	st.Play()
	require.NoError(t, s.Cycle(testPeriod))
	before := calls.Load()
	require.Positive(t, before)

	s.notifyXrun()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Cycle(testPeriod))
	}
	assert.Equal(t, before, calls.Load(), "stream destroyed by its error callback")
}

func TestDriverDestroyFromStreamFault(t *testing.T) {
	s := newTestServer(t, 0, 1)
	h := NewHost(s)
	dev, _ := h.DefaultOutputDevice()

	d := audiohost.NewDriver()
	var calls atomic.Int64
	var id audiohost.StreamID
	st, err := h.BuildOutputStream(dev, f32Format(1), func(*audiobuffer.Output) {
		calls.Add(1)
	}, func(error) {
		d.Destroy(id)
	})
	require.NoError(t, err)
	id = d.Add(st)

	d.Play(id)
	require.NoError(t, s.Cycle(testPeriod))
	before := calls.Load()
	require.Positive(t, before)

	s.notifyXrun()

	ev := <-d.Events()
	assert.Equal(t, id, ev.Stream)
	assert.Equal(t, audiohost.EventDestroyed, ev.Kind)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Cycle(testPeriod))
	}
	assert.Equal(t, before, calls.Load(), "stream torn down through the driver")
}

func TestXrunReachesErrorCallback(t *testing.T) {
	s := newTestServer(t, 0, 1)
	h := NewHost(s)
	dev, _ := h.DefaultOutputDevice()

	var got atomic.Value
	st, err := h.BuildOutputStream(dev, f32Format(1), func(*audiobuffer.Output) {}, func(err error) {
		got.Store(err)
	})
	require.NoError(t, err)
	defer st.Destroy()

	s.notifyXrun()
	require.NotNil(t, got.Load())
	assert.ErrorIs(t, got.Load().(error), audiohost.ErrXrun)
}
