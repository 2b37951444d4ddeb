// Package audiopipe moves PCM between stream callbacks and ordinary
// goroutines. A Source turns an input stream's callback into a channel of
// frames; a Sink buffers pushed frames in a ring and feeds an output
// stream's callback from it. Both sides keep the realtime callback
// non-blocking: a full channel drops the frame and a drained ring plays
// silence, and either condition is counted rather than waited out.
package audiopipe

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"

	"github.com/audiowire/audiowire/pkg/audiobuffer"
	"github.com/audiowire/audiowire/pkg/audiohost"
)

// Properties describes the PCM a pipe carries. Both ends of a pipe must be
// built against streams negotiated to float32 with these properties.
type Properties struct {
	Channels   int
	SampleRate int
}

// Source adapts an input stream callback into a receive channel. Each
// delivered period becomes one interleaved frame on the channel; when the
// consumer lags the frame is dropped, never the callback stalled. Frames
// come from a pool that consumers feed with Recycle, so a steady-state
// pipeline stops allocating once the pool is primed.
type Source struct {
	frames  chan []float32
	pool    sync.Pool
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewSource builds a source buffering up to depth frames.
func NewSource(depth int) *Source {
	return &Source{
		frames: make(chan []float32, depth),
		logger: slog.Default().With("pipe", "source"),
	}
}

// Callback returns the InputCallback to hand to BuildInputStream. The
// stream must be negotiated to SampleF32.
func (s *Source) Callback() audiohost.InputCallback {
	return func(in *audiobuffer.Input) {
		src := in.Float32()
		if src == nil {
			s.logger.Warn("source fed a non-float32 stream, frame dropped")
			return
		}
		frame, _ := s.pool.Get().([]float32)
		if cap(frame) < len(src) {
			frame = make([]float32, len(src))
		}
		frame = frame[:len(src)]
		copy(frame, src)
		select {
		case s.frames <- frame:
		default:
			s.pool.Put(frame)
			if s.dropped.Add(1) == 1 {
				s.logger.Warn("consumer lagging, dropping frames")
			}
		}
	}
}

// Frames is the receive side of the pipe.
func (s *Source) Frames() <-chan []float32 {
	return s.frames
}

// Recycle hands a frame received from Frames back to the pool. Optional;
// consumers that skip it just cost the callback one allocation per frame.
// The frame must not be used after recycling.
func (s *Source) Recycle(frame []float32) {
	if frame != nil {
		s.pool.Put(frame)
	}
}

// Dropped reports how many frames were discarded against a full channel.
func (s *Source) Dropped() int64 {
	return s.dropped.Load()
}

// Sink buffers pushed samples in a ring and drains it from an output stream
// callback. Producers push from any goroutine; the callback side never
// blocks, playing silence through any shortfall.
type Sink struct {
	rb        *ringbuffer.RingBuffer
	underruns atomic.Int64
	overruns  atomic.Int64
	logger    *slog.Logger
}

const sampleBytes = 4

// NewSink builds a sink holding up to capacitySamples interleaved samples.
func NewSink(capacitySamples int) *Sink {
	return &Sink{
		rb:     ringbuffer.New(capacitySamples * sampleBytes),
		logger: slog.Default().With("pipe", "sink"),
	}
}

// Push enqueues interleaved samples. When the ring cannot hold them all the
// overflow is discarded and counted; Push never blocks.
func (k *Sink) Push(samples []float32) {
	free := k.rb.Free() / sampleBytes
	n := len(samples)
	if n > free {
		n = free
		if k.overruns.Add(1) == 1 {
			k.logger.Warn("sink full, discarding samples")
		}
	}
	if n == 0 {
		return
	}
	buf := make([]byte, n*sampleBytes)
	for i, v := range samples[:n] {
		binary.LittleEndian.PutUint32(buf[i*sampleBytes:], math.Float32bits(v))
	}
	if _, err := k.rb.Write(buf); err != nil {
		k.logger.Warn("ring write failed", "err", err)
	}
}

// Callback returns the OutputCallback to hand to BuildOutputStream. The
// stream must be negotiated to SampleF32. A drained ring fills the rest of
// the period with silence and counts one underrun. The scratch buffer is
// sized to the ring up front; periods never exceed what the ring can hold,
// so the callback does not allocate.
func (k *Sink) Callback() audiohost.OutputCallback {
	scratch := make([]byte, k.rb.Capacity())
	return func(out *audiobuffer.Output) {
		dst := out.Float32()
		if dst == nil {
			return
		}
		want := len(dst) * sampleBytes
		if cap(scratch) < want {
			scratch = make([]byte, want)
		}
		avail := k.rb.Length()
		if avail > want {
			avail = want
		}
		avail -= avail % sampleBytes
		if avail > 0 {
			if _, err := k.rb.Read(scratch[:avail]); err != nil {
				avail = 0
			}
		}
		got := avail / sampleBytes
		for i := 0; i < got; i++ {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(scratch[i*sampleBytes:]))
		}
		if got < len(dst) {
			clear(dst[got:])
			if k.underruns.Add(1) == 1 {
				k.logger.Warn("sink drained, playing silence")
			}
		}
	}
}

// Buffered reports how many samples are currently queued.
func (k *Sink) Buffered() int {
	return k.rb.Length() / sampleBytes
}

// Underruns reports how many callbacks ran short of samples.
func (k *Sink) Underruns() int64 {
	return k.underruns.Load()
}

// Overruns reports how many pushes hit a full ring.
func (k *Sink) Overruns() int64 {
	return k.overruns.Load()
}
