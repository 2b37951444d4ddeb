// Package bridge implements the realtime stream bridge between a backend's
// native callback and the user data callback.
//
// The backend invokes the bridge once per period with however many frames it
// needs this call; the bridge drains or fills a fixed-size interleaved staging
// buffer against the user callback exactly often enough to cover that count,
// carrying a partially consumed staging buffer across invocations. Sample
// order and channel interleaving are preserved exactly; frames are never
// dropped or duplicated at period boundaries.
//
// Everything here runs on the backend's realtime thread. The hot path does
// not allocate, does not panic, and takes only the bridge's own mutex, which
// is uncontended once the stream is activated (construction happens-before
// activation, and afterwards only the realtime thread touches it).
//
// Native samples are normalized float32 regardless of the negotiated user
// format; conversion happens at copy time, one frame at a time.
package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/audiowire/audiowire/pkg/audiobuffer"
	"github.com/audiowire/audiowire/pkg/audioformat"
)

// Output bridges a native output callback to a user callback that fills
// staging periods of interleaved samples.
type Output struct {
	// playing is shared with the owning stream and checked with
	// sequentially consistent ordering on every native invocation.
	playing *atomic.Bool
	// mu guards the user callback. Only the realtime thread takes it after
	// activation, so it never contends.
	mu     sync.Mutex
	onData func(*audiobuffer.Output)

	buf          *audiobuffer.Output
	format       audioformat.SampleFormat
	channels     int
	periodFrames int
	// cursor indexes the next staging frame to consume, in [0, periodFrames].
	// cursor == periodFrames means the staging buffer is depleted and must be
	// refilled before the next frame is emitted. It starts depleted so the
	// very first frame triggers a fill.
	cursor int

	f32 []float32
	i16 []int16
	u16 []uint16
}

// NewOutput builds an output bridge for the given negotiated format and
// staging period. The playing flag is owned by the stream; onData is the
// user's data callback.
func NewOutput(f audioformat.Format, periodFrames int, playing *atomic.Bool, onData func(*audiobuffer.Output)) *Output {
	buf := audiobuffer.NewOutput(f, periodFrames)
	return &Output{
		playing:      playing,
		onData:       onData,
		buf:          buf,
		format:       f.Sample,
		channels:     f.NumChannels,
		periodFrames: periodFrames,
		cursor:       periodFrames,
		f32:          buf.Float32(),
		i16:          buf.Int16(),
		u16:          buf.Uint16(),
	}
}

// PeriodFrames returns the staging period in frames.
func (b *Output) PeriodFrames() int { return b.periodFrames }

// Process emits nframes frames into the per-channel native views,
// deinterleaving and converting from the staging buffer and refilling it via
// the user callback whenever it is depleted. When the stream is paused this
// is a no-op: the native views are left untouched, and the staging cursor
// stays exactly where it was. Callers that require silence while paused must
// zero the native views themselves.
func (b *Output) Process(nframes int, native [][]float32) {
	if !b.playing.Load() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < nframes; i++ {
		if b.cursor == b.periodFrames {
			b.onData(b.buf)
			b.cursor = 0
		}
		base := b.cursor * b.channels
		switch b.format {
		case audioformat.SampleF32:
			for c := 0; c < b.channels; c++ {
				native[c][i] = b.f32[base+c]
			}
		case audioformat.SampleI16:
			for c := 0; c < b.channels; c++ {
				native[c][i] = audiobuffer.I16ToFloat32(b.i16[base+c])
			}
		case audioformat.SampleU16:
			for c := 0; c < b.channels; c++ {
				native[c][i] = audiobuffer.U16ToFloat32(b.u16[base+c])
			}
		}
		b.cursor++
	}
}

// ProcessInterleaved is Process for backends whose native buffers are already
// interleaved: native holds nframes*channels samples in frame order. The
// staging and carryover semantics are identical.
func (b *Output) ProcessInterleaved(nframes int, native []float32) {
	if !b.playing.Load() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < nframes; i++ {
		if b.cursor == b.periodFrames {
			b.onData(b.buf)
			b.cursor = 0
		}
		base := b.cursor * b.channels
		nbase := i * b.channels
		switch b.format {
		case audioformat.SampleF32:
			copy(native[nbase:nbase+b.channels], b.f32[base:base+b.channels])
		case audioformat.SampleI16:
			for c := 0; c < b.channels; c++ {
				native[nbase+c] = audiobuffer.I16ToFloat32(b.i16[base+c])
			}
		case audioformat.SampleU16:
			for c := 0; c < b.channels; c++ {
				native[nbase+c] = audiobuffer.U16ToFloat32(b.u16[base+c])
			}
		}
		b.cursor++
	}
}

// Input is the mirror of Output: native frames are interleaved and converted
// into the staging buffer, which is flushed to the user callback exactly when
// it fills.
type Input struct {
	playing *atomic.Bool
	mu      sync.Mutex
	onData  func(*audiobuffer.Input)

	buf          *audiobuffer.Input
	format       audioformat.SampleFormat
	channels     int
	periodFrames int
	// cursor indexes the next staging frame to fill, in [0, periodFrames).
	cursor int

	f32 []float32
	i16 []int16
	u16 []uint16
}

// NewInput builds an input bridge for the given negotiated format and staging
// period.
func NewInput(f audioformat.Format, periodFrames int, playing *atomic.Bool, onData func(*audiobuffer.Input)) *Input {
	buf := audiobuffer.NewInput(f, periodFrames)
	return &Input{
		playing:      playing,
		onData:       onData,
		buf:          buf,
		format:       f.Sample,
		channels:     f.NumChannels,
		periodFrames: periodFrames,
		f32:          buf.Float32(),
		i16:          buf.Int16(),
		u16:          buf.Uint16(),
	}
}

// PeriodFrames returns the staging period in frames.
func (b *Input) PeriodFrames() int { return b.periodFrames }

// Process consumes nframes frames from the per-channel native views,
// interleaving and converting into the staging buffer and flushing full
// periods to the user callback. A no-op while paused; partially staged frames
// are held across pause and native call boundaries.
func (b *Input) Process(nframes int, native [][]float32) {
	if !b.playing.Load() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < nframes; i++ {
		base := b.cursor * b.channels
		switch b.format {
		case audioformat.SampleF32:
			for c := 0; c < b.channels; c++ {
				b.f32[base+c] = native[c][i]
			}
		case audioformat.SampleI16:
			for c := 0; c < b.channels; c++ {
				b.i16[base+c] = audiobuffer.Float32ToI16(native[c][i])
			}
		case audioformat.SampleU16:
			for c := 0; c < b.channels; c++ {
				b.u16[base+c] = audiobuffer.Float32ToU16(native[c][i])
			}
		}
		b.cursor++
		if b.cursor == b.periodFrames {
			b.onData(b.buf)
			b.cursor = 0
		}
	}
}

// ProcessInterleaved is Process for backends whose native buffers are already
// interleaved.
func (b *Input) ProcessInterleaved(nframes int, native []float32) {
	if !b.playing.Load() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < nframes; i++ {
		base := b.cursor * b.channels
		nbase := i * b.channels
		switch b.format {
		case audioformat.SampleF32:
			copy(b.f32[base:base+b.channels], native[nbase:nbase+b.channels])
		case audioformat.SampleI16:
			for c := 0; c < b.channels; c++ {
				b.i16[base+c] = audiobuffer.Float32ToI16(native[nbase+c])
			}
		case audioformat.SampleU16:
			for c := 0; c < b.channels; c++ {
				b.u16[base+c] = audiobuffer.Float32ToU16(native[nbase+c])
			}
		}
		b.cursor++
		if b.cursor == b.periodFrames {
			b.onData(b.buf)
			b.cursor = 0
		}
	}
}
