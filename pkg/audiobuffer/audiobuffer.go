// Package audiobuffer provides the scoped buffer views handed to stream
// callbacks. A view covers exactly one staging period of interleaved samples
// ([ch0_frame0, ch1_frame0, ..., ch0_frame1, ...]) in the stream's negotiated
// sample format.
//
// The typed accessors (Float32, Int16, Uint16) return the underlying samples
// only when the view's sample format matches; any other accessor returns nil.
// Samples are never reinterpreted across element types.
package audiobuffer

import (
	"github.com/audiowire/audiowire/pkg/audioformat"
)

// Output is the writable view passed to output data callbacks.
//
// The callback must fill the entire view before returning; contents not
// written are undefined, and whatever the view holds when the callback
// returns is what reaches the device. Treat the view as write-only: its
// contents before filling are the previous period's samples, not input data.
// The view is only valid for the duration of one callback invocation.
type Output struct {
	format   audioformat.SampleFormat
	channels int
	frames   int

	f32 []float32
	i16 []int16
	u16 []uint16
}

// NewOutput allocates an output staging view for one period of periodFrames
// frames in the given format. The backing store is owned by the caller's
// bridge for the lifetime of the stream; no further allocation occurs.
func NewOutput(f audioformat.Format, periodFrames int) *Output {
	b := &Output{
		format:   f.Sample,
		channels: f.NumChannels,
		frames:   periodFrames,
	}
	n := f.NumChannels * periodFrames
	switch f.Sample {
	case audioformat.SampleF32:
		b.f32 = make([]float32, n)
	case audioformat.SampleI16:
		b.i16 = make([]int16, n)
	case audioformat.SampleU16:
		b.u16 = make([]uint16, n)
	}
	return b
}

// Len returns the total sample count, frames times channels.
func (b *Output) Len() int { return b.frames * b.channels }

func (b *Output) Frames() int { return b.frames }

func (b *Output) Channels() int { return b.channels }

func (b *Output) SampleFormat() audioformat.SampleFormat { return b.format }

// Float32 returns the interleaved samples to fill, or nil if the view's
// sample format is not f32.
func (b *Output) Float32() []float32 { return b.f32 }

// Int16 returns the interleaved samples to fill, or nil if the view's sample
// format is not i16.
func (b *Output) Int16() []int16 { return b.i16 }

// Uint16 returns the interleaved samples to fill, or nil if the view's sample
// format is not u16.
func (b *Output) Uint16() []uint16 { return b.u16 }

// Input is the read-only view passed to input data callbacks. The samples are
// valid only for the duration of one callback invocation; callers that need
// them afterwards must copy.
type Input struct {
	format   audioformat.SampleFormat
	channels int
	frames   int

	f32 []float32
	i16 []int16
	u16 []uint16
}

// NewInput allocates an input staging view for one period of periodFrames
// frames in the given format.
func NewInput(f audioformat.Format, periodFrames int) *Input {
	b := &Input{
		format:   f.Sample,
		channels: f.NumChannels,
		frames:   periodFrames,
	}
	n := f.NumChannels * periodFrames
	switch f.Sample {
	case audioformat.SampleF32:
		b.f32 = make([]float32, n)
	case audioformat.SampleI16:
		b.i16 = make([]int16, n)
	case audioformat.SampleU16:
		b.u16 = make([]uint16, n)
	}
	return b
}

// Len returns the total sample count, frames times channels.
func (b *Input) Len() int { return b.frames * b.channels }

func (b *Input) Frames() int { return b.frames }

func (b *Input) Channels() int { return b.channels }

func (b *Input) SampleFormat() audioformat.SampleFormat { return b.format }

// Float32 returns the interleaved samples, or nil if the view's sample format
// is not f32. The slice must not be mutated.
func (b *Input) Float32() []float32 { return b.f32 }

// Int16 returns the interleaved samples, or nil if the view's sample format
// is not i16. The slice must not be mutated.
func (b *Input) Int16() []int16 { return b.i16 }

// Uint16 returns the interleaved samples, or nil if the view's sample format
// is not u16. The slice must not be mutated.
func (b *Input) Uint16() []uint16 { return b.u16 }
