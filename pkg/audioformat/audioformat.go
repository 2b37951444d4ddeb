package audioformat

import (
	"errors"
	"fmt"
)

var (
	// ErrFormatNotSupported is returned when a requested Format matches none of
	// a device's supported ranges. It is surfaced at stream build time only;
	// no stream is ever constructed with an unsupported format.
	ErrFormatNotSupported = errors.New("audioformat: format not supported by device")

	errInvalidFormat = errors.New("audioformat: channels and sample rate must be positive")
)

// SampleFormat tags the element type of the samples in a buffer.
type SampleFormat int

const (
	// SampleU16 uses unsigned 16-bit integers centered on 32768.
	SampleU16 SampleFormat = iota
	// SampleI16 uses signed 16-bit integers.
	SampleI16
	// SampleF32 uses 32-bit floats normalized to (-1..1).
	SampleF32
)

// BytesPerSample returns the element stride for buffer size calculations.
func (sf SampleFormat) BytesPerSample() int {
	switch sf {
	case SampleU16, SampleI16:
		return 2
	case SampleF32:
		return 4
	}
	return 0
}

func (sf SampleFormat) String() string {
	switch sf {
	case SampleU16:
		return "u16"
	case SampleI16:
		return "i16"
	case SampleF32:
		return "f32"
	}
	return "?"
}

// Format describes a concrete stream format agreed on at negotiation time.
// Immutable once a stream has been built from it.
type Format struct {
	NumChannels int
	SampleRate  int
	Sample      SampleFormat
}

func (f Format) Validate() error {
	if f.NumChannels <= 0 || f.SampleRate <= 0 {
		return errInvalidFormat
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%dch %dHz %s", f.NumChannels, f.SampleRate, f.Sample)
}

// SupportedRange describes one range of formats a device supports, as produced
// by capability queries. Convert to a concrete Format with WithMaxRate.
type SupportedRange struct {
	NumChannels   int
	MinSampleRate int
	MaxSampleRate int
	Sample        SampleFormat
}

// Supports reports whether f falls inside this range: exact channel count and
// sample format equality, sample rate within [min, max] inclusive.
func (r SupportedRange) Supports(f Format) bool {
	return r.NumChannels == f.NumChannels &&
		r.Sample == f.Sample &&
		f.SampleRate >= r.MinSampleRate &&
		f.SampleRate <= r.MaxSampleRate
}

// WithMaxRate picks the maximum sample rate in the range, yielding a concrete
// Format.
func (r SupportedRange) WithMaxRate() Format {
	return Format{
		NumChannels: r.NumChannels,
		SampleRate:  r.MaxSampleRate,
		Sample:      r.Sample,
	}
}

// Negotiate checks a requested format against a device's supported ranges.
// It returns nil if any range supports the format, ErrFormatNotSupported
// otherwise. Callers must negotiate before constructing a stream or bridge.
func Negotiate(f Format, ranges []SupportedRange) error {
	if err := f.Validate(); err != nil {
		return err
	}
	for _, r := range ranges {
		if r.Supports(f) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrFormatNotSupported, f)
}
