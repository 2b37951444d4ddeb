package audiobuffer

// Sample conversion between the supported element types and the normalized
// float32 the native layer carries. Conversion happens at copy time; there is
// no pointer reinterpretation anywhere in the buffer path.

// I16ToFloat32 maps a signed 16-bit sample onto [-1, 1).
func I16ToFloat32(v int16) float32 {
	return float32(v) / 32768
}

// U16ToFloat32 maps an unsigned 16-bit sample, centered on 32768, onto [-1, 1).
func U16ToFloat32(v uint16) float32 {
	return (float32(v) - 32768) / 32768
}

// Float32ToI16 converts a normalized float sample to signed 16-bit, clamping
// out-of-range input.
func Float32ToI16(v float32) int16 {
	if v >= 1 {
		return 32767
	}
	if v <= -1 {
		return -32768
	}
	return int16(v * 32768)
}

// Float32ToU16 converts a normalized float sample to unsigned 16-bit centered
// on 32768, clamping out-of-range input.
func Float32ToU16(v float32) uint16 {
	if v >= 1 {
		return 65535
	}
	if v <= -1 {
		return 0
	}
	return uint16(v*32768 + 32768)
}
