package media

// G.711 mu-law / A-law transcoding for the 8 kHz SIP audio path. Lookup
// tables are built once at init; per-packet work is a table walk.

const (
	ulawBias = 0x84
	ulawClip = 32635
	alawClip = 32635
)

var (
	ulawToPCM [256]int16
	alawToPCM [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		ulawToPCM[i] = decodeUlawSample(byte(i))
		alawToPCM[i] = decodeAlawSample(byte(i))
	}
}

func decodeUlawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0f
	sample := (int16(mantissa)<<3 + ulawBias) << exponent
	sample -= ulawBias
	if sign != 0 {
		return -sample
	}
	return sample
}

func decodeAlawSample(a byte) int16 {
	a ^= 0x55
	sign := a & 0x80
	exponent := (a >> 4) & 0x07
	mantissa := int16(a & 0x0f)
	var sample int16
	if exponent == 0 {
		sample = mantissa<<4 + 8
	} else {
		sample = (mantissa<<4 + 0x108) << (exponent - 1)
	}
	// after the 0x55 toggle a set sign bit means positive
	if sign == 0 {
		return -sample
	}
	return sample
}

// EncodeUlawSample compresses one linear PCM sample to mu-law.
func EncodeUlawSample(pcm int16) byte {
	// widen before negating so -32768 does not wrap
	v := int(pcm)
	sign := byte(0)
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	exponent := byte(7)
	for mask := 0x4000; exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(v>>(exponent+3)) & 0x0f
	return ^(sign | exponent<<4 | mantissa)
}

// EncodeAlawSample compresses one linear PCM sample to A-law.
func EncodeAlawSample(pcm int16) byte {
	v := int(pcm)
	sign := byte(0x80)
	if v < 0 {
		sign = 0
		v = -v
	}
	if v > alawClip {
		v = alawClip
	}

	var out byte
	if v < 0x100 {
		out = byte(v >> 4)
	} else {
		exponent := byte(7)
		for mask := 0x4000; exponent > 1 && v&mask == 0; mask >>= 1 {
			exponent--
		}
		mantissa := byte(v>>(exponent+3)) & 0x0f
		out = exponent<<4 | mantissa
	}
	return (out | sign) ^ 0x55
}

// DecodeUlaw expands a mu-law payload to 16-bit little-endian PCM.
func DecodeUlaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := ulawToPCM[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// DecodeAlaw expands an A-law payload to 16-bit little-endian PCM.
func DecodeAlaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := alawToPCM[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeUlaw compresses 16-bit little-endian PCM to mu-law. A trailing odd
// byte is dropped.
func EncodeUlaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeUlawSample(s)
	}
	return out
}

// EncodeAlaw compresses 16-bit little-endian PCM to A-law. A trailing odd
// byte is dropped.
func EncodeAlaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeAlawSample(s)
	}
	return out
}
