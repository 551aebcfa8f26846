package media

// Upsample2x doubles the sample rate of 16-bit mono PCM by linear
// interpolation. The pipeline runs at 16 kHz; SIP audio arrives at 8 kHz.
func Upsample2x(pcm []byte) []byte {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	out := make([]byte, n*4)
	prev := int16(pcm[0]) | int16(pcm[1])<<8
	for i := 0; i < n; i++ {
		cur := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		mid := int16((int32(prev) + int32(cur)) / 2)
		out[i*4] = byte(mid)
		out[i*4+1] = byte(mid >> 8)
		out[i*4+2] = byte(cur)
		out[i*4+3] = byte(cur >> 8)
		prev = cur
	}
	return out
}

// Downsample2x halves the sample rate by averaging sample pairs, which
// doubles as a crude low-pass filter.
func Downsample2x(pcm []byte) []byte {
	pairs := len(pcm) / 4
	if pairs == 0 {
		return nil
	}
	out := make([]byte, pairs*2)
	for i := 0; i < pairs; i++ {
		a := int16(pcm[i*4]) | int16(pcm[i*4+1])<<8
		b := int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8
		avg := int16((int32(a) + int32(b)) / 2)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}
