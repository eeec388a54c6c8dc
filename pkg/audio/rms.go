package audio

import "math"

// RMS computes the root-mean-square energy of PCM16 little-endian samples,
// in 16-bit sample units (max 32767). Used by batch providers to discard
// silent chunks before spending a network call on them. A trailing odd byte
// is ignored.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < samples; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(samples))
}
