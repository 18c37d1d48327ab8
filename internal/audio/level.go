package audio

import "math"

// Level computes the normalized RMS level of one PCM frame, in [0,1].
func Level(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		f := float64(s) / math.MaxInt16
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms > 1 {
		rms = 1
	}
	return rms
}
