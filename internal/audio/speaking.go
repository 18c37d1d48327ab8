package audio

import "time"

// SpeakingDetector turns a stream of level samples into a stable boolean
// speaking signal using hysteresis: the level must stay above the
// threshold for the activation delay before speaking turns true, and
// must stay below it for the stop delay before it turns false. Transient
// noise spikes and short pauses do not flicker the signal.
//
// Not safe for concurrent use; the audio pipeline feeds it from one
// goroutine.
type SpeakingDetector struct {
	threshold  float64
	activation time.Duration
	stop       time.Duration
	now        func() time.Time

	speaking   bool
	aboveSince time.Time
	belowSince time.Time
}

func NewSpeakingDetector(threshold float64, activation, stop time.Duration) *SpeakingDetector {
	return &SpeakingDetector{
		threshold:  threshold,
		activation: activation,
		stop:       stop,
		now:        time.Now,
	}
}

// WithClock replaces the time source; tests drive it deterministically.
func (d *SpeakingDetector) WithClock(now func() time.Time) *SpeakingDetector {
	d.now = now
	return d
}

func (d *SpeakingDetector) Speaking() bool { return d.speaking }

// Update feeds one level sample and reports whether the speaking signal
// flipped on this sample.
func (d *SpeakingDetector) Update(level float64) (speaking, changed bool) {
	now := d.now()

	if level >= d.threshold {
		d.belowSince = time.Time{}
		if !d.speaking {
			if d.aboveSince.IsZero() {
				d.aboveSince = now
			} else if now.Sub(d.aboveSince) >= d.activation {
				d.speaking = true
				changed = true
			}
		}
	} else {
		d.aboveSince = time.Time{}
		if d.speaking {
			if d.belowSince.IsZero() {
				d.belowSince = now
			} else if now.Sub(d.belowSince) >= d.stop {
				d.speaking = false
				changed = true
			}
		}
	}
	return d.speaking, changed
}

// Reset drops all pending state, e.g. on device switch.
func (d *SpeakingDetector) Reset() {
	d.speaking = false
	d.aboveSince = time.Time{}
	d.belowSince = time.Time{}
}
