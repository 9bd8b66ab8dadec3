package transcriber

import "time"

// SilenceDetector reports the moment a run of quiet levels reaches
// Duration. It fires once per quiet run; any level at or above Threshold
// ends the run.
type SilenceDetector struct {
	Threshold float64
	Duration  time.Duration

	silent bool
	start  time.Duration
	fired  bool
}

// Observe feeds one level sample taken at audio time at. It returns true
// exactly when the current quiet run first reaches Duration.
func (d *SilenceDetector) Observe(level float64, at time.Duration) bool {
	if level >= d.Threshold {
		d.silent = false
		d.fired = false
		return false
	}
	if !d.silent {
		d.silent = true
		d.start = at
		return d.Duration <= 0 && d.fire()
	}
	if !d.fired && at-d.start >= d.Duration {
		return d.fire()
	}
	return false
}

func (d *SilenceDetector) fire() bool {
	d.fired = true
	return true
}

// Silent reports whether the last sample was below the threshold.
func (d *SilenceDetector) Silent() bool { return d.silent }

func (d *SilenceDetector) Reset() {
	*d = SilenceDetector{Threshold: d.Threshold, Duration: d.Duration}
}
