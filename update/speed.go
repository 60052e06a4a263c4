package update

import (
	"strconv"
	"time"
)

// SpeedInterval is the minimum time between two throughput samples.
const SpeedInterval = time.Second

// SpeedEstimator computes throughput over sliding intervals of at least
// SpeedInterval. The rate is 0 until the first interval has elapsed.
type SpeedEstimator struct {
	lastMark   uint64
	lastSample time.Time
	rate       float64
	started    bool
}

// Reset starts a new measurement at now with zero bytes.
func (s *SpeedEstimator) Reset(now time.Time) {
	*s = SpeedEstimator{lastSample: now, started: true}
}

// Update records that written bytes have been stored at now. It reports
// whether a new sample was taken.
func (s *SpeedEstimator) Update(now time.Time, written uint64) bool {
	if !s.started {
		s.Reset(now)
	}
	dt := now.Sub(s.lastSample)
	if dt < SpeedInterval {
		return false
	}
	var delta uint64
	if written > s.lastMark {
		delta = written - s.lastMark
	}
	s.rate = float64(delta) / dt.Seconds()
	s.lastMark = written
	s.lastSample = now
	return true
}

// Rate returns the last sampled rate in bytes per second.
func (s *SpeedEstimator) Rate() float64 { return s.rate }

var (
	speedUnits = [...]string{"B/s", "KB/s", "MB/s", "GB/s", "TB/s"}
	byteUnits  = [...]string{"B", "KB", "MB", "GB", "TB"}
)

// FormatSpeed renders a rate in bytes per second with one decimal, e.g.
// "125.3 KB/s".
func FormatSpeed(bytesPerSec float64) string {
	return scale(bytesPerSec, speedUnits[:])
}

// FormatBytes renders a byte count with one decimal, e.g. "1.5 MB".
func FormatBytes(n uint64) string {
	return scale(float64(n), byteUnits[:])
}

func scale(v float64, units []string) string {
	if v < 0 {
		v = 0
	}
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return strconv.FormatFloat(v, 'f', 1, 64) + " " + units[i]
}
