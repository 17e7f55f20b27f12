package downloader

import "time"

// smoothingFactor weights the newest instantaneous rate; higher reacts
// faster, lower is steadier.
const smoothingFactor = 0.3

type speedSample struct {
	at    time.Time
	bytes int64
}

// speedEstimator produces an exponentially smoothed transfer rate. The first
// reading is the plain average since the transfer started.
type speedEstimator struct {
	last   speedSample
	speed  float64
	primed bool
}

func newSpeedEstimator(start time.Time, startBytes int64) *speedEstimator {
	return &speedEstimator{last: speedSample{at: start, bytes: startBytes}}
}

func (e *speedEstimator) update(bytes int64, now time.Time) float64 {
	elapsed := now.Sub(e.last.at).Seconds()
	if elapsed <= 0 {
		return e.speed
	}

	instant := float64(bytes-e.last.bytes) / elapsed
	if !e.primed {
		e.speed = instant
		e.primed = true
	} else {
		e.speed = smoothingFactor*instant + (1-smoothingFactor)*e.speed
	}

	e.last = speedSample{at: now, bytes: bytes}
	return e.speed
}

// eta estimates seconds remaining, zero when the rate or total is unknown.
func (e *speedEstimator) eta(downloaded, total int64) float64 {
	if total <= 0 || e.speed <= 0 || downloaded >= total {
		return 0
	}
	return float64(total-downloaded) / e.speed
}
