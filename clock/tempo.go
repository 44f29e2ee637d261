package clock

import "time"

// Window is the number of inter-tick intervals averaged: one beat at PPQN
const Window = PPQN

// Defaults for clock-lost detection
const (
	DefaultLostMultiplier = 12.0
	DefaultLostFallback   = 2 * time.Second
)

// outlierRatio bounds accepted intervals to [mean/4, mean*4]
const outlierRatio = 4

// reseedAfter consecutive outliers are taken as a real tempo jump
const reseedAfter = 6

// TempoEstimator turns tick arrival times into a smoothed BPM. Not safe
// for concurrent use; the processing goroutine owns it.
type TempoEstimator struct {
	ticksPerBeat   int
	lostMultiplier float64
	lostFallback   time.Duration

	samples [Window]time.Duration
	head    int
	count   int
	sum     time.Duration

	last    time.Time
	hasLast bool

	// transport change waiting for its first tick
	armedAt time.Time
	armed   bool

	streak   int // consecutive outliers
	rejected uint64
}

// NewTempoEstimator creates an estimator. Zero values select the defaults.
func NewTempoEstimator(ticksPerBeat int, lostMultiplier float64, lostFallback time.Duration) *TempoEstimator {
	if ticksPerBeat <= 0 {
		ticksPerBeat = PPQN
	}
	if lostMultiplier <= 0 {
		lostMultiplier = DefaultLostMultiplier
	}
	if lostFallback <= 0 {
		lostFallback = DefaultLostFallback
	}
	return &TempoEstimator{
		ticksPerBeat:   ticksPerBeat,
		lostMultiplier: lostMultiplier,
		lostFallback:   lostFallback,
	}
}

// Observe records a tick received at `at`. It reports whether the interval
// since the previous tick went into the buffer. The previous-tick time
// always advances, so a rejected interval never poisons the next one.
func (e *TempoEstimator) Observe(at time.Time) bool {
	e.armed = false
	if !e.hasLast {
		e.last = at
		e.hasLast = true
		return false
	}
	delta := at.Sub(e.last)
	e.last = at

	if delta <= 0 {
		e.rejected++
		return false
	}

	if e.count > 0 {
		mean := e.sum / time.Duration(e.count)
		if delta > mean*outlierRatio || delta*outlierRatio < mean {
			e.rejected++
			e.streak++
			if e.streak < reseedAfter {
				return false
			}
			e.clearSamples()
		}
	}
	e.streak = 0
	e.push(delta)
	return true
}

func (e *TempoEstimator) push(d time.Duration) {
	if e.count == Window {
		e.sum -= e.samples[e.head]
	} else {
		e.count++
	}
	e.samples[e.head] = d
	e.sum += d
	e.head = (e.head + 1) % Window
}

func (e *TempoEstimator) clearSamples() {
	e.samples = [Window]time.Duration{}
	e.head = 0
	e.count = 0
	e.sum = 0
	e.streak = 0
}

// Reset forgets all samples and the previous tick (transport Start, clock lost)
func (e *TempoEstimator) Reset() {
	e.clearSamples()
	e.hasLast = false
	e.last = time.Time{}
	e.armed = false
}

// Arm starts the fallback window at `at` when no tick is held yet, so a
// Start or Continue that no tick follows still counts as lost. Nothing
// enters the interval buffer.
func (e *TempoEstimator) Arm(at time.Time) {
	e.armedAt = at
	e.armed = true
}

// Mean returns the average accepted interval
func (e *TempoEstimator) Mean() (time.Duration, bool) {
	if e.count == 0 {
		return 0, false
	}
	return e.sum / time.Duration(e.count), true
}

// BPM returns the tempo once at least two intervals are held
func (e *TempoEstimator) BPM() (float64, bool) {
	if e.count < 2 {
		return 0, false
	}
	mean := e.sum.Seconds() / float64(e.count)
	if mean <= 0 {
		return 0, false
	}
	return 60 / (mean * float64(e.ticksPerBeat)), true
}

// Samples returns how many intervals are buffered
func (e *TempoEstimator) Samples() int { return e.count }

// Rejected returns how many intervals were discarded as outliers
func (e *TempoEstimator) Rejected() uint64 { return e.rejected }

// Deadline is the latest time the next tick may arrive before the clock
// counts as lost. ok is false until a tick has been seen or Arm was called.
func (e *TempoEstimator) Deadline() (deadline time.Time, ok bool) {
	if !e.hasLast {
		if e.armed {
			return e.armedAt.Add(e.lostFallback), true
		}
		return time.Time{}, false
	}
	window := e.lostFallback
	if mean, ok := e.Mean(); ok {
		window = time.Duration(float64(mean) * e.lostMultiplier)
	}
	return e.last.Add(window), true
}

// Lost reports whether now is past the deadline
func (e *TempoEstimator) Lost(now time.Time) bool {
	deadline, ok := e.Deadline()
	return ok && now.After(deadline)
}
