package reludp

import (
	"math"
	"time"
)

// latencyAlpha is the smoothing factor of the round-trip estimator.
const latencyAlpha = 0.2

// latencyEstimator keeps an exponential moving average of round-trip
// samples. The zero value means no sample has been seen yet.
type latencyEstimator struct {
	lag float64 // seconds
}

func (e *latencyEstimator) sample(rtt time.Duration) {
	x := rtt.Seconds()
	if math.Abs(e.lag) < 1e-5 {
		e.lag = x
		return
	}
	e.lag += latencyAlpha * (x - e.lag)
}

func (e *latencyEstimator) value() time.Duration {
	return time.Duration(e.lag * float64(time.Second))
}
