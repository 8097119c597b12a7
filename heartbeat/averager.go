/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package heartbeat

import (
	"math"
	"time"

	"github.com/eclesh/welford"
)

// DefaultAveragerWindow is the number of samples TimeAverager keeps, per
// spec.md §4.1.
const DefaultAveragerWindow = 20

// DefaultMaxRTT caps positive round-trip-time samples, resolving the Open
// Question in spec.md §9 about unprotected RTT samples in the original.
const DefaultMaxRTT = time.Second

// TimeAverager is a bounded ring of the most recent round-trip-time
// samples to one (source-endpoint, multicast-endpoint) pair, used both to
// pick the best interface to a peer and to derive the network-time offset
// (spec.md §4.1, §4.6). The mean/variance reduction is the direct
// domain-stack analogue of the teacher's servo package, built here on
// github.com/eclesh/welford's online accumulator.
type TimeAverager struct {
	window  int
	maxRTT  time.Duration
	samples []float64
	next    int
	filled  int
	stale   int // consecutive ticks without a fresh sample
}

// NewTimeAverager constructs a TimeAverager with the given window size.
func NewTimeAverager(window int) *TimeAverager {
	if window <= 0 {
		window = DefaultAveragerWindow
	}
	return &TimeAverager{
		window:  window,
		maxRTT:  DefaultMaxRTT,
		samples: make([]float64, 0, window),
	}
}

// Add records a new RTT sample. Negative samples (a clock that jumped
// backwards) are discarded; samples above maxRTT are capped, per the
// robustness the Open Question in spec.md §9 calls for.
func (a *TimeAverager) Add(rtt time.Duration) {
	a.stale = 0
	if rtt < 0 {
		return
	}
	if rtt > a.maxRTT {
		rtt = a.maxRTT
	}
	v := float64(rtt)
	if len(a.samples) < a.window {
		a.samples = append(a.samples, v)
	} else {
		a.samples[a.next] = v
		a.next = (a.next + 1) % a.window
	}
	a.filled++
}

// Tick marks one heartbeat interval passing without a fresh sample for
// this averager. Repeated staleness is what drives the preferred-interface
// hysteresis in the engine (spec.md §4.1).
func (a *TimeAverager) Tick() {
	a.stale++
}

// StaleTicks returns how many consecutive intervals have passed with no
// new sample.
func (a *TimeAverager) StaleTicks() int {
	return a.stale
}

// HasSamples reports whether at least one sample has ever been recorded.
func (a *TimeAverager) HasSamples() bool {
	return len(a.samples) > 0
}

// AverageIgnoringOutliers computes the mean and standard deviation of the
// current window, then returns the mean of the subset of samples within
// one standard deviation of that mean -- spec.md §4.1's
// average_ignoring_outliers(). The result also satisfies spec.md §8's
// testable property that the averager's output is within [min, max] of its
// samples.
func (a *TimeAverager) AverageIgnoringOutliers() (time.Duration, bool) {
	if len(a.samples) == 0 {
		return 0, false
	}

	w := welford.New()
	for _, s := range a.samples {
		w.Add(s)
	}
	mean := w.Mean()
	stddev := math.Sqrt(w.Variance())

	inlier := welford.New()
	for _, s := range a.samples {
		if math.Abs(s-mean) <= stddev {
			inlier.Add(s)
		}
	}
	if inlier.Count() == 0 {
		// guard only: at least one sample always lies within one standard
		// deviation of the mean (stddev == 0 makes every sample an inlier),
		// so this is reached only through floating-point rounding -- fall
		// back to the plain mean.
		return time.Duration(mean), true
	}
	return time.Duration(inlier.Mean()), true
}

// Samples returns a defensive copy of the current window, for tests and
// diagnostics.
func (a *TimeAverager) Samples() []time.Duration {
	out := make([]time.Duration, len(a.samples))
	for i, s := range a.samples {
		out[i] = time.Duration(s)
	}
	return out
}
