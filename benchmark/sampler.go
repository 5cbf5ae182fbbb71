package benchmark

import (
	"context"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"zkbenchmarker/namespace"
)

// LatencySample is one timed read.
type LatencySample struct {
	Path   string
	Millis float64
}

// LatencyStats summarizes the samples of one measurement.
type LatencyStats struct {
	Path       string
	Requested  int
	ChildCount int
	Samples    []LatencySample
	Min        float64
	Max        float64
	Mean       float64
	Err        error // the read error that stopped sampling early, if any
}

// Incomplete reports whether fewer samples than requested were collected.
func (s *LatencyStats) Incomplete() bool {
	return len(s.Samples) < s.Requested
}

// Clock abstracts time for the sampler.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Sampler measures list-children latency. Samples are taken one after another over a
// single session; it keeps its accumulators unsynchronized and must not be shared
// between goroutines.
type Sampler struct {
	clock Clock
	log   *log.Entry
}

// NewSampler returns a sampler using clock, or the wall clock when clock is nil.
func NewSampler(clock Clock, logger *log.Entry) *Sampler {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Sampler{clock: clock, log: logger}
}

// Measure reports the child count of path once, untimed, then times n sequential
// ListChildren calls. n <= 0 skips measurement. If a read fails, the stats cover the
// samples taken so far and the error is returned as well as recorded in Err.
func (s *Sampler) Measure(ctx context.Context, client namespace.Client, path string, n int) (*LatencyStats, error) {
	st := &LatencyStats{Path: path, Requested: max(n, 0)}
	if n <= 0 {
		return st, nil
	}

	children, err := client.ListChildren(ctx, path)
	if err != nil {
		st.Err = errors.WithMessagef(err, "count children of %s", path)
		return st, st.Err
	}
	st.ChildCount = len(children)
	s.log.WithField("path", path).Infof("Num child nodes under path %s: %d", path, st.ChildCount)

	st.Samples = make([]LatencySample, 0, n)
	for i := 0; i < n; i++ {
		start := s.clock.Now()
		_, err := client.ListChildren(ctx, path)
		elapsed := s.clock.Now().Sub(start)
		if err != nil {
			st.Err = errors.WithMessagef(err, "sample %d of %d", i+1, n)
			break
		}
		st.Samples = append(st.Samples, LatencySample{Path: path, Millis: float64(elapsed) / float64(time.Millisecond)})
	}

	if len(st.Samples) > 0 {
		millis := make(stats.Float64Data, len(st.Samples))
		for i, sample := range st.Samples {
			millis[i] = sample.Millis
		}
		// Errors are only returned for empty input, which is excluded above.
		st.Min, _ = millis.Min()
		st.Max, _ = millis.Max()
		st.Mean, _ = millis.Mean()
	}
	return st, st.Err
}
