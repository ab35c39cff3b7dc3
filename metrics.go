package gpool

import (
	"time"

	"github.com/cactus/go-statsd-client/statsd"
)

// sampleRate mirrors the teacher's package-level statsd sample rate
// (global.go's SetStatsdSampleRate), generalized to a per-pool field
// instead of a process-wide var so multiple pools in one process don't
// fight over it.
const defaultSampleRate float32 = 1.0

// metrics wraps a statsd.Statter the same way the teacher's Service did
// (service.go NewService/monitor), scoped to one pool instead of one
// multi-host service.
type metrics struct {
	stats      statsd.Statter
	sampleRate float32
}

func newNoopMetrics() *metrics {
	s, _ := statsd.NewNoop()
	return &metrics{stats: s, sampleRate: defaultSampleRate}
}

func newMetrics(addr, prefix string) (*metrics, error) {
	if addr == "" {
		return newNoopMetrics(), nil
	}
	s, err := statsd.New(addr, prefix)
	if err != nil {
		return nil, err
	}
	return &metrics{stats: s, sampleRate: defaultSampleRate}, nil
}

func (m *metrics) gaugeFree(n int32) {
	_ = m.stats.Gauge("holders.free", int64(n), m.sampleRate)
}

func (m *metrics) gaugeInUse(n int32) {
	_ = m.stats.Gauge("holders.in_use", int64(n), m.sampleRate)
}

func (m *metrics) timingAcquire(d time.Duration) {
	_ = m.stats.Timing("acquire.delay", int64(d/time.Millisecond), m.sampleRate)
}

func (m *metrics) incAcquireFail() {
	_ = m.stats.Inc("acquire.fails", 1, m.sampleRate)
}

func (m *metrics) incRetry(tag RetryTag) {
	_ = m.stats.Inc("transaction.retries."+string(tag), 1, m.sampleRate)
}
