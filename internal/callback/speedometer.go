package callback

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"
)

// Speedometer logs training throughput, and the running metric if one is
// attached, every frequent batches.
type Speedometer struct {
	batchSize int
	frequent  int
	autoReset bool
	log       logr.Logger
	now       func() time.Time

	init      bool
	tic       time.Time
	lastBatch int
}

// SpeedometerOption customizes a Speedometer.
type SpeedometerOption func(*Speedometer)

// WithSpeedLogger routes the speed lines to log.
func WithSpeedLogger(log logr.Logger) SpeedometerOption {
	return func(s *Speedometer) { s.log = log }
}

// WithAutoReset controls whether the metric is reset after being reported.
func WithAutoReset(reset bool) SpeedometerOption {
	return func(s *Speedometer) { s.autoReset = reset }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SpeedometerOption {
	return func(s *Speedometer) { s.now = now }
}

// NewSpeedometer returns a Speedometer for batches of batchSize samples that
// reports every frequent batches.
func NewSpeedometer(batchSize, frequent int, opts ...SpeedometerOption) (*Speedometer, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("speedometer: batch size must be > 0 (got %d)", batchSize)
	}
	if frequent <= 0 {
		return nil, fmt.Errorf("speedometer: frequent must be > 0 (got %d)", frequent)
	}
	s := &Speedometer{
		batchSize: batchSize,
		frequent:  frequent,
		autoReset: true,
		now:       time.Now,
		lastBatch: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log.GetSink() == nil {
		s.log = klog.Background()
	}
	return s, nil
}

// Handle is a BatchEndFunc.
func (s *Speedometer) Handle(p BatchEndParam) error {
	// A smaller batch index starts a fresh measurement. An epoch whose only
	// batch is 0 keeps the running one.
	if s.lastBatch > p.Batch {
		s.init = false
	}
	s.lastBatch = p.Batch

	if !s.init {
		s.init = true
		s.tic = s.now()
		return nil
	}
	if p.Batch%s.frequent != 0 {
		return nil
	}

	elapsed := s.now().Sub(s.tic).Seconds()
	if elapsed <= 0 {
		// No measurable time passed; report on the next multiple instead.
		return nil
	}
	speed := float64(s.frequent*s.batchSize) / elapsed
	kv := []any{"epoch", p.Epoch, "batch", p.Batch, "samplesPerSec", speed}
	if p.Metric != nil {
		for _, nv := range p.Metric.NameValues() {
			kv = append(kv, nv.Name, nv.Value)
		}
		if s.autoReset {
			p.Metric.Reset()
		}
	}
	s.log.Info("Speed", kv...)
	s.tic = s.now()
	return nil
}
