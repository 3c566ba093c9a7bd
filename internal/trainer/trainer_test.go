package trainer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seir/internal/callback"
	"seir/internal/dataset"
	"seir/internal/metrics"
)

type memSource struct {
	samples []dataset.Sample
}

func (m *memSource) Len() int { return len(m.samples) }

func (m *memSource) Get(i int) (dataset.Sample, error) {
	if i < 0 || i >= len(m.samples) {
		return dataset.Sample{}, dataset.ErrIndexOutOfRange
	}
	return m.samples[i], nil
}

func newSource(n int) *memSource {
	src := &memSource{}
	for i := 0; i < n; i++ {
		src.samples = append(src.samples, dataset.Sample{
			ID:    fmt.Sprintf("s%d", i),
			Image: dataset.Array{Shape: []int{3, 1, 1}, Data: []float32{float32(i), 0, 0}},
			State: dataset.Array{Shape: []int{1}, Data: []float32{1}},
			Label: dataset.Array{Shape: []int{2}, Data: []float32{float32(i % 2), 1}},
		})
	}
	return src
}

// fakeNet predicts a constant row and records every call the trainer makes.
type fakeNet struct {
	initCalls   int
	devices     []Device
	optimizer   string
	forwards    []Device
	backwards   int
	steps       []int
	exports     []int
	failForward bool
}

func (f *fakeNet) Initialize(init Initializer, devices []Device) error {
	f.initCalls++
	f.devices = devices
	data := make([]float32, 4)
	init.Init("w", []int{2, 2}, data)
	return nil
}

func (f *fakeNet) NewOptimizer(name string, params OptimizerParams) (Optimizer, error) {
	if name != "sgd" {
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
	f.optimizer = name
	return optimizerFunc(func(n int) error {
		f.steps = append(f.steps, n)
		return nil
	}), nil
}

func (f *fakeNet) Forward(shard Shard) (dataset.Array, error) {
	if f.failForward {
		return dataset.Array{}, errors.New("backend exploded")
	}
	f.forwards = append(f.forwards, shard.Device)
	out := dataset.NewArray(shard.Labels.Len(), 2)
	for i := 0; i < out.Len(); i++ {
		out.Row(i)[1] = 1
	}
	return out, nil
}

func (f *fakeNet) Backward(grad dataset.Array) error {
	f.backwards++
	return nil
}

func (f *fakeNet) Export(prefix string, epoch int) (string, error) {
	f.exports = append(f.exports, epoch)
	return callback.SnapshotPath(prefix, epoch), nil
}

type optimizerFunc func(int) error

func (o optimizerFunc) Step(n int) error { return o(n) }

func TestTrainEndToEnd(t *testing.T) {
	net := &fakeNet{}
	tr, err := New(Config{
		Network:   net,
		Train:     newSource(4),
		BatchSize: 2,
		EndEpoch:  2,
		Logger:    logr.Discard(),
	})
	require.NoError(t, err)

	var batchEnds []callback.BatchEndParam
	var epochEnds []int
	err = tr.Train(context.Background(), TrainOptions{
		BatchEnd: []callback.BatchEndFunc{func(p callback.BatchEndParam) error {
			batchEnds = append(batchEnds, p)
			return nil
		}},
		EpochEnd: []callback.EpochEndFunc{func(epoch int, exp callback.Exporter) error {
			epochEnds = append(epochEnds, epoch)
			_, err := exp.Export("model", epoch)
			return err
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, epochEnds)
	assert.Equal(t, []int{0, 1}, net.exports)
	require.Len(t, batchEnds, 4)
	for i, p := range batchEnds {
		assert.Equal(t, i/2, p.Epoch)
		assert.Equal(t, i%2, p.Batch)
		require.NotNil(t, p.Metric)
		assert.Equal(t, "accuracy", p.Metric.Name())
	}
	assert.Equal(t, []int{2, 2, 2, 2}, net.steps)
	assert.Equal(t, 4, net.backwards)
	assert.Equal(t, 1, net.initCalls)
	assert.Equal(t, "sgd", net.optimizer)
	assert.Equal(t, []Device{CPU(0)}, net.devices)
}

func TestTrainInitializesOnce(t *testing.T) {
	net := &fakeNet{}
	tr, err := New(Config{Network: net, Train: newSource(2), BatchSize: 2, EndEpoch: 1, Logger: logr.Discard()})
	require.NoError(t, err)

	require.NoError(t, tr.Train(context.Background(), TrainOptions{}))
	require.NoError(t, tr.Train(context.Background(), TrainOptions{}))
	assert.Equal(t, 1, net.initCalls)
	assert.Len(t, net.steps, 2)
}

type loadedNet struct {
	fakeNet
}

func (l *loadedNet) Initialized() bool { return true }

func TestTrainSkipsInitForLoadedNetwork(t *testing.T) {
	net := &loadedNet{}
	tr, err := New(Config{Network: net, Train: newSource(2), BatchSize: 2, BeginEpoch: 4, EndEpoch: 5, Logger: logr.Discard()})
	require.NoError(t, err)

	require.NoError(t, tr.Train(context.Background(), TrainOptions{}))
	assert.Equal(t, 0, net.initCalls)
	assert.Len(t, net.steps, 1)
}

func TestTrainSplitsAcrossDevices(t *testing.T) {
	net := &fakeNet{}
	devices := []Device{CPU(0), CPU(1)}
	tr, err := New(Config{
		Network:   net,
		Train:     newSource(5),
		BatchSize: 3,
		Devices:   devices,
		EndEpoch:  1,
		Logger:    logr.Discard(),
	})
	require.NoError(t, err)

	// the trailing batch holds two samples, one per device
	require.NoError(t, tr.Train(context.Background(), TrainOptions{}))
	assert.Equal(t, []Device{CPU(0), CPU(1), CPU(0), CPU(1)}, net.forwards)
	assert.Equal(t, []int{3, 2}, net.steps)
}

func TestTrainRejectsBatchSmallerThanDevices(t *testing.T) {
	tr, err := New(Config{
		Network:   &fakeNet{},
		Train:     newSource(3),
		BatchSize: 2,
		Devices:   []Device{CPU(0), CPU(1)},
		EndEpoch:  1,
		Logger:    logr.Discard(),
	})
	require.NoError(t, err)

	err = tr.Train(context.Background(), TrainOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "epoch 0 batch 1")
}

func TestTrainWrapsForwardError(t *testing.T) {
	net := &fakeNet{failForward: true}
	tr, err := New(Config{Network: net, Train: newSource(2), BatchSize: 1, BeginEpoch: 3, EndEpoch: 4, Logger: logr.Discard()})
	require.NoError(t, err)

	err = tr.Train(context.Background(), TrainOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "epoch 3 batch 0")
	assert.Contains(t, err.Error(), "backend exploded")
}

func TestTrainStopsOnCancel(t *testing.T) {
	net := &fakeNet{}
	tr, err := New(Config{Network: net, Train: newSource(4), BatchSize: 1, EndEpoch: 5, Logger: logr.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = tr.Train(ctx, TrainOptions{
		BatchEnd: []callback.BatchEndFunc{func(p callback.BatchEndParam) error {
			if p.Batch == 1 {
				cancel()
			}
			return nil
		}},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, net.steps, 2)
}

func TestTrainCallbackErrorStops(t *testing.T) {
	net := &fakeNet{}
	tr, err := New(Config{Network: net, Train: newSource(2), BatchSize: 1, EndEpoch: 2, Logger: logr.Discard()})
	require.NoError(t, err)

	boom := errors.New("disk full")
	err = tr.Train(context.Background(), TrainOptions{
		EpochEnd: []callback.EpochEndFunc{func(int, callback.Exporter) error { return boom }},
	})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, net.steps, 2)
}

func TestTrainOptionsValidation(t *testing.T) {
	tr, err := New(Config{Network: &fakeNet{}, Train: newSource(2), BatchSize: 1, EndEpoch: 1, Logger: logr.Discard()})
	require.NoError(t, err)

	err = tr.Train(context.Background(), TrainOptions{KVStore: KVStoreDistSync})
	assert.ErrorIs(t, err, ErrUnsupportedKVStore)

	err = tr.Train(context.Background(), TrainOptions{MetricName: "bleu"})
	assert.ErrorIs(t, err, metrics.ErrUnknownMetric)

	err = tr.Train(context.Background(), TrainOptions{Optimizer: "lbfgs"})
	assert.Error(t, err)
}

func TestTrainUsesReadyMetric(t *testing.T) {
	tr, err := New(Config{Network: &fakeNet{}, Train: newSource(2), BatchSize: 2, EndEpoch: 1, Logger: logr.Discard()})
	require.NoError(t, err)

	mse := &metrics.MSE{}
	var seen metrics.Metric
	err = tr.Train(context.Background(), TrainOptions{
		Metric:     mse,
		MetricName: "acc",
		BatchEnd: []callback.BatchEndFunc{func(p callback.BatchEndParam) error {
			seen = p.Metric
			return nil
		}},
	})
	require.NoError(t, err)
	assert.Same(t, mse, seen)
	// labels [0 1] [1 1] against predictions [0 1] [0 1]
	assert.InDelta(t, 0.25, mse.NameValues()[0].Value, 1e-9)
}

// countingMetric counts the batches seen since the last Reset.
type countingMetric struct {
	batches int
	resets  int
}

func (c *countingMetric) Name() string { return "batches" }

func (c *countingMetric) Update(labels, preds []dataset.Array) error {
	c.batches++
	return nil
}

func (c *countingMetric) NameValues() []metrics.NameValue {
	return []metrics.NameValue{{Name: c.Name(), Value: float64(c.batches)}}
}

func (c *countingMetric) Reset() {
	c.batches = 0
	c.resets++
}

func TestTrainResetsMetricEachEpoch(t *testing.T) {
	tr, err := New(Config{
		Network:   &fakeNet{},
		Train:     newSource(4),
		BatchSize: 2,
		EndEpoch:  3,
		Logger:    logr.Discard(),
	})
	require.NoError(t, err)

	metric := &countingMetric{}
	var perEpoch []int
	err = tr.Train(context.Background(), TrainOptions{
		Metric: metric,
		EpochEnd: []callback.EpochEndFunc{func(int, callback.Exporter) error {
			perEpoch = append(perEpoch, metric.batches)
			return nil
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, perEpoch)
	assert.Equal(t, 3, metric.resets)
}

func TestNewValidation(t *testing.T) {
	src := newSource(1)
	for name, cfg := range map[string]Config{
		"no network":  {Train: src, BatchSize: 1},
		"no data":     {Network: &fakeNet{}, BatchSize: 1},
		"zero batch":  {Network: &fakeNet{}, Train: src},
		"neg begin":   {Network: &fakeNet{}, Train: src, BatchSize: 1, BeginEpoch: -1},
		"end < begin": {Network: &fakeNet{}, Train: src, BatchSize: 1, BeginEpoch: 3, EndEpoch: 2},
	} {
		_, err := New(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig, name)
	}

	tr, err := New(Config{Network: &fakeNet{}, Train: src, Valid: newSource(1), BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, DefaultDevices(), tr.Devices())
}
