package trainer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"seir/internal/callback"
	"seir/internal/dataset"
	"seir/internal/metrics"
)

// ErrInvalidConfig is returned by New for unusable settings.
var ErrInvalidConfig = errors.New("trainer: invalid config")

// Config captures what a Trainer needs before Train is called.
type Config struct {
	Network Network
	Train   dataset.Source
	// Valid is optional.
	Valid      dataset.Source
	BatchSize  int
	Shuffle    bool
	// Seed drives shuffling and the default initializer. It is used as given;
	// 0 is a valid seed.
	Seed       int64
	Devices    []Device
	BeginEpoch int
	EndEpoch   int
	Logger     logr.Logger
}

// TrainOptions selects the loss, metric, initializer, optimizer and hooks of
// a training run.
type TrainOptions struct {
	Loss Loss
	// Metric wins over MetricName when both are set.
	Metric          metrics.Metric
	MetricName      string
	Initializer     Initializer
	Optimizer       string
	OptimizerParams OptimizerParams
	KVStore         KVStore
	BatchEnd        []callback.BatchEndFunc
	EpochEnd        []callback.EpochEndFunc
}

// Trainer runs epochs of mini-batch gradient descent over a Network.
type Trainer struct {
	net        Network
	train      *dataset.Loader
	valid      *dataset.Loader
	devices    []Device
	beginEpoch int
	endEpoch   int
	seed       int64
	log        logr.Logger

	initialized bool
}

// New validates cfg and builds the data loaders.
func New(cfg Config) (*Trainer, error) {
	switch {
	case cfg.Network == nil:
		return nil, fmt.Errorf("%w: network is required", ErrInvalidConfig)
	case cfg.Train == nil:
		return nil, fmt.Errorf("%w: training data is required", ErrInvalidConfig)
	case cfg.BatchSize <= 0:
		return nil, fmt.Errorf("%w: batch size must be > 0 (got %d)", ErrInvalidConfig, cfg.BatchSize)
	case cfg.BeginEpoch < 0 || cfg.EndEpoch < cfg.BeginEpoch:
		return nil, fmt.Errorf("%w: epoch range [%d, %d)", ErrInvalidConfig, cfg.BeginEpoch, cfg.EndEpoch)
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = DefaultDevices()
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = klog.Background()
	}

	train, err := dataset.NewLoader(cfg.Train, dataset.LoaderOptions{
		BatchSize: cfg.BatchSize,
		Shuffle:   cfg.Shuffle,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	t := &Trainer{
		net:        cfg.Network,
		train:      train,
		devices:    append([]Device(nil), cfg.Devices...),
		beginEpoch: cfg.BeginEpoch,
		endEpoch:   cfg.EndEpoch,
		seed:       cfg.Seed,
		log:        cfg.Logger,
	}
	if cfg.Valid != nil {
		t.valid, err = dataset.NewLoader(cfg.Valid, dataset.LoaderOptions{BatchSize: cfg.BatchSize})
		if err != nil {
			return nil, fmt.Errorf("%w: validation: %v", ErrInvalidConfig, err)
		}
	}
	return t, nil
}

// Devices returns the devices batches are split across.
func (t *Trainer) Devices() []Device {
	return append([]Device(nil), t.devices...)
}

// Train runs epochs [BeginEpoch, EndEpoch). Parameters are initialized on the
// first call only, and not at all when the network reports Initialized() true.
// Cancellation is observed between batches.
func (t *Trainer) Train(ctx context.Context, opts TrainOptions) error {
	if err := opts.KVStore.Validate(); err != nil {
		return err
	}
	loss := opts.Loss
	if loss == nil {
		loss = L2Loss{}
	}
	metric := opts.Metric
	if metric == nil {
		name := opts.MetricName
		if name == "" {
			name = "acc"
		}
		m, err := metrics.Create(name)
		if err != nil {
			return err
		}
		metric = m
	}
	if !t.initialized && !preinitialized(t.net) {
		init := opts.Initializer
		if init == nil {
			init = &Uniform{Scale: 0.07, seeded: seeded{rng: rand.New(rand.NewSource(t.seed))}}
		}
		if err := t.net.Initialize(init, t.devices); err != nil {
			return fmt.Errorf("initialize network: %w", err)
		}
	}
	t.initialized = true
	optName := opts.Optimizer
	if optName == "" {
		optName = "sgd"
	}
	opt, err := t.net.NewOptimizer(optName, opts.OptimizerParams.WithDefaults())
	if err != nil {
		return err
	}

	log := t.log.WithValues("run", uuid.NewString())
	described := make([]string, len(t.devices))
	for i, d := range t.devices {
		described[i] = d.Describe()
	}
	log.Info("Start training",
		"devices", described,
		"beginEpoch", t.beginEpoch,
		"endEpoch", t.endEpoch,
		"samples", t.train.Len(),
		"batchSize", t.train.BatchSize(),
		"loss", loss.Name(),
		"metric", metric.Name(),
		"optimizer", optName,
	)

	for epoch := t.beginEpoch; epoch < t.endEpoch; epoch++ {
		if err := t.runEpoch(ctx, log, epoch, loss, metric, opt, opts); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) runEpoch(ctx context.Context, log logr.Logger, epoch int, loss Loss, metric metrics.Metric, opt Optimizer, opts TrainOptions) error {
	tic := time.Now()
	var window metrics.Window
	metric.Reset()

	it := t.train.Epoch()
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		startData := time.Now()
		if !it.Next() {
			break
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		batch := it.Batch()
		meanLoss, err := t.step(batch, loss, metric, opt)
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: %w", epoch, it.Index(), err)
		}
		window.Record(batch.Size(), dataTime, time.Since(startCompute), meanLoss)

		param := callback.BatchEndParam{Epoch: epoch, Batch: it.Index(), Metric: metric}
		for _, cb := range opts.BatchEnd {
			if err := cb(param); err != nil {
				return fmt.Errorf("epoch %d batch %d: batch end: %w", epoch, it.Index(), err)
			}
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("epoch %d: %w", epoch, err)
	}

	kv := append([]any{"epoch", epoch, "timeCost", time.Since(tic).Seconds()}, window.Snapshot().KeysAndValues()...)
	log.Info("Epoch finished", kv...)

	for _, cb := range opts.EpochEnd {
		if err := cb(epoch, t.net); err != nil {
			return fmt.Errorf("epoch %d: epoch end: %w", epoch, err)
		}
	}

	// TODO: evaluate the validation loader once networks expose an
	// inference-only forward pass.
	if t.valid != nil {
		log.V(1).Info("Validation data loaded but not evaluated", "epoch", epoch, "samples", t.valid.Len())
	}
	return nil
}

// preinitialized reports whether net already holds usable parameters, such as
// ones loaded from a snapshot.
func preinitialized(net Network) bool {
	r, ok := net.(interface{ Initialized() bool })
	return ok && r.Initialized()
}

// step runs forward and backward for every device shard, updates the metric
// and applies one optimizer step. It returns the batch mean loss.
func (t *Trainer) step(batch dataset.Batch, loss Loss, metric metrics.Metric, opt Optimizer) (float64, error) {
	shards, err := batch.Split(len(t.devices))
	if err != nil {
		return 0, err
	}
	labels := make([]dataset.Array, len(shards))
	preds := make([]dataset.Array, len(shards))
	var total float64
	for i, s := range shards {
		shard := Shard{Device: t.devices[i], Images: s.Images, States: s.States, Labels: s.Labels}
		pred, err := t.net.Forward(shard)
		if err != nil {
			return 0, fmt.Errorf("forward on %s: %w", shard.Device, err)
		}
		losses, grad, err := loss.Forward(pred, s.Labels)
		if err != nil {
			return 0, fmt.Errorf("loss on %s: %w", shard.Device, err)
		}
		if err := t.net.Backward(grad); err != nil {
			return 0, fmt.Errorf("backward on %s: %w", shard.Device, err)
		}
		for _, l := range losses {
			total += float64(l)
		}
		labels[i] = s.Labels
		preds[i] = pred
	}
	if err := metric.Update(labels, preds); err != nil {
		return 0, fmt.Errorf("update metric: %w", err)
	}
	if err := opt.Step(batch.Size()); err != nil {
		return 0, fmt.Errorf("optimizer step: %w", err)
	}
	return total / float64(batch.Size()), nil
}
