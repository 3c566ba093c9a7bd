package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"seir/internal/callback"
	"seir/internal/config"
	"seir/internal/dataset"
	"seir/internal/metrics"
	"seir/internal/model"
	"seir/internal/trainer"
)

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "configs/train.yaml", "Path to YAML config")
	dataDir := flag.String("data-dir", "", "Override the sample directory")
	trainList := flag.String("train-list", "", "Override the training manifest")
	validList := flag.String("valid-list", "", "Override the validation manifest")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	beginEpoch := flag.Int("begin-epoch", 0, "First epoch to run")
	endEpoch := flag.Int("end-epoch", 0, "Epoch to stop before")
	devices := flag.String("devices", "", "Comma separated devices, e.g. cpu:0,cpu:1")
	seed := flag.Int64("seed", 0, "PRNG seed")
	logEvery := flag.Int("log-every", 0, "Log speed every N batches")
	checkpointDir := flag.String("checkpoint-dir", "", "Directory for parameter snapshots")
	resume := flag.Bool("resume", false, "Resume from the latest snapshot")

	flag.Parse()
	defer klog.Flush()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		klog.ErrorS(err, "Failed to load config", "path", *cfgPath)
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}

	var seedOverride *int64
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			seedOverride = seed
		}
	})
	cfg.ApplyOverrides(config.Overrides{
		DataDir:       *dataDir,
		TrainList:     *trainList,
		ValidList:     *validList,
		BatchSize:     *batchSize,
		BeginEpoch:    *beginEpoch,
		EndEpoch:      *endEpoch,
		Devices:       *devices,
		Seed:          seedOverride,
		LogEvery:      *logEvery,
		CheckpointDir: *checkpointDir,
		Resume:        *resume,
	})

	if err := cfg.Validate(); err != nil {
		klog.ErrorS(err, "Invalid config")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, klog.Background()); err != nil {
		if errors.Is(err, context.Canceled) {
			klog.InfoS("Training interrupted")
			return
		}
		klog.ErrorS(err, "Training failed")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
}

func run(ctx context.Context, cfg *config.Config, log logr.Logger) error {
	train, err := dataset.NewRasterImageDataset(cfg.DataDir, cfg.TrainList)
	if err != nil {
		return err
	}
	if train.Len() == 0 {
		return fmt.Errorf("manifest %s lists no samples", cfg.TrainList)
	}
	var valid dataset.Source
	if cfg.ValidList != "" {
		v, err := dataset.NewRasterImageDataset(cfg.DataDir, cfg.ValidList)
		if err != nil {
			return err
		}
		valid = v
	}
	log.Info("Loaded datasets", "dataDir", cfg.DataDir, "train", train.Len(), "validList", cfg.ValidList)

	first, err := train.Get(0)
	if err != nil {
		return err
	}
	netCfg, err := model.ConfigFromSample(first)
	if err != nil {
		return err
	}
	netCfg.ConvChannels = cfg.Model.ConvChannels
	netCfg.Pool = cfg.Model.Pool
	netCfg.Hidden = cfg.Model.Hidden
	net, err := model.NewNet(netCfg)
	if err != nil {
		return err
	}

	begin := cfg.BeginEpoch
	if cfg.Resume {
		if begin, err = resumeFrom(cfg, net, log); err != nil {
			return err
		}
	}

	devices, err := trainer.ParseDevices(cfg.Devices)
	if err != nil {
		return err
	}
	tr, err := trainer.New(trainer.Config{
		Network:    net,
		Train:      train,
		Valid:      valid,
		BatchSize:  cfg.BatchSize,
		Shuffle:    cfg.Shuffle,
		Seed:       cfg.Seed,
		Devices:    devices,
		BeginEpoch: begin,
		EndEpoch:   cfg.EndEpoch,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	opts, err := trainOptions(cfg, log)
	if err != nil {
		return err
	}

	if cfg.CheckpointDir != "" {
		if err := os.MkdirAll(cfg.CheckpointDir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
		ckpt, err := callback.NewCheckpointManager(cfg.CheckpointDir,
			callback.WithPrefix(cfg.CheckpointPrefix),
			callback.WithNumCheckpoint(cfg.NumCheckpoint),
			callback.WithPeriod(cfg.CheckpointPeriod),
			callback.WithCheckpointLogger(log.WithName("checkpoint")),
		)
		if err != nil {
			return err
		}
		opts.EpochEnd = append(opts.EpochEnd, ckpt.Handle)
	}

	return tr.Train(ctx, opts)
}

func trainOptions(cfg *config.Config, log logr.Logger) (trainer.TrainOptions, error) {
	loss, err := trainer.NewLoss(cfg.Loss)
	if err != nil {
		return trainer.TrainOptions{}, err
	}
	metric, err := metrics.Create(cfg.Metric)
	if err != nil {
		return trainer.TrainOptions{}, err
	}
	init, err := trainer.NewInitializer(cfg.Initializer, cfg.Seed)
	if err != nil {
		return trainer.TrainOptions{}, err
	}
	speed, err := callback.NewSpeedometer(cfg.BatchSize, cfg.LogEvery,
		callback.WithAutoReset(cfg.AutoReset),
		callback.WithSpeedLogger(log.WithName("speedometer")),
	)
	if err != nil {
		return trainer.TrainOptions{}, err
	}
	return trainer.TrainOptions{
		Loss:            loss,
		Metric:          metric,
		Initializer:     init,
		Optimizer:       cfg.Optimizer,
		OptimizerParams: cfg.OptimizerParams(),
		KVStore:         trainer.KVStore(cfg.KVStore),
		BatchEnd:        []callback.BatchEndFunc{speed.Handle},
	}, nil
}

// resumeFrom loads the snapshot preceding the configured begin epoch, or the
// newest one when training starts from zero, and returns the epoch to start at.
// Without any snapshot the configured begin epoch is returned unchanged.
func resumeFrom(cfg *config.Config, net *model.Net, log logr.Logger) (int, error) {
	var snap callback.Snapshot
	if cfg.BeginEpoch > 0 {
		snap = callback.Snapshot{
			Path:  callback.SnapshotPath(filepath.Join(cfg.CheckpointDir, cfg.CheckpointPrefix), cfg.BeginEpoch-1),
			Epoch: cfg.BeginEpoch - 1,
		}
	} else {
		latest, err := callback.Latest(cfg.CheckpointDir, cfg.CheckpointPrefix)
		if errors.Is(err, callback.ErrNoSnapshot) {
			log.Info("No snapshot to resume from, starting fresh", "dir", cfg.CheckpointDir)
			return cfg.BeginEpoch, nil
		}
		if err != nil {
			return 0, err
		}
		snap = latest
	}
	if snap.Epoch+1 > cfg.EndEpoch {
		return 0, fmt.Errorf("snapshot %s is epoch %d, past end_epoch %d", snap.Path, snap.Epoch, cfg.EndEpoch)
	}
	if err := net.Import(snap.Path); err != nil {
		return 0, err
	}
	log.Info("Resumed from snapshot", "path", snap.Path, "epoch", snap.Epoch)
	return snap.Epoch + 1, nil
}
