package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"seir/internal/trainer"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	TrainList string `yaml:"train_list"`
	ValidList string `yaml:"valid_list"`

	BatchSize  int    `yaml:"batch_size"`
	Shuffle    bool   `yaml:"shuffle"`
	Seed       int64  `yaml:"seed"`
	Devices    string `yaml:"devices"`
	BeginEpoch int    `yaml:"begin_epoch"`
	EndEpoch   int    `yaml:"end_epoch"`

	Loss         string  `yaml:"loss"`
	Metric       string  `yaml:"metric"`
	Initializer  string  `yaml:"initializer"`
	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	WeightDecay  float64 `yaml:"weight_decay"`
	ClipGradient float64 `yaml:"clip_gradient"`
	KVStore      string  `yaml:"kvstore"`

	LogEvery  int  `yaml:"log_every"`
	AutoReset bool `yaml:"auto_reset"`

	CheckpointDir    string `yaml:"checkpoint_dir"`
	CheckpointPrefix string `yaml:"checkpoint_prefix"`
	NumCheckpoint    int    `yaml:"num_checkpoint"`
	CheckpointPeriod int    `yaml:"checkpoint_period"`
	Resume           bool   `yaml:"resume"`

	Model ModelConfig `yaml:"model"`
}

// ModelConfig holds the capacity knobs of the reference network. Zero values
// take the network defaults.
type ModelConfig struct {
	ConvChannels int `yaml:"conv_channels"`
	Pool         int `yaml:"pool"`
	Hidden       int `yaml:"hidden"`
}

// DefaultSeed seeds shuffling and initialization when the file sets no seed.
const DefaultSeed int64 = 42

// Overrides captures CLI supplied values.
type Overrides struct {
	DataDir       string
	TrainList     string
	ValidList     string
	BatchSize     int
	BeginEpoch    int
	EndEpoch      int
	Devices       string
	// Seed is nil when the flag was not given; 0 is a usable seed.
	Seed          *int64
	LogEvery      int
	CheckpointDir string
	Resume        bool
}

// Default returns a Config with every optional field at its default. Files
// loaded by Load are decoded on top of it.
func Default() *Config {
	return &Config{
		Shuffle:          true,
		Seed:             DefaultSeed,
		Devices:          "cpu:0",
		EndEpoch:         1000,
		Loss:             "l2",
		Metric:           "acc",
		Initializer:      "uniform",
		Optimizer:        "sgd",
		LearningRate:     0.01,
		KVStore:          string(trainer.KVStoreLocal),
		LogEvery:         50,
		AutoReset:        true,
		CheckpointPrefix: "model",
		NumCheckpoint:    5,
		CheckpointPeriod: 1,
	}
}

// Load reads and validates a Config from YAML.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML from r over the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.TrainList != "" {
		c.TrainList = o.TrainList
	}
	if o.ValidList != "" {
		c.ValidList = o.ValidList
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.BeginEpoch > 0 {
		c.BeginEpoch = o.BeginEpoch
	}
	if o.EndEpoch > 0 {
		c.EndEpoch = o.EndEpoch
	}
	if o.Devices != "" {
		c.Devices = o.Devices
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.CheckpointDir != "" {
		c.CheckpointDir = o.CheckpointDir
	}
	if o.Resume {
		c.Resume = true
	}
}

// Validate verifies the config is runnable and fills defaults for zeroed
// optional fields.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.TrainList == "" {
		return errors.New("train_list must be set")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.BeginEpoch < 0 {
		return fmt.Errorf("begin_epoch must be >= 0 (got %d)", c.BeginEpoch)
	}
	if c.EndEpoch < c.BeginEpoch {
		return fmt.Errorf("end_epoch %d is before begin_epoch %d", c.EndEpoch, c.BeginEpoch)
	}
	if c.Devices == "" {
		c.Devices = "cpu:0"
	}
	if _, err := trainer.ParseDevices(c.Devices); err != nil {
		return fmt.Errorf("devices: %w", err)
	}
	if c.KVStore == "" {
		c.KVStore = string(trainer.KVStoreLocal)
	}
	if err := trainer.KVStore(c.KVStore).Validate(); err != nil {
		return err
	}
	if c.LearningRate < 0 {
		return fmt.Errorf("learning_rate must be >= 0 (got %g)", c.LearningRate)
	}
	if c.WeightDecay < 0 || c.ClipGradient < 0 {
		return errors.New("weight_decay and clip_gradient must be >= 0")
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.CheckpointPrefix == "" {
		c.CheckpointPrefix = "model"
	}
	if c.NumCheckpoint <= 0 {
		return fmt.Errorf("num_checkpoint must be >= 1 (got %d)", c.NumCheckpoint)
	}
	if c.CheckpointPeriod <= 0 {
		return fmt.Errorf("checkpoint_period must be >= 1 (got %d)", c.CheckpointPeriod)
	}
	if c.Resume && c.CheckpointDir == "" {
		return errors.New("resume requires checkpoint_dir")
	}
	return nil
}

// OptimizerParams converts the optimizer knobs.
func (c *Config) OptimizerParams() trainer.OptimizerParams {
	return trainer.OptimizerParams{
		LearningRate: c.LearningRate,
		Momentum:     c.Momentum,
		WeightDecay:  c.WeightDecay,
		ClipGradient: c.ClipGradient,
	}
}
