// Package model binds the reference network to the born tensor backend.
package model

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"

	"seir/internal/dataset"
)

// Backend is the CPU backend wrapped with gradient recording.
type Backend = autodiff.Backend[*cpu.Backend]

// ErrUnknownOptimizer is returned by NewOptimizer for unsupported names.
var ErrUnknownOptimizer = errors.New("model: unknown optimizer")

// Config describes the network shape. Channels, Height, Width, StateDim and
// LabelDim follow the data; the rest are capacity knobs.
type Config struct {
	Channels     int
	Height       int
	Width        int
	StateDim     int
	LabelDim     int
	ConvChannels int
	Pool         int
	Hidden       int
	// InputScale multiplies raw pixel values before the first layer.
	InputScale float32
}

// ConfigFromSample fills the data-derived dimensions from s and applies the
// default capacity.
func ConfigFromSample(s dataset.Sample) (Config, error) {
	if len(s.Image.Shape) != 3 {
		return Config{}, fmt.Errorf("model: sample %s image shape %v, want [C, H, W]", s.ID, s.Image.Shape)
	}
	cfg := Config{
		Channels: s.Image.Shape[0],
		Height:   s.Image.Shape[1],
		Width:    s.Image.Shape[2],
		StateDim: len(s.State.Data),
		LabelDim: len(s.Label.Data),
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.ConvChannels == 0 {
		c.ConvChannels = 8
	}
	if c.Pool == 0 {
		c.Pool = 2
	}
	if c.Hidden == 0 {
		c.Hidden = 32
	}
	if c.InputScale == 0 {
		c.InputScale = 1.0 / 255
	}
	return c
}

// Validate reports the first unusable dimension.
func (c Config) Validate() error {
	dims := []struct {
		name  string
		value int
	}{
		{"channels", c.Channels},
		{"height", c.Height},
		{"width", c.Width},
		{"state_dim", c.StateDim},
		{"label_dim", c.LabelDim},
		{"conv_channels", c.ConvChannels},
		{"pool", c.Pool},
		{"hidden", c.Hidden},
	}
	for _, d := range dims {
		if d.value <= 0 {
			return fmt.Errorf("model: %s must be > 0 (got %d)", d.name, d.value)
		}
	}
	if c.Pool > c.Height || c.Pool > c.Width {
		return fmt.Errorf("model: pool %d larger than image %dx%d", c.Pool, c.Height, c.Width)
	}
	return nil
}

// pooledFeatures is the flattened size of the pooled feature map.
func (c Config) pooledFeatures() int {
	return c.ConvChannels * (c.Height / c.Pool) * (c.Width / c.Pool)
}
