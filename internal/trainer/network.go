package trainer

import (
	"errors"
	"fmt"
	"strings"

	"seir/internal/callback"
	"seir/internal/dataset"
)

// ErrUnsupportedKVStore is returned for distributed parameter stores.
var ErrUnsupportedKVStore = errors.New("trainer: unsupported kvstore")

// Network is the model surface the trainer drives. Forward records the pass
// so that the following Backward can accumulate parameter gradients for it.
type Network interface {
	callback.Exporter
	Initialize(init Initializer, devices []Device) error
	NewOptimizer(name string, params OptimizerParams) (Optimizer, error)
	Forward(shard Shard) (dataset.Array, error)
	Backward(outputGrad dataset.Array) error
}

// Optimizer applies accumulated gradients.
type Optimizer interface {
	// Step rescales the accumulated gradients by 1/batchSize, updates the
	// parameters and clears the gradients.
	Step(batchSize int) error
}

// Shard is the slice of a batch assigned to one device.
type Shard struct {
	Device Device
	Images dataset.Array
	States dataset.Array
	Labels dataset.Array
}

// OptimizerParams are the hyperparameters shared by the optimizers.
type OptimizerParams struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	// ClipGradient bounds every gradient element to [-c, c] when > 0.
	ClipGradient float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// WithDefaults fills unset fields.
func (p OptimizerParams) WithDefaults() OptimizerParams {
	if p.LearningRate == 0 {
		p.LearningRate = 0.01
	}
	if p.Beta1 == 0 {
		p.Beta1 = 0.9
	}
	if p.Beta2 == 0 {
		p.Beta2 = 0.999
	}
	if p.Epsilon == 0 {
		p.Epsilon = 1e-8
	}
	return p
}

// KVStore selects how gradients are aggregated across devices.
type KVStore string

const (
	KVStoreLocal          KVStore = "local"
	KVStoreDevice         KVStore = "device"
	KVStoreDistSync       KVStore = "dist_sync"
	KVStoreDistAsync      KVStore = "dist_async"
	KVStoreDistDeviceSync KVStore = "dist_device_sync"
)

// Validate accepts the single-process stores. The empty value means local.
func (k KVStore) Validate() error {
	switch KVStore(strings.ToLower(string(k))) {
	case "", KVStoreLocal, KVStoreDevice:
		return nil
	case KVStoreDistSync, KVStoreDistAsync, KVStoreDistDeviceSync:
		return fmt.Errorf("%w: %s (distributed training is not available)", ErrUnsupportedKVStore, k)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedKVStore, string(k))
}
