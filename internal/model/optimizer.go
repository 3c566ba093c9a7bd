package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"

	"seir/internal/trainer"
)

// optimizer feeds the gradients accumulated by Net.Backward to a born
// optimizer, one step per batch.
type optimizer struct {
	net    *Net
	inner  optim.Optimizer
	params trainer.OptimizerParams
}

// NewOptimizer returns "sgd" (with optional momentum) or "adam".
func (n *Net) NewOptimizer(name string, params trainer.OptimizerParams) (trainer.Optimizer, error) {
	params = params.WithDefaults()
	list := make([]*nn.Parameter[*Backend], len(n.params))
	for i, np := range n.params {
		list[i] = np.param
	}
	var inner optim.Optimizer
	switch strings.ToLower(name) {
	case "sgd":
		inner = optim.NewSGD(list, optim.SGDConfig{
			LR:       float32(params.LearningRate),
			Momentum: float32(params.Momentum),
		}, n.backend)
	case "adam":
		inner = optim.NewAdam(list, optim.AdamConfig{
			LR:    float32(params.LearningRate),
			Betas: [2]float32{float32(params.Beta1), float32(params.Beta2)},
			Eps:   float32(params.Epsilon),
		}, n.backend)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, name)
	}
	return &optimizer{net: n, inner: inner, params: params}, nil
}

// Step rescales the summed gradients by 1/batchSize, clips them, adds weight
// decay, updates the parameters and clears the sums.
func (o *optimizer) Step(batchSize int) (err error) {
	if batchSize <= 0 {
		return fmt.Errorf("model: batch size must be > 0 (got %d)", batchSize)
	}
	n := o.net
	tape := n.backend.Tape()
	tape.StopRecording()
	defer func() {
		tape.Clear()
		tape.StartRecording()
	}()
	defer recoverBackend(&err)

	rescale := 1 / float32(batchSize)
	clip := float32(o.params.ClipGradient)
	wd := float32(o.params.WeightDecay)

	grads := make(map[*tensor.RawTensor]*tensor.RawTensor, len(n.params))
	for i, np := range n.params {
		t := np.param.Tensor()
		raw, err := tensor.NewRaw(t.Shape(), tensor.Float32, n.backend.Device())
		if err != nil {
			return err
		}
		dst := raw.AsFloat32()
		weights := t.Data()
		for j, g := range n.grads[i] {
			g *= rescale
			if clip > 0 {
				g = float32(math.Max(-float64(clip), math.Min(float64(clip), float64(g))))
			}
			dst[j] = g + wd*weights[j]
		}
		grads[t.Raw()] = raw
	}
	o.inner.Step(grads)
	o.inner.ZeroGrad()
	n.zeroGrads()
	return nil
}
