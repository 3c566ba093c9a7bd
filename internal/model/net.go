package model

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"seir/internal/dataset"
	"seir/internal/trainer"
)

type namedParam struct {
	name  string
	param *nn.Parameter[*Backend]
}

// Net is a small image+state regressor:
//
//	image -> conv3x3 -> relu -> maxpool -> flatten -> linear ┐
//	state -> linear ─────────────────────────────────────────┴ add -> relu -> linear
type Net struct {
	cfg     Config
	backend *Backend

	conv    *nn.Conv2D[*Backend]
	relu    *nn.ReLU[*Backend]
	pool    *nn.MaxPool2D[*Backend]
	imageFC *nn.Linear[*Backend]
	stateFC *nn.Linear[*Backend]
	head    *nn.Linear[*Backend]

	params []namedParam
	grads  [][]float32
	out    *tensor.Tensor[float32, *Backend]

	initialized bool
}

var _ trainer.Network = (*Net)(nil)

// NewNet builds the layers for cfg. Parameters stay unusable until Initialize.
func NewNet(cfg Config) (*Net, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend := autodiff.New(cpu.New())
	n := &Net{
		cfg:     cfg,
		backend: backend,
		conv:    nn.NewConv2D(cfg.Channels, cfg.ConvChannels, 3, 3, 1, 1, true, backend),
		relu:    nn.NewReLU[*Backend](),
		pool:    nn.NewMaxPool2D(cfg.Pool, cfg.Pool, backend),
		imageFC: nn.NewLinear(cfg.pooledFeatures(), cfg.Hidden, backend),
		stateFC: nn.NewLinear(cfg.StateDim, cfg.Hidden, backend),
		head:    nn.NewLinear(cfg.Hidden, cfg.LabelDim, backend),
	}
	layers := []struct {
		prefix string
		params []*nn.Parameter[*Backend]
	}{
		{"conv", n.conv.Parameters()},
		{"image_fc", n.imageFC.Parameters()},
		{"state_fc", n.stateFC.Parameters()},
		{"head", n.head.Parameters()},
	}
	for _, l := range layers {
		for i, p := range l.params {
			suffix := "weight"
			if i == 1 {
				suffix = "bias"
			}
			n.params = append(n.params, namedParam{name: l.prefix + "_" + suffix, param: p})
		}
	}
	n.grads = make([][]float32, len(n.params))
	for i, np := range n.params {
		n.grads[i] = make([]float32, np.param.Tensor().NumElements())
	}
	return n, nil
}

// Config returns the effective configuration.
func (n *Net) Config() Config { return n.cfg }

// ParamNames lists the parameters in a stable order.
func (n *Net) ParamNames() []string {
	names := make([]string, len(n.params))
	for i, np := range n.params {
		names[i] = np.name
	}
	return names
}

// Initialize fills every parameter and starts gradient recording. All
// devices must be host CPUs; they share one set of parameters.
func (n *Net) Initialize(init trainer.Initializer, devices []trainer.Device) error {
	for _, d := range devices {
		if d.Type != "cpu" {
			return fmt.Errorf("model: device %s not supported by the cpu backend", d)
		}
	}
	for _, np := range n.params {
		t := np.param.Tensor()
		trainer.InitParam(init, np.name, []int(t.Shape()), t.Data())
	}
	n.startRecording()
	return nil
}

// Initialized reports whether the parameters hold usable values, either from
// Initialize or from Import.
func (n *Net) Initialized() bool { return n.initialized }

func (n *Net) startRecording() {
	n.zeroGrads()
	n.out = nil
	n.backend.Tape().Clear()
	n.backend.Tape().StartRecording()
	n.initialized = true
}

// Forward runs one shard through the network and keeps the pass on the tape
// for Backward.
func (n *Net) Forward(shard trainer.Shard) (out dataset.Array, err error) {
	if !n.initialized {
		return dataset.Array{}, errors.New("model: forward before initialize")
	}
	batch := shard.Images.Len()
	wantImage := []int{batch, n.cfg.Channels, n.cfg.Height, n.cfg.Width}
	if !shard.Images.SameShape(dataset.Array{Shape: wantImage}) {
		return dataset.Array{}, fmt.Errorf("model: image batch shape %v, want %v", shard.Images.Shape, wantImage)
	}
	if shard.States.Len() != batch || shard.States.RowSize() != n.cfg.StateDim {
		return dataset.Array{}, fmt.Errorf("model: state batch shape %v, want [%d %d]", shard.States.Shape, batch, n.cfg.StateDim)
	}
	defer recoverBackend(&err)

	n.backend.Tape().Clear()
	n.out = nil

	pixels := make([]float32, len(shard.Images.Data))
	for i, v := range shard.Images.Data {
		pixels[i] = v * n.cfg.InputScale
	}
	images, err := tensor.FromSlice(pixels, tensor.Shape(wantImage), n.backend)
	if err != nil {
		return dataset.Array{}, err
	}
	states, err := tensor.FromSlice(append([]float32(nil), shard.States.Data...), tensor.Shape{batch, n.cfg.StateDim}, n.backend)
	if err != nil {
		return dataset.Array{}, err
	}

	x := n.conv.Forward(images)
	x = n.relu.Forward(x)
	x = n.pool.Forward(x)
	x = x.Reshape(batch, n.cfg.pooledFeatures())
	x = n.imageFC.Forward(x)

	h := x.Add(n.stateFC.Forward(states))
	h = n.relu.Forward(h)
	y := n.head.Forward(h)

	n.out = y
	out = dataset.NewArray(batch, n.cfg.LabelDim)
	copy(out.Data, y.Data())
	return out, nil
}

// Backward propagates outputGrad through the last Forward and adds the
// parameter gradients to the running sums consumed by the optimizer.
func (n *Net) Backward(outputGrad dataset.Array) (err error) {
	if n.out == nil {
		return errors.New("model: backward without forward")
	}
	if !sameDims(outputGrad.Shape, n.out.Shape()) {
		return fmt.Errorf("model: gradient shape %v, want %v", outputGrad.Shape, n.out.Shape())
	}
	defer recoverBackend(&err)
	defer func() {
		n.backend.Tape().Clear()
		n.out = nil
	}()

	seed, err := tensor.NewRaw(n.out.Shape(), tensor.Float32, n.backend.Device())
	if err != nil {
		return err
	}
	copy(seed.AsFloat32(), outputGrad.Data)

	grads := n.backend.Tape().Backward(seed, n.backend)
	for i, np := range n.params {
		g, ok := grads[np.param.Tensor().Raw()]
		if !ok || g == nil {
			continue
		}
		acc := n.grads[i]
		for j, v := range g.AsFloat32() {
			acc[j] += v
		}
	}
	return nil
}

func (n *Net) zeroGrads() {
	for _, g := range n.grads {
		clear(g)
	}
}

func sameDims(a []int, b tensor.Shape) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// recoverBackend turns a panic raised inside the tensor backend into an error.
func recoverBackend(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("model: backend: %v", r)
	}
}
