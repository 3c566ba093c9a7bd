package trainer

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"seir/internal/dataset"
)

var (
	// ErrUnknownLoss is returned by NewLoss for names outside the registry.
	ErrUnknownLoss = errors.New("trainer: unknown loss")
	// ErrNonFiniteLoss is returned when a sample's loss is NaN or infinite.
	ErrNonFiniteLoss = errors.New("trainer: non-finite loss")
)

// Loss scores predictions against labels. Forward returns one loss per sample
// and the gradient of each sample's loss with respect to its prediction row.
type Loss interface {
	Name() string
	Forward(pred, label dataset.Array) ([]float32, dataset.Array, error)
}

// NewLoss looks up a loss by name.
func NewLoss(name string) (Loss, error) {
	switch strings.ToLower(name) {
	case "", "l2", "mse":
		return L2Loss{}, nil
	case "l1", "mae":
		return L1Loss{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownLoss, name)
}

// L2Loss is half the mean squared error of each sample.
type L2Loss struct{}

func (L2Loss) Name() string { return "l2" }

func (L2Loss) Forward(pred, label dataset.Array) ([]float32, dataset.Array, error) {
	return elementwise(pred, label, func(d float64) (float64, float64) {
		return 0.5 * d * d, d
	})
}

// L1Loss is the mean absolute error of each sample.
type L1Loss struct{}

func (L1Loss) Name() string { return "l1" }

func (L1Loss) Forward(pred, label dataset.Array) ([]float32, dataset.Array, error) {
	return elementwise(pred, label, func(d float64) (float64, float64) {
		switch {
		case d > 0:
			return d, 1
		case d < 0:
			return -d, -1
		}
		return 0, 0
	})
}

// elementwise averages f over each row of pred-label. f returns the element
// loss and its derivative.
func elementwise(pred, label dataset.Array, f func(d float64) (float64, float64)) ([]float32, dataset.Array, error) {
	if pred.Len() != label.Len() || len(pred.Data) != len(label.Data) {
		return nil, dataset.Array{}, fmt.Errorf("loss: prediction shape %v does not match label shape %v", pred.Shape, label.Shape)
	}
	n := pred.Len()
	grad := dataset.NewArray(pred.Shape...)
	losses := make([]float32, n)
	width := pred.RowSize()
	if width == 0 {
		return losses, grad, nil
	}
	for i := 0; i < n; i++ {
		p, l, g := pred.Row(i), label.Row(i), grad.Row(i)
		var sum float64
		for j := range p {
			v, dv := f(float64(p[j]) - float64(l[j]))
			sum += v
			g[j] = float32(dv / float64(width))
		}
		loss := sum / float64(width)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return nil, dataset.Array{}, fmt.Errorf("%w: sample %d", ErrNonFiniteLoss, i)
		}
		losses[i] = float32(loss)
	}
	return losses, grad, nil
}
