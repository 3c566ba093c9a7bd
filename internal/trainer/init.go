package trainer

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// ErrUnknownInitializer is returned by NewInitializer for unknown names.
var ErrUnknownInitializer = errors.New("trainer: unknown initializer")

// Initializer fills a freshly allocated parameter in place.
type Initializer interface {
	Init(name string, shape []int, data []float32)
}

// NewInitializer looks up an initializer by name and seeds it with seed as
// given.
func NewInitializer(name string, seed int64) (Initializer, error) {
	rng := seeded{rng: rand.New(rand.NewSource(seed))}
	switch strings.ToLower(name) {
	case "", "uniform":
		return &Uniform{Scale: 0.07, seeded: rng}, nil
	case "normal", "gaussian":
		return &Normal{Sigma: 0.01, seeded: rng}, nil
	case "xavier":
		return &Xavier{Magnitude: 3, seeded: rng}, nil
	case "zero", "zeros":
		return Zero{}, nil
	case "one", "ones":
		return Constant{Value: 1}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownInitializer, name)
}

// InitParam applies init to a named parameter. Bias parameters are always
// zero-filled.
func InitParam(init Initializer, name string, shape []int, data []float32) {
	if strings.HasSuffix(strings.ToLower(name), "bias") {
		Zero{}.Init(name, shape, data)
		return
	}
	init.Init(name, shape, data)
}

type seeded struct {
	rng *rand.Rand
}

func (s *seeded) rand() *rand.Rand {
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(42))
	}
	return s.rng
}

// Uniform draws from U(-Scale, Scale).
type Uniform struct {
	Scale float64
	seeded
}

func (u *Uniform) Init(_ string, _ []int, data []float32) {
	r := u.rand()
	for i := range data {
		data[i] = float32((r.Float64()*2 - 1) * u.Scale)
	}
}

// Normal draws from N(0, Sigma^2).
type Normal struct {
	Sigma float64
	seeded
}

func (n *Normal) Init(_ string, _ []int, data []float32) {
	r := n.rand()
	for i := range data {
		data[i] = float32(r.NormFloat64() * n.Sigma)
	}
}

// Xavier draws from U(-s, s) with s = sqrt(Magnitude / avg(fanIn, fanOut)).
type Xavier struct {
	Magnitude float64
	seeded
}

func (x *Xavier) Init(_ string, shape []int, data []float32) {
	fanIn, fanOut := fans(shape)
	scale := math.Sqrt(x.Magnitude / ((fanIn + fanOut) / 2))
	r := x.rand()
	for i := range data {
		data[i] = float32((r.Float64()*2 - 1) * scale)
	}
}

// fans treats shape as [out, in, k...].
func fans(shape []int) (float64, float64) {
	switch len(shape) {
	case 0:
		return 1, 1
	case 1:
		return float64(shape[0]), float64(shape[0])
	}
	receptive := 1
	for _, d := range shape[2:] {
		receptive *= d
	}
	return float64(shape[1] * receptive), float64(shape[0] * receptive)
}

// Zero fills with zeros.
type Zero struct{}

func (Zero) Init(_ string, _ []int, data []float32) {
	for i := range data {
		data[i] = 0
	}
}

// Constant fills with Value.
type Constant struct {
	Value float32
}

func (c Constant) Init(_ string, _ []int, data []float32) {
	for i := range data {
		data[i] = c.Value
	}
}
