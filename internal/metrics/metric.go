package metrics

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"seir/internal/dataset"
)

// ErrUnknownMetric is returned by Create for names outside the registry.
var ErrUnknownMetric = errors.New("metrics: unknown metric")

// NameValue is one reported metric value.
type NameValue struct {
	Name  string
	Value float64
}

// Metric accumulates evaluation statistics over a stream of batches.
// labels and preds are parallel slices with one entry per device shard, each
// shaped [N, ...] along the batch axis.
type Metric interface {
	Name() string
	Update(labels, preds []dataset.Array) error
	NameValues() []NameValue
	Reset()
}

// Create builds a metric by name. A comma separated list yields a Composite
// in list order.
func Create(name string) (Metric, error) {
	parts := strings.Split(name, ",")
	if len(parts) > 1 {
		c := &Composite{}
		for _, p := range parts {
			m, err := Create(strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			c.Add(m)
		}
		return c, nil
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "acc", "accuracy":
		return &Accuracy{}, nil
	case "mse":
		return &MSE{}, nil
	case "mae":
		return &MAE{}, nil
	case "rmse":
		return &RMSE{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
}

func checkPairs(labels, preds []dataset.Array) error {
	if len(labels) != len(preds) {
		return fmt.Errorf("metrics: %d label shards but %d prediction shards", len(labels), len(preds))
	}
	for i := range labels {
		if labels[i].Len() != preds[i].Len() {
			return fmt.Errorf("metrics: shard %d has %d labels but %d predictions", i, labels[i].Len(), preds[i].Len())
		}
	}
	return nil
}

func toFloat64(src []float32) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}

// Accuracy counts rows whose predicted class matches the label. A label row
// of width one holds the class index; wider rows are treated as one-hot or
// scores and reduced by argmax.
type Accuracy struct {
	correct int
	total   int
}

func (a *Accuracy) Name() string { return "accuracy" }

func (a *Accuracy) Update(labels, preds []dataset.Array) error {
	if err := checkPairs(labels, preds); err != nil {
		return err
	}
	for s := range labels {
		for i := 0; i < labels[s].Len(); i++ {
			label := labels[s].Row(i)
			pred := preds[s].Row(i)
			if len(pred) == 0 {
				return fmt.Errorf("accuracy: empty prediction row %d", i)
			}
			if len(label) == 0 {
				return fmt.Errorf("accuracy: empty label row %d", i)
			}
			var want int
			if len(label) == 1 {
				want = int(label[0])
			} else {
				want = floats.MaxIdx(toFloat64(label))
			}
			if floats.MaxIdx(toFloat64(pred)) == want {
				a.correct++
			}
			a.total++
		}
	}
	return nil
}

func (a *Accuracy) NameValues() []NameValue {
	if a.total == 0 {
		return []NameValue{{Name: a.Name(), Value: math.NaN()}}
	}
	return []NameValue{{Name: a.Name(), Value: float64(a.correct) / float64(a.total)}}
}

func (a *Accuracy) Reset() {
	a.correct, a.total = 0, 0
}

// errorSums accumulates element-wise differences shared by the regression
// metrics.
type errorSums struct {
	sq    float64
	abs   float64
	count int
}

func (e *errorSums) update(labels, preds []dataset.Array) error {
	if err := checkPairs(labels, preds); err != nil {
		return err
	}
	for s := range labels {
		if len(labels[s].Data) != len(preds[s].Data) {
			return fmt.Errorf("metrics: shard %d label shape %v does not match prediction shape %v",
				s, labels[s].Shape, preds[s].Shape)
		}
		diff := toFloat64(preds[s].Data)
		floats.Sub(diff, toFloat64(labels[s].Data))
		e.sq += floats.Dot(diff, diff)
		e.abs += floats.Norm(diff, 1)
		e.count += len(diff)
	}
	return nil
}

func (e *errorSums) reset() {
	*e = errorSums{}
}

// MSE is the mean squared error over all elements.
type MSE struct{ sums errorSums }

func (m *MSE) Name() string { return "mse" }

func (m *MSE) Update(labels, preds []dataset.Array) error { return m.sums.update(labels, preds) }

func (m *MSE) NameValues() []NameValue {
	if m.sums.count == 0 {
		return []NameValue{{Name: m.Name(), Value: math.NaN()}}
	}
	return []NameValue{{Name: m.Name(), Value: m.sums.sq / float64(m.sums.count)}}
}

func (m *MSE) Reset() { m.sums.reset() }

// MAE is the mean absolute error over all elements.
type MAE struct{ sums errorSums }

func (m *MAE) Name() string { return "mae" }

func (m *MAE) Update(labels, preds []dataset.Array) error { return m.sums.update(labels, preds) }

func (m *MAE) NameValues() []NameValue {
	if m.sums.count == 0 {
		return []NameValue{{Name: m.Name(), Value: math.NaN()}}
	}
	return []NameValue{{Name: m.Name(), Value: m.sums.abs / float64(m.sums.count)}}
}

func (m *MAE) Reset() { m.sums.reset() }

// RMSE is the square root of MSE.
type RMSE struct{ sums errorSums }

func (m *RMSE) Name() string { return "rmse" }

func (m *RMSE) Update(labels, preds []dataset.Array) error { return m.sums.update(labels, preds) }

func (m *RMSE) NameValues() []NameValue {
	if m.sums.count == 0 {
		return []NameValue{{Name: m.Name(), Value: math.NaN()}}
	}
	return []NameValue{{Name: m.Name(), Value: math.Sqrt(m.sums.sq / float64(m.sums.count))}}
}

func (m *RMSE) Reset() { m.sums.reset() }

// Composite reports several metrics side by side.
type Composite struct {
	metrics []Metric
}

// Add appends m to the composite.
func (c *Composite) Add(m Metric) {
	c.metrics = append(c.metrics, m)
}

func (c *Composite) Name() string {
	names := make([]string, len(c.metrics))
	for i, m := range c.metrics {
		names[i] = m.Name()
	}
	return strings.Join(names, ",")
}

func (c *Composite) Update(labels, preds []dataset.Array) error {
	for _, m := range c.metrics {
		if err := m.Update(labels, preds); err != nil {
			return fmt.Errorf("%s: %w", m.Name(), err)
		}
	}
	return nil
}

func (c *Composite) NameValues() []NameValue {
	var out []NameValue
	for _, m := range c.metrics {
		out = append(out, m.NameValues()...)
	}
	return out
}

func (c *Composite) Reset() {
	for _, m := range c.metrics {
		m.Reset()
	}
}
