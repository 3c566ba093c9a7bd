package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seir/internal/dataset"
)

func arr(rows, cols int, values ...float32) dataset.Array {
	return dataset.Array{Shape: []int{rows, cols}, Data: values}
}

func TestAccuracy(t *testing.T) {
	m := &Accuracy{}
	assert.True(t, math.IsNaN(m.NameValues()[0].Value))

	// class-index labels, two shards
	labels := []dataset.Array{arr(2, 1, 0, 2), arr(1, 1, 1)}
	preds := []dataset.Array{
		arr(2, 3, 0.9, 0.05, 0.05, 0.1, 0.8, 0.1),
		arr(1, 3, 0.1, 0.7, 0.2),
	}
	require.NoError(t, m.Update(labels, preds))
	assert.Equal(t, []NameValue{{Name: "accuracy", Value: 2.0 / 3.0}}, m.NameValues())

	// one-hot labels
	require.NoError(t, m.Update(
		[]dataset.Array{arr(1, 2, 0, 1)},
		[]dataset.Array{arr(1, 2, 0.2, 0.8)},
	))
	assert.InDelta(t, 0.75, m.NameValues()[0].Value, 1e-12)

	m.Reset()
	assert.True(t, math.IsNaN(m.NameValues()[0].Value))
}

func TestRegressionMetrics(t *testing.T) {
	labels := []dataset.Array{arr(2, 2, 1, 2, 3, 4)}
	preds := []dataset.Array{arr(2, 2, 2, 2, 3, 1)}

	mse, mae, rmse := &MSE{}, &MAE{}, &RMSE{}
	for _, m := range []Metric{mse, mae, rmse} {
		require.NoError(t, m.Update(labels, preds))
	}
	assert.InDelta(t, 10.0/4.0, mse.NameValues()[0].Value, 1e-9)
	assert.InDelta(t, 4.0/4.0, mae.NameValues()[0].Value, 1e-9)
	assert.InDelta(t, math.Sqrt(10.0/4.0), rmse.NameValues()[0].Value, 1e-9)

	rmse.Reset()
	assert.True(t, math.IsNaN(rmse.NameValues()[0].Value))
}

func TestMetricShapeErrors(t *testing.T) {
	m := &MSE{}
	err := m.Update([]dataset.Array{arr(1, 2, 1, 2)}, nil)
	assert.Error(t, err)
	err = m.Update([]dataset.Array{arr(1, 2, 1, 2)}, []dataset.Array{arr(1, 3, 1, 2, 3)})
	assert.Error(t, err)
}

func TestAccuracyEmptyLabelRow(t *testing.T) {
	m := &Accuracy{}
	var err error
	assert.NotPanics(t, func() {
		err = m.Update([]dataset.Array{arr(2, 0)}, []dataset.Array{arr(2, 2, 0, 1, 1, 0)})
	})
	assert.ErrorContains(t, err, "empty label row 0")
	assert.True(t, math.IsNaN(m.NameValues()[0].Value))
}

func TestCreate(t *testing.T) {
	for name, want := range map[string]string{
		"acc":      "accuracy",
		"accuracy": "accuracy",
		"MSE":      "mse",
		"mae":      "mae",
		"rmse":     "rmse",
	} {
		m, err := Create(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, m.Name())
	}

	_, err := Create("f1")
	assert.ErrorIs(t, err, ErrUnknownMetric)
	_, err = Create("acc,bogus")
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestComposite(t *testing.T) {
	m, err := Create("acc, mse")
	require.NoError(t, err)
	assert.Equal(t, "accuracy,mse", m.Name())

	require.NoError(t, m.Update(
		[]dataset.Array{arr(1, 2, 0, 1)},
		[]dataset.Array{arr(1, 2, 0, 1)},
	))
	nv := m.NameValues()
	require.Len(t, nv, 2)
	assert.Equal(t, NameValue{Name: "accuracy", Value: 1}, nv[0])
	assert.Equal(t, NameValue{Name: "mse", Value: 0}, nv[1])

	m.Reset()
	for _, v := range m.NameValues() {
		assert.True(t, math.IsNaN(v.Value), v.Name)
	}
}
