package dataset

import (
	"errors"
	"fmt"
	"math/rand"
)

// ErrShapeMismatch indicates samples in one batch disagree on shape.
var ErrShapeMismatch = errors.New("dataset: sample shape mismatch")

// LoaderOptions configures batch iteration over a Source.
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool
	// Seed is used as given, including 0.
	Seed      int64
}

// Loader groups samples of a Source into mini-batches.
type Loader struct {
	src       Source
	batchSize int
	shuffle   bool
	rng       *rand.Rand
}

// NewLoader validates opts and returns a Loader over src.
func NewLoader(src Source, opts LoaderOptions) (*Loader, error) {
	if src == nil {
		return nil, errors.New("loader: nil source")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	return &Loader{
		src:       src,
		batchSize: opts.BatchSize,
		shuffle:   opts.Shuffle,
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// Len returns the number of samples in the underlying source.
func (l *Loader) Len() int {
	return l.src.Len()
}

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int {
	return l.batchSize
}

// NumBatches returns the number of batches per pass, counting a trailing
// partial batch.
func (l *Loader) NumBatches() int {
	return (l.src.Len() + l.batchSize - 1) / l.batchSize
}

// Epoch starts a new pass over the source. With shuffling enabled every pass
// draws a fresh permutation from the loader's generator.
func (l *Loader) Epoch() *BatchIter {
	order := make([]int, l.src.Len())
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return &BatchIter{loader: l, order: order, index: -1}
}

// BatchIter walks one pass of a Loader.
//
//	it := loader.Epoch()
//	for it.Next() {
//		b := it.Batch()
//	}
//	if err := it.Err(); err != nil { ... }
type BatchIter struct {
	loader *Loader
	order  []int
	pos    int
	index  int
	batch  Batch
	err    error
}

// Next loads the next batch. It returns false at the end of the pass or on
// the first error.
func (it *BatchIter) Next() bool {
	if it.err != nil || it.pos >= len(it.order) {
		return false
	}
	end := it.pos + it.loader.batchSize
	if end > len(it.order) {
		end = len(it.order)
	}
	samples := make([]Sample, 0, end-it.pos)
	for _, idx := range it.order[it.pos:end] {
		s, err := it.loader.src.Get(idx)
		if err != nil {
			it.err = err
			return false
		}
		samples = append(samples, s)
	}
	batch, err := Collate(samples)
	if err != nil {
		it.err = err
		return false
	}
	it.pos = end
	it.index++
	it.batch = batch
	return true
}

// Batch returns the batch loaded by the last successful Next.
func (it *BatchIter) Batch() Batch {
	return it.batch
}

// Index returns the zero-based index of the current batch.
func (it *BatchIter) Index() int {
	return it.index
}

// Err returns the error that stopped iteration, if any.
func (it *BatchIter) Err() error {
	return it.err
}

// Batch is a collated group of samples.
type Batch struct {
	IDs    []string
	Images Array // [N, C, H, W]
	States Array // [N, S]
	Labels Array // [N, L]
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	return len(b.IDs)
}

// Collate stacks samples along a new leading dimension. All samples must
// share the shape of the first one.
func Collate(samples []Sample) (Batch, error) {
	if len(samples) == 0 {
		return Batch{}, errors.New("collate: no samples")
	}
	first := samples[0]
	n := len(samples)
	b := Batch{
		IDs:    make([]string, 0, n),
		Images: NewArray(append([]int{n}, first.Image.Shape...)...),
		States: NewArray(append([]int{n}, first.State.Shape...)...),
		Labels: NewArray(append([]int{n}, first.Label.Shape...)...),
	}
	for i, s := range samples {
		if !s.Image.SameShape(first.Image) || !s.State.SameShape(first.State) || !s.Label.SameShape(first.Label) {
			return Batch{}, fmt.Errorf("%w: sample %s has image %v state %v label %v, want image %v state %v label %v",
				ErrShapeMismatch, s.ID,
				s.Image.Shape, s.State.Shape, s.Label.Shape,
				first.Image.Shape, first.State.Shape, first.Label.Shape)
		}
		b.IDs = append(b.IDs, s.ID)
		copy(b.Images.Row(i), s.Image.Data)
		copy(b.States.Row(i), s.State.Data)
		copy(b.Labels.Row(i), s.Label.Data)
	}
	return b, nil
}

// Split divides the batch into n shards along the leading dimension, one per
// device. Shard sizes differ by at most one, earlier shards taking the
// remainder.
func (b Batch) Split(n int) ([]Batch, error) {
	if n <= 0 {
		return nil, fmt.Errorf("split: shard count must be > 0 (got %d)", n)
	}
	size := b.Size()
	if size < n {
		return nil, fmt.Errorf("split: batch of %d samples cannot be split across %d devices", size, n)
	}
	if n == 1 {
		return []Batch{b}, nil
	}
	shards := make([]Batch, 0, n)
	step, rem := size/n, size%n
	from := 0
	for i := 0; i < n; i++ {
		to := from + step
		if i < rem {
			to++
		}
		shards = append(shards, Batch{
			IDs:    b.IDs[from:to],
			Images: b.Images.Slice(from, to),
			States: b.States.Slice(from, to),
			Labels: b.Labels.Slice(from, to),
		})
		from = to
	}
	return shards, nil
}
