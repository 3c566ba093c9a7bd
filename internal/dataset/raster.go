package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrIndexOutOfRange is returned by Get for an index outside [0, Len).
var ErrIndexOutOfRange = errors.New("dataset: index out of range")

// File extensions of the per-sample files.
const (
	ImageExt = ".jpg"
	LabelExt = ".label"
	StateExt = ".state"
)

// Sample is one (image, state, label) record.
type Sample struct {
	ID    string
	Image Array // [C, H, W]
	State Array // [S]
	Label Array // [L]
}

// Source is a fixed-length, randomly indexable collection of samples.
type Source interface {
	Len() int
	Get(i int) (Sample, error)
}

// RasterImageDataset maps a manifest of sample IDs to samples stored as
// <dir>/<id>.jpg, <dir>/<id>.label and <dir>/<id>.state.
type RasterImageDataset struct {
	dir string
	ids []string
}

// NewRasterImageDataset reads the manifest at <dir>/<manifest>. Each
// non-empty trimmed line is a sample ID; order and duplicates are kept.
func NewRasterImageDataset(dir, manifest string) (*RasterImageDataset, error) {
	path := filepath.Join(dir, manifest)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := newLineScanner(f)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return &RasterImageDataset{dir: dir, ids: ids}, nil
}

// Len returns the number of IDs parsed from the manifest.
func (d *RasterImageDataset) Len() int {
	return len(d.ids)
}

// IDs returns a copy of the sample index.
func (d *RasterImageDataset) IDs() []string {
	return append([]string(nil), d.ids...)
}

// Dir returns the base directory.
func (d *RasterImageDataset) Dir() string {
	return d.dir
}

// Get loads sample i from disk. Nothing is cached between calls.
func (d *RasterImageDataset) Get(i int) (Sample, error) {
	if i < 0 || i >= len(d.ids) {
		return Sample{}, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, len(d.ids))
	}
	id := d.ids[i]
	base := filepath.Join(d.dir, id)

	img, err := LoadImage(base + ImageExt)
	if err != nil {
		return Sample{}, fmt.Errorf("sample %s: %w", id, err)
	}
	label, err := parseFile(base+LabelExt, ParseLabel)
	if err != nil {
		return Sample{}, fmt.Errorf("sample %s: %w", id, err)
	}
	state, err := parseFile(base+StateExt, ParseState)
	if err != nil {
		return Sample{}, fmt.Errorf("sample %s: %w", id, err)
	}

	return Sample{
		ID:    id,
		Image: img,
		State: Array{Shape: []int{len(state)}, Data: state},
		Label: Array{Shape: []int{len(label)}, Data: label},
	}, nil
}
