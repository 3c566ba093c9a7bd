package callback

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"k8s.io/klog/v2"
)

// ErrInvalidCheckpointConfig is returned for out-of-range manager settings.
var ErrInvalidCheckpointConfig = errors.New("callback: invalid checkpoint config")

// CheckpointManager exports the network every period epochs and keeps only
// the newest numCheckpoint snapshots of its prefix.
type CheckpointManager struct {
	dir           string
	prefix        string
	numCheckpoint int
	period        int
	log           logr.Logger
}

// CheckpointOption customizes a CheckpointManager.
type CheckpointOption func(*CheckpointManager)

// WithPrefix sets the snapshot file prefix. Defaults to "model".
func WithPrefix(prefix string) CheckpointOption {
	return func(m *CheckpointManager) { m.prefix = prefix }
}

// WithNumCheckpoint sets how many snapshots are retained. Defaults to 5.
func WithNumCheckpoint(n int) CheckpointOption {
	return func(m *CheckpointManager) { m.numCheckpoint = n }
}

// WithPeriod sets the save interval in epochs. Defaults to 1.
func WithPeriod(period int) CheckpointOption {
	return func(m *CheckpointManager) { m.period = period }
}

// WithCheckpointLogger routes save and rotation messages to log.
func WithCheckpointLogger(log logr.Logger) CheckpointOption {
	return func(m *CheckpointManager) { m.log = log }
}

// NewCheckpointManager returns a manager writing into dir.
func NewCheckpointManager(dir string, opts ...CheckpointOption) (*CheckpointManager, error) {
	m := &CheckpointManager{
		dir:           dir,
		prefix:        "model",
		numCheckpoint: 5,
		period:        1,
	}
	for _, opt := range opts {
		opt(m)
	}
	switch {
	case dir == "":
		return nil, fmt.Errorf("%w: empty directory", ErrInvalidCheckpointConfig)
	case m.prefix == "" || filepath.Base(m.prefix) != m.prefix:
		return nil, fmt.Errorf("%w: prefix %q must be a plain file name", ErrInvalidCheckpointConfig, m.prefix)
	case m.numCheckpoint < 1:
		return nil, fmt.Errorf("%w: num_checkpoint must be >= 1 (got %d)", ErrInvalidCheckpointConfig, m.numCheckpoint)
	case m.period < 1:
		return nil, fmt.Errorf("%w: period must be >= 1 (got %d)", ErrInvalidCheckpointConfig, m.period)
	}
	if m.log.GetSink() == nil {
		m.log = klog.Background()
	}
	return m, nil
}

// Dir returns the snapshot directory.
func (m *CheckpointManager) Dir() string { return m.dir }

// Prefix returns the snapshot file prefix.
func (m *CheckpointManager) Prefix() string { return m.prefix }

// Handle is an EpochEndFunc. Epochs that are not a multiple of the period
// (counting from one) are skipped.
func (m *CheckpointManager) Handle(epoch int, net Exporter) error {
	if (epoch+1)%m.period != 0 {
		return nil
	}
	path, err := net.Export(filepath.Join(m.dir, m.prefix), epoch)
	if err != nil {
		return fmt.Errorf("save checkpoint epoch %d: %w", epoch, err)
	}
	kv := []any{"epoch", epoch, "path", path}
	if info, err := os.Stat(path); err == nil {
		kv = append(kv, "size", humanize.Bytes(uint64(info.Size())))
	}
	m.log.Info("Saved checkpoint", kv...)
	return m.rotate()
}

func (m *CheckpointManager) rotate() error {
	snaps, err := Discover(m.dir, m.prefix)
	if err != nil {
		return err
	}
	if len(snaps) <= m.numCheckpoint {
		return nil
	}
	for _, snap := range snaps[:len(snaps)-m.numCheckpoint] {
		if err := os.Remove(snap.Path); err != nil {
			return fmt.Errorf("remove old checkpoint: %w", err)
		}
		m.log.V(1).Info("Removed old checkpoint", "epoch", snap.Epoch, "path", snap.Path)
	}
	return nil
}
