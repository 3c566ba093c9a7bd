// Package callback holds the hooks the trainer fires after every batch and
// every epoch, along with the stock Speedometer and CheckpointManager.
package callback

import (
	"fmt"

	"seir/internal/metrics"
)

// BatchEndParam describes the batch that just finished.
type BatchEndParam struct {
	Epoch  int
	Batch  int
	Metric metrics.Metric
}

// BatchEndFunc is invoked after each optimizer step.
type BatchEndFunc func(BatchEndParam) error

// Exporter writes the network parameters for a given epoch.
type Exporter interface {
	// Export writes SnapshotPath(prefix, epoch) and returns that path.
	Export(prefix string, epoch int) (string, error)
}

// EpochEndFunc is invoked once per completed epoch.
type EpochEndFunc func(epoch int, net Exporter) error

// SnapshotExt is the extension of exported parameter files.
const SnapshotExt = ".params"

// SnapshotPath names the parameter file for epoch under prefix.
func SnapshotPath(prefix string, epoch int) string {
	return fmt.Sprintf("%s-%04d%s", prefix, epoch, SnapshotExt)
}
