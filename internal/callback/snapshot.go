package callback

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// ErrNoSnapshot is returned by Latest when dir holds no snapshot of prefix.
var ErrNoSnapshot = errors.New("callback: no snapshot found")

var snapshotRegexp = regexp.MustCompile(`^(.+)-([0-9]+)\.params$`)

// Snapshot is one parameter file on disk.
type Snapshot struct {
	Path  string
	Epoch int
}

// Discover returns the snapshots of prefix directly inside dir, oldest epoch
// first. Files written under other prefixes are ignored.
func Discover(dir, prefix string) ([]Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("discover snapshots: %w", err)
	}
	snaps := make([]Snapshot, 0, len(entries))
	for _, d := range entries {
		if d.IsDir() {
			continue
		}
		if snap, ok := parseSnapshot(dir, d, prefix); ok {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Epoch != snaps[j].Epoch {
			return snaps[i].Epoch < snaps[j].Epoch
		}
		return snaps[i].Path < snaps[j].Path
	})
	return snaps, nil
}

// Latest returns the snapshot of prefix with the highest epoch.
func Latest(dir, prefix string) (Snapshot, error) {
	snaps, err := Discover(dir, prefix)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNoSnapshot, filepath.Join(dir, prefix))
	}
	return snaps[len(snaps)-1], nil
}

func parseSnapshot(dir string, d fs.DirEntry, prefix string) (Snapshot, bool) {
	m := snapshotRegexp.FindStringSubmatch(d.Name())
	if m == nil || m[1] != prefix {
		return Snapshot{}, false
	}
	epoch, err := strconv.Atoi(m[2])
	if err != nil {
		return Snapshot{}, false
	}
	return Snapshot{Path: filepath.Join(dir, d.Name()), Epoch: epoch}, true
}
