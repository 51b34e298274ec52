package pipeline

import (
	"errors"
	"fmt"
	"os"
)

// errLockHeld marks the one lock failure that means "another invocation is
// running"; everything else is a setup failure.
var errLockHeld = errors.New("pipeline: lock held by another run")

// flock guards against overlapping invocations from cron and manual replay
// runs. O_EXCL creation is atomic on every filesystem the pipeline targets.
type flock struct {
	path string
	file *os.File
}

// acquireLock takes the run lock. A stale file from a crashed run has to be
// removed by the operator; the pid inside tells them which process died
// holding it.
func acquireLock(path string) (*flock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", errLockHeld, path)
		}
		return nil, fmt.Errorf("pipeline: create lock %s: %w", path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &flock{path: path, file: f}, nil
}

func (l *flock) release() {
	l.file.Close()
	os.Remove(l.path)
}
