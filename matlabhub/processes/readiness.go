package processes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultPollInterval = 100 * time.Millisecond

// ReadinessMarker is a file a child process creates once it accepts connections.
type ReadinessMarker struct {
	Path string
}

// Present reports whether the marker file exists.
func (m ReadinessMarker) Present() bool {
	if m.Path == "" {
		return false
	}
	_, err := os.Stat(m.Path)
	return err == nil
}

// Remove deletes the marker. A missing marker is not an error.
func (m ReadinessMarker) Remove() error {
	if m.Path == "" {
		return nil
	}
	if err := os.Remove(m.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveIfOwned deletes the marker only if its content names port. It
// reports whether the file was removed.
func (m ReadinessMarker) RemoveIfOwned(port int) (bool, error) {
	data, err := os.ReadFile(m.Path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(port) {
		return false, nil
	}
	return true, m.Remove()
}

// Wait polls until the marker exists. It gives up when ctx is done or when
// abort is closed, which callers use to detect the owning process exiting.
func (m ReadinessMarker) Wait(ctx context.Context, interval time.Duration, abort <-chan struct{}) error {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if m.Present() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-abort:
			if m.Present() {
				return nil
			}
			return fmt.Errorf("process exited before creating %s", m.Path)
		case <-ticker.C:
		}
	}
}
