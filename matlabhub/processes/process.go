package processes

import (
	"bufio"
	"io"
	"os/exec"
	"sync"
)

const (
	// DefaultLogCapacity is the number of engine stderr lines kept for crash classification.
	DefaultLogCapacity = 200
	// maxLineBytes caps a captured output line. The rest of a longer line is dropped.
	maxLineBytes = 64 * 1024
)

// LogBuffer keeps the most recent lines written by a process.
type LogBuffer struct {
	mu       sync.RWMutex
	lines    []string
	capacity int
}

// NewLogBuffer creates a new log buffer with the specified capacity
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{
		lines:    make([]string, 0, capacity),
		capacity: capacity,
	}
}

// Add appends a line, dropping the oldest one when the buffer is full.
func (lb *LogBuffer) Add(line string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.lines) >= lb.capacity {
		copy(lb.lines, lb.lines[1:])
		lb.lines = lb.lines[:len(lb.lines)-1]
	}
	lb.lines = append(lb.lines, line)
}

// Lines returns a copy of the buffered lines, oldest first.
func (lb *LogBuffer) Lines() []string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return append([]string{}, lb.lines...)
}

func (lb *LogBuffer) Clear() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.lines = lb.lines[:0]
}

// readLines calls emit for every line read from r, truncating lines longer
// than maxLineBytes, and returns the error that ended reading. A final line
// without a newline is still emitted.
func readLines(r io.Reader, emit func(string)) error {
	br := bufio.NewReader(r)
	var line []byte
	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				emit(string(line))
			}
			return err
		}
		if room := maxLineBytes - len(line); room > 0 {
			line = append(line, chunk[:min(len(chunk), room)]...)
		}
		if !more {
			emit(string(line))
			line = line[:0]
		}
	}
}

// Status is the derived state of the engine.
type Status int

const (
	StatusDown Status = iota
	StatusStarting
	StatusUp
)

// String returns the name used on the control API.
func (s Status) String() string {
	switch s {
	case StatusDown:
		return "down"
	case StatusStarting:
		return "starting"
	case StatusUp:
		return "up"
	default:
		return "unknown"
	}
}

// handle tracks one spawned child process until it has been reaped.
type handle struct {
	name string
	cmd  *exec.Cmd
	done chan struct{} // closed once Wait has returned

	mu       sync.Mutex
	exitCode int
	stopping bool
}

func newHandle(name string, cmd *exec.Cmd) *handle {
	return &handle{name: name, cmd: cmd, done: make(chan struct{})}
}

func (h *handle) pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// running reports whether the process has not exited yet.
func (h *handle) running() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *handle) markStopping() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopping = true
}

func (h *handle) intentionallyStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

func (h *handle) setExit(code int) {
	h.mu.Lock()
	h.exitCode = code
	h.mu.Unlock()
	close(h.done)
}

func (h *handle) code() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}
