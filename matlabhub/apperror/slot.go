package apperror

import "sync"

// Slot holds the single current error of the application. It is shared by the
// licensing machine and the engine supervisor.
type Slot struct {
	mu  sync.RWMutex
	err *Error
}

func (s *Slot) Set(err *Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Slot) Get() *Error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Slot) Clear() {
	s.Set(nil)
}

// ClearIf clears the current error only when match returns true for it.
// It reports whether an error was cleared.
func (s *Slot) ClearIf(match func(*Error) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil || !match(s.err) {
		return false
	}
	s.err = nil
	return true
}
