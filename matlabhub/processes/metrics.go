package processes

import (
	"time"

	"github.com/tomyedwab/matlabproxy/matlabhub/apperror"
)

// MetricsCollector receives supervisor measurements.
type MetricsCollector interface {
	// EngineStarted records a successful spawn of the engine.
	EngineStarted()

	// EngineCrashed records an unintended engine exit classified as errorType.
	EngineCrashed(errorType string)

	// StartDuration records how long a start attempt took.
	StartDuration(d time.Duration, err error)
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) EngineStarted()                           {}
func (noopMetricsCollector) EngineCrashed(errorType string)           {}
func (noopMetricsCollector) StartDuration(d time.Duration, err error) {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}

// Listener is told about engine lifecycle events.
type Listener interface {
	EngineStarted(port int)
	EngineStopped(port int)
	EngineCrashed(port int, err *apperror.Error)
}
