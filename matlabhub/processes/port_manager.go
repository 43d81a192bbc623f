package processes

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// ConnectorPorts lists the ports the engine's connector accepts, in the
// order they are tried: [36]1[5-9][1-9][1-9].
func ConnectorPorts() []int {
	ports := make([]int, 0, 2*5*9*9)
	for _, p1 := range []int{3, 6} {
		for p3 := 5; p3 <= 9; p3++ {
			for p4 := 1; p4 <= 9; p4++ {
				for p5 := 1; p5 <= 9; p5++ {
					ports = append(ports, p1*10000+1*1000+p3*100+p4*10+p5)
				}
			}
		}
	}
	return ports
}

// IsConnectorPort reports whether port belongs to the connector port family.
func IsConnectorPort(port int) bool {
	if port < 10000 || port > 99999 {
		return false
	}
	d := []int{port / 10000, port / 1000 % 10, port / 100 % 10, port / 10 % 10, port % 10}
	return (d[0] == 3 || d[0] == 6) && d[1] == 1 && d[2] >= 5 && d[3] >= 1 && d[4] >= 1
}

// PortReserver picks a free TCP port for the engine's connector.
type PortReserver struct {
	mu         sync.Mutex
	fixedPort  int
	candidates []int
}

// PortOption configures a PortReserver.
type PortOption func(*PortReserver)

// WithFixedPort makes Reserve always return port without probing.
func WithFixedPort(port int) PortOption {
	return func(r *PortReserver) {
		r.fixedPort = port
	}
}

// WithCandidates replaces the candidate list.
func WithCandidates(ports []int) PortOption {
	return func(r *PortReserver) {
		r.candidates = ports
	}
}

// NewPortReserver creates a PortReserver over ConnectorPorts.
func NewPortReserver(opts ...PortOption) *PortReserver {
	r := &PortReserver{candidates: ConnectorPorts()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reserve returns the first candidate that can be bound right now. Ports
// already in use are skipped; any other bind failure is returned.
func (r *PortReserver) Reserve() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fixedPort != 0 {
		return r.fixedPort, nil
	}

	for _, port := range r.candidates {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			l.Close()
			return port, nil
		}
		if errors.Is(err, unix.EADDRINUSE) {
			continue
		}
		return 0, fmt.Errorf("probe port %d: %w", port, err)
	}
	return 0, fmt.Errorf("no available ports among %d connector candidates", len(r.candidates))
}
