// Package connectivity tracks whether the device believes it has network
// access. The signal is fed in by the embedding application (OS hooks,
// reachability probes); the engine only reacts to the transitions.
package connectivity

import (
	"sync"
	"time"

	"github.com/nimbusworks/chatsync/internal/bus"
)

// Event kinds published on transitions.
const (
	EventOnline  = "net.online"
	EventOffline = "net.offline"
)

// Monitor holds the current connectivity belief and publishes transitions.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	bus    *bus.Bus
}

// NewMonitor creates a monitor that starts offline. The embedding app
// pushes the first real reading shortly after startup.
func NewMonitor(b *bus.Bus) *Monitor {
	return &Monitor{bus: b}
}

// Online reports the current belief.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a new reading. Only actual transitions publish; a
// repeated reading is a no-op so subscribers never see spurious edges.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed || m.bus == nil {
		return
	}
	kind := EventOffline
	if online {
		kind = EventOnline
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
}
