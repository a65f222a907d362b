package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced. The namespaces in use:
//
//	gw.*      parsed frames from the gateway connection
//	net.*     connectivity transitions (online/offline)
//	message.* store mutations consumers re-render from
//	conv.*    conversation list projection changes
//	conn.*    connection state changes
//	notify.*  toast signals for the embedding UI
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
