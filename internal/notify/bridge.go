package notify

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nimbusworks/chatsync/internal/bus"
	"github.com/nimbusworks/chatsync/internal/status"
)

// Bridge translates engine events into user-facing toasts. It is the
// only component that decides which internal conditions are worth
// telling the user about.
type Bridge struct {
	bus      *bus.Bus
	notifier *Notifier
	logger   *zap.Logger

	// seenOpen distinguishes a reconnect from the boot-time connect; the
	// first Disconnected->Connecting edge is not a lost connection.
	seenOpen bool

	quit chan struct{}
	done chan struct{}
}

// NewBridge creates a bridge over the given bus.
func NewBridge(b *bus.Bus, n *Notifier, logger *zap.Logger) *Bridge {
	return &Bridge{bus: b, notifier: n, logger: logger.Named("notify")}
}

// Start subscribes and begins translating.
func (b *Bridge) Start() {
	conn, cancelConn := b.bus.Subscribe("conn.state_changed", 16)
	internal, cancelInternal := b.bus.Subscribe("notify.", 16)
	b.quit = make(chan struct{})
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		defer cancelConn()
		defer cancelInternal()
		for {
			select {
			case evt := <-conn:
				b.handleStateChange(evt)
			case evt := <-internal:
				b.handleInternal(evt)
			case <-b.quit:
				return
			}
		}
	}()
}

// Stop ends the translation loop.
func (b *Bridge) Stop() {
	if b.quit == nil {
		return
	}
	close(b.quit)
	<-b.done
}

func (b *Bridge) handleStateChange(evt bus.Event) {
	change, ok := evt.Payload.(status.StateChange)
	if !ok {
		return
	}
	// Only the retry edge after a live connection is user-visible;
	// ordinary open/close churn and the boot-time connect are not worth
	// a toast.
	switch {
	case change.To == status.Open:
		b.seenOpen = true
	case change.From == status.Disconnected && change.To == status.Connecting && b.seenOpen:
		b.notifier.Toast(KeyReconnecting, Transient, "Reconnecting", "Connection to chat lost, retrying")
	}
}

func (b *Bridge) handleInternal(evt bus.Event) {
	switch evt.Kind {
	case "notify.toast":
		// Our own output; translating it again would loop.
	case "notify.reconnect_exhausted":
		b.notifier.Toast(KeyReconnectExhausted, Persistent,
			"Disconnected", "Could not reach chat, check your connection")
	case "notify.access_revoked":
		b.notifier.Toast(KeyAccessRevoked, Persistent,
			"Access removed", "You no longer have access to this conversation")
	case "notify.send_failed":
		clientID, _ := evt.Payload.(string)
		b.notifier.Toast(KeySendFailed, Persistent,
			"Message not sent", fmt.Sprintf("Delivery failed after retries (%s)", clientID))
	case "notify.queue_drained":
		count, _ := evt.Payload.(int)
		b.notifier.Toast(KeyQueueDrained, Transient,
			"Back online", fmt.Sprintf("%d queued message(s) delivered", count))
	default:
		b.logger.Debug("unhandled notify event", zap.String("kind", evt.Kind))
	}
}
