package notify

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusworks/chatsync/internal/bus"
	"github.com/nimbusworks/chatsync/internal/status"
)

func waitToast(t *testing.T, ch <-chan bus.Event) Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind != "notify.toast" {
				continue
			}
			return evt.Payload.(Notification)
		case <-deadline:
			t.Fatal("no toast")
			return Notification{}
		}
	}
}

func TestToastCarriesStableKey(t *testing.T) {
	b := bus.New()
	ch, cancel := b.Subscribe("notify.toast", 4)
	defer cancel()

	New(b).Toast(KeySendFailed, Persistent, "Message not sent", "details")

	n := waitToast(t, ch)
	if n.Key != KeySendFailed || n.Severity != Persistent {
		t.Errorf("notification = %+v", n)
	}
}

func TestBridgeTranslatesReconnect(t *testing.T) {
	b := bus.New()
	bridge := NewBridge(b, New(b), zap.NewNop())
	bridge.Start()
	defer bridge.Stop()

	ch, cancel := b.Subscribe("notify.toast", 8)
	defer cancel()

	// A live connection drops, then the retry edge fires.
	machine := status.NewMachine(b)
	for _, st := range []status.State{
		status.Connecting, status.Open, status.Closed, status.Disconnected, status.Connecting,
	} {
		if err := machine.Transition(st); err != nil {
			t.Fatal(err)
		}
	}

	n := waitToast(t, ch)
	if n.Key != KeyReconnecting || n.Severity != Transient {
		t.Errorf("notification = %+v", n)
	}
}

// The boot-time connect also passes Disconnected -> Connecting; no
// connection was lost, so nothing is shown.
func TestBridgeSilentOnInitialConnect(t *testing.T) {
	b := bus.New()
	bridge := NewBridge(b, New(b), zap.NewNop())
	bridge.Start()
	defer bridge.Stop()

	ch, cancel := b.Subscribe("notify.toast", 4)
	defer cancel()

	machine := status.NewMachine(b)
	if err := machine.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected toast %+v at boot", evt.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBridgeTranslatesQueueDrained(t *testing.T) {
	b := bus.New()
	bridge := NewBridge(b, New(b), zap.NewNop())
	bridge.Start()
	defer bridge.Stop()

	ch, cancel := b.Subscribe("notify.toast", 4)
	defer cancel()

	b.Publish(bus.Event{Kind: "notify.queue_drained", Timestamp: time.Now(), Payload: 3})

	n := waitToast(t, ch)
	if n.Key != KeyQueueDrained || n.Severity != Transient {
		t.Errorf("notification = %+v", n)
	}
}

func TestBridgeTranslatesSendFailure(t *testing.T) {
	b := bus.New()
	bridge := NewBridge(b, New(b), zap.NewNop())
	bridge.Start()
	defer bridge.Stop()

	ch, cancel := b.Subscribe("notify.toast", 4)
	defer cancel()

	b.Publish(bus.Event{Kind: "notify.send_failed", Timestamp: time.Now(), Payload: "q1"})

	n := waitToast(t, ch)
	if n.Key != KeySendFailed || n.Severity != Persistent {
		t.Errorf("notification = %+v", n)
	}
}
