package connectivity

import (
	"testing"
	"time"

	"github.com/nimbusworks/chatsync/internal/bus"
)

func TestMonitorPublishesTransitions(t *testing.T) {
	b := bus.New()
	ch, cancel := b.Subscribe("net.", 4)
	defer cancel()

	m := NewMonitor(b)
	if m.Online() {
		t.Fatal("monitor should start offline")
	}

	m.SetOnline(true)
	select {
	case evt := <-ch:
		if evt.Kind != EventOnline {
			t.Errorf("kind = %q, want %q", evt.Kind, EventOnline)
		}
	case <-time.After(time.Second):
		t.Fatal("no event for offline -> online")
	}

	m.SetOnline(false)
	select {
	case evt := <-ch:
		if evt.Kind != EventOffline {
			t.Errorf("kind = %q, want %q", evt.Kind, EventOffline)
		}
	case <-time.After(time.Second):
		t.Fatal("no event for online -> offline")
	}
}

func TestMonitorSuppressesRepeats(t *testing.T) {
	b := bus.New()
	ch, cancel := b.Subscribe("net.", 4)
	defer cancel()

	m := NewMonitor(b)
	m.SetOnline(true)
	<-ch
	m.SetOnline(true)

	select {
	case evt := <-ch:
		t.Errorf("unexpected event %q for repeated reading", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}
