// Package outbox drains the offline send queue. Messages queued while
// the device was offline go out over REST once connectivity returns,
// strictly in queue order.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusworks/chatsync/internal/bus"
	"github.com/nimbusworks/chatsync/internal/observability"
	"github.com/nimbusworks/chatsync/internal/protocol"
	"github.com/nimbusworks/chatsync/internal/rest"
	"github.com/nimbusworks/chatsync/internal/store"
)

const (
	// onlineDebounce delays the drain after an online transition so a
	// flapping link does not fire overlapping drains.
	onlineDebounce = time.Second
	// sendSpacing is the pause between consecutive queue entries. The
	// gateway rate-limits bursts; pacing keeps drains under the limit.
	sendSpacing = 500 * time.Millisecond

	sendTimeout = 30 * time.Second
)

// MessageSender is the slice of the REST client the drain needs.
type MessageSender interface {
	SendMessage(ctx context.Context, req rest.SendMessageRequest) (*protocol.WireMessage, error)
}

// Sender owns the drain loop. Exactly one drain runs at a time; each
// drain reads a fresh queue snapshot so entries settled by a socket echo
// in the meantime are skipped.
type Sender struct {
	db     *store.DB
	bus    *bus.Bus
	sender MessageSender
	logger *zap.Logger

	debounce time.Duration
	spacing  time.Duration

	drainMu sync.Mutex
	quit    chan struct{}
	done    chan struct{}
}

// NewSender creates a drain engine over the given queue and transport.
func NewSender(db *store.DB, b *bus.Bus, sender MessageSender, logger *zap.Logger) *Sender {
	return &Sender{
		db:       db,
		bus:      b,
		sender:   sender,
		logger:   logger.Named("outbox"),
		debounce: onlineDebounce,
		spacing:  sendSpacing,
	}
}

// Start subscribes to connectivity transitions and drains on each
// offline-to-online edge.
func (s *Sender) Start() {
	ch, cancel := s.bus.Subscribe("net.online", 8)
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		defer cancel()
		for {
			select {
			case <-ch:
				select {
				case <-time.After(s.debounce):
				case <-s.quit:
					return
				}
				s.Drain()
			case <-s.quit:
				return
			}
		}
	}()
}

// Stop ends the drain loop. An in-progress drain finishes its current
// entry and stops at the next spacing pause.
func (s *Sender) Stop() {
	if s.quit == nil {
		return
	}
	close(s.quit)
	<-s.done
}

// Drain sends every drainable entry sequentially. Entries that fail stay
// queued with an incremented retry count; entries at the ceiling are
// left to manual retry.
func (s *Sender) Drain() {
	if !s.drainMu.TryLock() {
		return
	}
	defer s.drainMu.Unlock()

	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("read queue", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}
	s.logger.Info("draining queue", zap.Int("entries", len(pending)))

	drained := 0
	for i := range pending {
		if i > 0 {
			select {
			case <-time.After(s.spacing):
			case <-s.quitChan():
				return
			}
		}
		if err := s.attempt(&pending[i], false); err != nil {
			if errors.Is(err, rest.ErrUnauthorized) {
				s.logger.Warn("drain aborted, credentials rejected")
				return
			}
			continue
		}
		drained++
	}
	if drained > 0 {
		s.bus.Publish(bus.Event{Kind: "notify.queue_drained", Timestamp: time.Now(), Payload: drained})
	}
	s.publishDepth()
}

// Retry re-arms a single frozen entry and attempts it immediately.
func (s *Sender) Retry(clientMsgID string) error {
	entry, err := s.db.GetOutbox(clientMsgID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("outbox: no entry %s", clientMsgID)
	}
	if err := s.db.ResetOutboxForRetry(clientMsgID); err != nil {
		return err
	}
	entry.RetryCount = 0
	return s.attempt(entry, true)
}

func (s *Sender) attempt(q *store.QueuedMessage, manual bool) error {
	if err := s.db.MarkOutboxSending(q.ClientMsgID); err != nil {
		return err
	}
	if err := s.db.UpdateMessageStatus(q.ConversationID, q.ClientMsgID, store.StatusSending); err != nil {
		return err
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), sendTimeout)
	defer cancelCtx()

	wire, err := s.sender.SendMessage(ctx, rest.SendMessageRequest{
		ConversationID: q.ConversationID,
		Content:        q.Body,
		ClientMsgID:    q.ClientMsgID,
		SenderID:       q.SenderID,
		ParentID:       q.ParentID,
		AttachmentIDs:  q.AttachmentIDs,
	})
	if err != nil {
		observability.SendAttempts.WithLabelValues("failure").Inc()
		s.logger.Warn("send failed",
			zap.String("client_msg_id", q.ClientMsgID),
			zap.Int("retry_count", q.RetryCount+1),
			zap.Error(err))
		if manual {
			// A failed manual attempt freezes immediately: re-entering the
			// automatic drain cycle would spend retries the user did not
			// ask for.
			if derr := s.db.FreezeOutbox(q.ClientMsgID, err.Error()); derr != nil {
				return derr
			}
			_ = s.db.UpdateMessageStatus(q.ConversationID, q.ClientMsgID, store.StatusFailed)
			s.bus.Publish(bus.Event{Kind: "notify.send_failed", Timestamp: time.Now(), Payload: q.ClientMsgID})
			return err
		}
		if derr := s.db.MarkOutboxFailed(q.ClientMsgID, err.Error()); derr != nil {
			return derr
		}
		// Mirror the frozen state onto the message row so the UI can
		// offer the manual retry affordance.
		if after, gerr := s.db.GetOutbox(q.ClientMsgID); gerr == nil && after != nil && after.Status == store.StatusFailed {
			_ = s.db.UpdateMessageStatus(q.ConversationID, q.ClientMsgID, store.StatusFailed)
			s.bus.Publish(bus.Event{Kind: "notify.send_failed", Timestamp: time.Now(), Payload: q.ClientMsgID})
		} else {
			_ = s.db.UpdateMessageStatus(q.ConversationID, q.ClientMsgID, store.StatusPending)
		}
		return err
	}

	serverMsg := wire.ToStoreMessage()
	replaced, err := s.db.ReplaceOptimistic(q.ConversationID, q.ClientMsgID, serverMsg)
	if err != nil {
		return err
	}
	if !replaced {
		// The socket echo settled this message first; the queue entry is
		// the only thing left to clean up.
		s.logger.Debug("optimistic row already settled", zap.String("client_msg_id", q.ClientMsgID))
	}
	if err := s.db.DeleteOutbox(q.ClientMsgID); err != nil {
		return err
	}
	observability.SendAttempts.WithLabelValues("success").Inc()
	s.bus.Publish(bus.Event{Kind: "message.replaced", Timestamp: time.Now(), Payload: serverMsg})
	s.bus.Publish(bus.Event{Kind: "conv.updated", Timestamp: time.Now(), Payload: q.ConversationID})
	return nil
}

func (s *Sender) publishDepth() {
	depth, err := s.db.OutboxDepth()
	if err != nil {
		return
	}
	observability.QueueDepth.Set(float64(depth))
}

func (s *Sender) quitChan() chan struct{} {
	if s.quit == nil {
		// Drains triggered outside Start (tests, manual retry) have no
		// loop to stop them.
		return make(chan struct{})
	}
	return s.quit
}
