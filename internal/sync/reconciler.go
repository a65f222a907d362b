// Package sync applies gateway events to the local store. It is the only
// writer for inbound traffic: the gateway parses, this package decides
// what the frames mean for cached state.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimbusworks/chatsync/internal/bus"
	"github.com/nimbusworks/chatsync/internal/observability"
	"github.com/nimbusworks/chatsync/internal/protocol"
	"github.com/nimbusworks/chatsync/internal/store"
)

// memberEventWindow is how long an identical member event is considered a
// duplicate. The gateway fans member changes out once per open socket of
// the same user, so bursts of identical events are normal.
const memberEventWindow = 5 * time.Second

// Fetcher is the slice of the REST client the reconciler needs to fill
// gaps: conversations it has never seen and membership refetches.
type Fetcher interface {
	GetConversation(ctx context.Context, id string) (*protocol.WireConversation, error)
}

// Reconciler subscribes to gw.* events and reconciles them into the
// store. Every handler catches its own failures; a bad event is logged
// and dropped, never allowed to wedge the stream.
type Reconciler struct {
	db     *store.DB
	bus    *bus.Bus
	rest   Fetcher
	logger *zap.Logger

	userID         string
	assistantBotID string

	seen map[string]time.Time
	now  func() time.Time

	cancel func()
	quit   chan struct{}
	done   chan struct{}
}

// New creates a reconciler for the given profile identity.
func New(db *store.DB, b *bus.Bus, rest Fetcher, userID, assistantBotID string, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		db:             db,
		bus:            b,
		rest:           rest,
		logger:         logger.Named("reconciler"),
		userID:         userID,
		assistantBotID: assistantBotID,
		seen:           make(map[string]time.Time),
		now:            time.Now,
	}
}

// Start subscribes to the bus and begins applying events.
func (r *Reconciler) Start() {
	ch, cancel := r.bus.Subscribe("gw.", 256)
	r.cancel = cancel
	r.quit = make(chan struct{})
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		for {
			select {
			case evt := <-ch:
				r.apply(evt)
			case <-r.quit:
				return
			}
		}
	}()
}

// Stop unsubscribes and waits for the in-flight event to finish.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	close(r.quit)
	<-r.done
}

func (r *Reconciler) apply(evt bus.Event) {
	var err error
	switch p := evt.Payload.(type) {
	case protocol.MessageEvent:
		err = r.handleMessage(p)
	case protocol.MessageDeleted:
		err = r.handleDeleted(p)
	case protocol.MemberAdded:
		err = r.handleMemberAdded(p)
	case protocol.MemberRemoved:
		err = r.handleMemberRemoved(p)
	case protocol.ErrorEvent:
		// Connection-level; the gateway already acted on it.
	default:
		r.logger.Debug("ignoring event", zap.String("kind", evt.Kind))
	}
	if err != nil {
		r.logger.Error("reconcile failed", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// handleMessage applies an ordinary inbound message. Matching order:
// exact server id, then client id echo, then the optimistic heuristic,
// then plain append. The first two make re-delivery a no-op.
func (r *Reconciler) handleMessage(evt protocol.MessageEvent) error {
	msg := evt.Message

	conv, err := r.db.GetConversation(msg.ConversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		conv, err = r.discoverConversation(msg.ConversationID)
		if err != nil {
			return fmt.Errorf("discover conversation %s: %w", msg.ConversationID, err)
		}
	}

	existing, err := r.db.GetMessage(msg.ConversationID, msg.MsgID)
	if err != nil {
		return err
	}
	if existing != nil {
		// A known id is an update, not a duplicate: confirmed edits reach
		// other participants as the same message id with new content. The
		// row is refreshed in place; no append, no unread.
		if err := r.db.UpsertMessage(msg); err != nil {
			return err
		}
		observability.ReconcileOps.WithLabelValues("updated").Inc()
		if msg.Body != existing.Body {
			r.publishMessage("message.edited", msg)
		}
		return nil
	}

	if evt.ClientMsgID != "" {
		replaced, err := r.db.ReplaceOptimistic(msg.ConversationID, evt.ClientMsgID, msg)
		if err != nil {
			return err
		}
		if replaced {
			observability.ReconcileOps.WithLabelValues("replaced").Inc()
			r.publishMessage("message.replaced", msg)
			return r.updateProjection(conv, msg)
		}
	}

	if msg.SenderID == r.userID {
		match, err := r.db.FindOptimisticMatch(msg.ConversationID, msg.SenderID, msg.Body)
		if err != nil {
			return err
		}
		if match != nil {
			if _, err := r.db.ReplaceOptimistic(msg.ConversationID, match.MsgID, msg); err != nil {
				return err
			}
			observability.ReconcileOps.WithLabelValues("replaced").Inc()
			r.publishMessage("message.replaced", msg)
			return r.updateProjection(conv, msg)
		}
	}

	// Membership gating: a conversation the user was removed from keeps
	// receiving projection updates but its detail list stays frozen.
	if !conv.IsUserMember {
		observability.ReconcileOps.WithLabelValues("gated").Inc()
		return r.updateProjection(conv, msg)
	}

	if err := r.db.UpsertMessage(msg); err != nil {
		return err
	}
	observability.ReconcileOps.WithLabelValues("appended").Inc()
	r.publishMessage("message.new", msg)

	if msg.SenderID != r.userID {
		if err := r.db.IncrementUnread(msg.ConversationID); err != nil {
			return err
		}
	}
	return r.updateProjection(conv, msg)
}

func (r *Reconciler) handleDeleted(evt protocol.MessageDeleted) error {
	if err := r.db.DeleteMessage(evt.ConversationID, evt.MsgID); err != nil {
		return err
	}
	observability.ReconcileOps.WithLabelValues("deleted").Inc()
	r.bus.Publish(bus.Event{Kind: "message.deleted", Timestamp: r.now(), Payload: evt})
	return nil
}

func (r *Reconciler) handleMemberAdded(evt protocol.MemberAdded) error {
	if r.isDuplicate("member_added", evt.ConversationID, evt.UserID) {
		observability.ReconcileOps.WithLabelValues("deduped").Inc()
		return nil
	}

	if evt.UserID == r.userID {
		// Added (back) to the group: local state may be arbitrarily stale,
		// so refetch everything and restore membership.
		if err := r.refetchConversation(evt.ConversationID, true); err != nil {
			return err
		}
	} else {
		if err := r.refetchMembers(evt.ConversationID); err != nil {
			return err
		}
	}

	return r.appendSystemNotice(evt.ConversationID,
		fmt.Sprintf("%s was added to the group", evt.UserName))
}

func (r *Reconciler) handleMemberRemoved(evt protocol.MemberRemoved) error {
	if r.isDuplicate("member_removed", evt.ConversationID, evt.UserID) {
		observability.ReconcileOps.WithLabelValues("deduped").Inc()
		return nil
	}

	notice := fmt.Sprintf("%s was removed from the group", evt.UserName)
	if evt.UserID == r.userID {
		// Own removal is applied locally: the gateway may already refuse
		// a refetch. History stays readable; only new traffic is gated.
		if err := r.db.RemoveMember(evt.ConversationID, evt.UserID); err != nil {
			return err
		}
		if err := r.db.SetMembership(evt.ConversationID, false); err != nil {
			return err
		}
		notice = "You were removed from the group"
	} else {
		// Someone else left: refetch instead of patching locally, which
		// also heals any member-list drift.
		if err := r.refetchMembers(evt.ConversationID); err != nil {
			return err
		}
	}

	return r.appendSystemNotice(evt.ConversationID, notice)
}

// isDuplicate reports whether the same member event was seen within the
// dedupe window, and records this occurrence.
func (r *Reconciler) isDuplicate(event, conversationID, userID string) bool {
	key := fmt.Sprintf("%s_%s_%s", event, conversationID, userID)
	now := r.now()

	for k, at := range r.seen {
		if now.Sub(at) > memberEventWindow {
			delete(r.seen, k)
		}
	}

	if at, ok := r.seen[key]; ok && now.Sub(at) <= memberEventWindow {
		return true
	}
	r.seen[key] = now
	return false
}

// discoverConversation pulls a conversation the store has never seen.
// Conversations with the assistant bot are synced but kept out of the
// sidebar: the embedding app renders them in a dedicated surface.
func (r *Reconciler) discoverConversation(id string) (*store.Conversation, error) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelCtx()

	wc, err := r.rest.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	conv := &store.Conversation{
		ID:            wc.ID,
		Name:          wc.Name,
		AvatarURL:     wc.AvatarURL,
		IsGroup:       wc.IsGroup,
		IsCrossTenant: wc.IsCrossTenant,
		CreatedBy:     wc.CreatedBy,
		IsUserMember:  true,
		InSidebar:     !r.isAssistantConversation(wc),
		CreatedAt:     wc.CreatedAt,
		UpdatedAt:     wc.UpdatedAt,
	}
	if err := r.db.UpsertConversation(conv); err != nil {
		return nil, err
	}
	if err := r.db.ReplaceMembers(wc.ID, toMembers(wc.Members)); err != nil {
		return nil, err
	}
	r.bus.Publish(bus.Event{Kind: "conv.discovered", Timestamp: r.now(), Payload: conv.ID})
	return conv, nil
}

func (r *Reconciler) isAssistantConversation(wc *protocol.WireConversation) bool {
	if r.assistantBotID == "" || wc.IsGroup {
		return false
	}
	for _, m := range wc.Members {
		if m.UserID == r.assistantBotID {
			return true
		}
	}
	return false
}

// refetchConversation re-syncs metadata, members and history from REST.
func (r *Reconciler) refetchConversation(id string, restoreMembership bool) error {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelCtx()

	wc, err := r.rest.GetConversation(ctx, id)
	if err != nil {
		return err
	}

	conv := &store.Conversation{
		ID:            wc.ID,
		Name:          wc.Name,
		AvatarURL:     wc.AvatarURL,
		IsGroup:       wc.IsGroup,
		IsCrossTenant: wc.IsCrossTenant,
		CreatedBy:     wc.CreatedBy,
		IsUserMember:  true,
		InSidebar:     !r.isAssistantConversation(wc),
		CreatedAt:     wc.CreatedAt,
		UpdatedAt:     wc.UpdatedAt,
	}
	if err := r.db.UpsertConversation(conv); err != nil {
		return err
	}
	if restoreMembership {
		if err := r.db.SetMembership(id, true); err != nil {
			return err
		}
	}
	if err := r.db.ReplaceMembers(id, toMembers(wc.Members)); err != nil {
		return err
	}

	msgs := make([]*store.Message, 0, len(wc.Messages))
	for i := range wc.Messages {
		m := wc.Messages[i].ToStoreMessage()
		if m.MsgID == "" || (m.Kind != store.KindText && m.Kind != store.KindSystem) {
			continue
		}
		msgs = append(msgs, m)
	}
	if err := r.db.ReplaceMessages(id, msgs); err != nil {
		return err
	}
	r.bus.Publish(bus.Event{Kind: "conv.refetched", Timestamp: r.now(), Payload: id})
	return nil
}

func (r *Reconciler) refetchMembers(id string) error {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelCtx()

	wc, err := r.rest.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	return r.db.ReplaceMembers(id, toMembers(wc.Members))
}

// appendSystemNotice writes a locally synthesized system message and
// bumps the projection so the sidebar reflects it.
func (r *Reconciler) appendSystemNotice(conversationID, body string) error {
	now := r.now().UnixMilli()
	msg := &store.Message{
		ConversationID: conversationID,
		MsgID:          "local-sys-" + uuid.NewString(),
		Body:           body,
		Kind:           store.KindSystem,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.db.UpsertMessage(msg); err != nil {
		return err
	}
	if err := r.db.SetLastMessage(conversationID, now, body, ""); err != nil {
		return err
	}
	r.publishMessage("message.new", msg)
	r.bus.Publish(bus.Event{Kind: "conv.updated", Timestamp: r.now(), Payload: conversationID})
	return nil
}

func (r *Reconciler) updateProjection(conv *store.Conversation, msg *store.Message) error {
	if err := r.db.SetLastMessage(conv.ID, msg.CreatedAt, msg.Body, msg.SenderID); err != nil {
		return err
	}
	r.bus.Publish(bus.Event{Kind: "conv.updated", Timestamp: r.now(), Payload: conv.ID})
	return nil
}

func (r *Reconciler) publishMessage(kind string, msg *store.Message) {
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: r.now(), Payload: msg})
}

func toMembers(ms []protocol.WireMember) []store.Member {
	out := make([]store.Member, 0, len(ms))
	for _, m := range ms {
		role := m.Role
		if role == "" {
			role = store.RoleMember
		}
		out = append(out, store.Member{
			ConversationID: m.ConversationID,
			UserID:         m.UserID,
			TenantID:       m.TenantID,
			Role:           role,
			DisplayName:    m.DisplayName,
			AvatarURL:      m.AvatarURL,
			JoinedAt:       m.JoinedAt,
		})
	}
	return out
}
