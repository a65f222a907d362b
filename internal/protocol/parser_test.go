package protocol

import (
	"testing"

	"github.com/nimbusworks/chatsync/internal/store"
)

func TestParseOrdinaryMessage(t *testing.T) {
	raw := []byte(`{
		"status": "ok",
		"data": {
			"id": "srv-1",
			"client_msg_id": "local-1",
			"conversation_id": "c1",
			"sender_id": "u2",
			"sender_name": "Bea",
			"content": "hello",
			"message_type": "text",
			"created_at": 1700000000000
		}
	}`)

	evt, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	msg, ok := evt.(MessageEvent)
	if !ok {
		t.Fatalf("event type = %T, want MessageEvent", evt)
	}
	if msg.Message.MsgID != "srv-1" || msg.Message.ConversationID != "c1" {
		t.Errorf("message = %+v, want srv-1/c1", msg.Message)
	}
	if msg.ClientMsgID != "local-1" {
		t.Errorf("client id = %q, want local-1", msg.ClientMsgID)
	}
	if msg.Message.Status != "" {
		t.Errorf("status = %q, want empty (confirmed)", msg.Message.Status)
	}
	if msg.Message.Kind != store.KindText {
		t.Errorf("kind = %q, want text", msg.Message.Kind)
	}
}

func TestParseMessageDeleted(t *testing.T) {
	raw := []byte(`{
		"status": "ok",
		"data": {
			"id": "sys-1",
			"conversation_id": "c1",
			"content": "message_deleted:m42:true:false",
			"message_type": "system"
		}
	}`)

	evt, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	del, ok := evt.(MessageDeleted)
	if !ok {
		t.Fatalf("event type = %T, want MessageDeleted", evt)
	}
	if del.MsgID != "m42" || !del.ForEveryone || del.IsGroup {
		t.Errorf("event = %+v, want m42/true/false", del)
	}
	if del.ConversationID != "c1" {
		t.Errorf("conversation = %q, want c1", del.ConversationID)
	}
}

func TestParseMemberAdded(t *testing.T) {
	raw := []byte(`{
		"status": "ok",
		"data": {
			"id": "sys-2",
			"conversation_id": "c1",
			"content": "member_added:u7:Alice:Design Team",
			"message_type": "system"
		}
	}`)

	evt, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	added, ok := evt.(MemberAdded)
	if !ok {
		t.Fatalf("event type = %T, want MemberAdded", evt)
	}
	if added.UserID != "u7" || added.UserName != "Alice" || added.GroupName != "Design Team" {
		t.Errorf("event = %+v", added)
	}
}

// Group names can contain colons; only the first two separators split.
func TestParseMemberRemovedColonInGroupName(t *testing.T) {
	raw := []byte(`{
		"status": "ok",
		"data": {
			"conversation_id": "c1",
			"content": "member_removed:u7:Alice:Ops: On-call",
			"message_type": "system"
		}
	}`)

	evt, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	removed, ok := evt.(MemberRemoved)
	if !ok {
		t.Fatalf("event type = %T, want MemberRemoved", evt)
	}
	if removed.GroupName != "Ops: On-call" {
		t.Errorf("group name = %q, want 'Ops: On-call'", removed.GroupName)
	}
}

func TestParseErrorFrame(t *testing.T) {
	raw := []byte(`{"status": "error", "message": "rejected", "errors": "user not in conversation"}`)

	evt, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	errEvt, ok := evt.(ErrorEvent)
	if !ok {
		t.Fatalf("event type = %T, want ErrorEvent", evt)
	}
	if !errEvt.NotInConversation() {
		t.Error("NotInConversation() = false, want true")
	}
}

func TestParseErrorFrameRetryable(t *testing.T) {
	raw := []byte(`{"status": "error", "message": "rate limited", "errors": "slow down"}`)
	evt, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if evt.(ErrorEvent).NotInConversation() {
		t.Error("NotInConversation() = true for a retryable error")
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"no data", `{"status": "ok"}`},
		{"truncated delete", `{"status":"ok","data":{"conversation_id":"c1","content":"message_deleted:m1","message_type":"system"}}`},
		{"empty member id", `{"status":"ok","data":{"conversation_id":"c1","content":"member_added::Alice:G","message_type":"system"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.raw)); err == nil {
				t.Errorf("Parse(%s) = nil error, want error", tc.raw)
			}
		})
	}
}

// A system message with an unknown prefix is a plain announcement, not an error.
func TestParseUnknownSystemMessage(t *testing.T) {
	raw := []byte(`{
		"status": "ok",
		"data": {
			"id": "sys-9",
			"conversation_id": "c1",
			"content": "conversation renamed to Launch",
			"message_type": "system"
		}
	}`)

	evt, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	msg, ok := evt.(MessageEvent)
	if !ok {
		t.Fatalf("event type = %T, want MessageEvent", evt)
	}
	if msg.Message.Kind != store.KindSystem {
		t.Errorf("kind = %q, want system", msg.Message.Kind)
	}
}
