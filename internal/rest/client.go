// Package rest is the client for the chat gateway's REST surface. It is
// the fallback send path when the socket is down and the source of
// history, conversation detail and membership refetches.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nimbusworks/chatsync/internal/protocol"
)

// ErrUnauthorized is returned for 401/403 responses. Callers treat it as
// fatal for the current connection: it is never retried.
var ErrUnauthorized = errors.New("unauthorized")

// Client talks to the REST gateway. Requests rely on transport-default
// timeouts; the send path has its own retry bookkeeping.
type Client struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
}

// New creates a REST client for the given gateway and identity.
func New(baseURL, token, userID string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		userID:  userID,
		http:    &http.Client{},
	}
}

// SendMessageRequest is the POST /messages payload. ClientMsgID is stored
// by the gateway and echoed on the socket broadcast.
type SendMessageRequest struct {
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	ClientMsgID    string   `json:"client_msg_id,omitempty"`
	SenderID       string   `json:"sender_id"`
	ParentID       string   `json:"parent_message_id,omitempty"`
	AttachmentIDs  []string `json:"attachment_ids,omitempty"`
}

// ListConversations fetches the conversation list for the current user.
func (c *Client) ListConversations(ctx context.Context, limit, offset int) ([]protocol.WireConversation, error) {
	q := url.Values{"user_id": {c.userID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out []protocol.WireConversation
	if err := c.do(ctx, http.MethodGet, "/conversations?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConversation fetches one conversation with members and messages.
func (c *Client) GetConversation(ctx context.Context, id string) (*protocol.WireConversation, error) {
	q := url.Values{"user_id": {c.userID}}
	var out protocol.WireConversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id)+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts a message and returns the server copy.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*protocol.WireMessage, error) {
	var out protocol.WireMessage
	if err := c.do(ctx, http.MethodPost, "/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditMessage replaces a message's content (last-write-wins).
func (c *Client) EditMessage(ctx context.Context, msgID, content string) (*protocol.WireMessage, error) {
	body := map[string]string{"content": content}
	var out protocol.WireMessage
	if err := c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(msgID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ForwardMessage forwards a message into other conversations.
func (c *Client) ForwardMessage(ctx context.Context, msgID string, targetConversationIDs []string) error {
	body := map[string]any{"conversation_ids": targetConversationIDs}
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(msgID)+"/forward", body, nil)
}

// PinMessage toggles a message's pinned state.
func (c *Client) PinMessage(ctx context.Context, msgID string, pinned bool) error {
	body := map[string]bool{"pinned": pinned}
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(msgID)+"/pin", body, nil)
}

// MarkConversationRead records the user's read position server-side.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	q := url.Values{"user_id": {c.userID}}
	return c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read?"+q.Encode(), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
