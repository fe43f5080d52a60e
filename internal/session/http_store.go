package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"festiva/internal/chat"
)

const remoteRequestTimeout = 15 * time.Second

// RemoteStore implements chat.Store against a festiva server's REST API,
// so a session controller can run out-of-process: the durable append and
// the polling reads both go through the same reliable request path the
// server exposes.
//
// The actor identity rides in the X-Actor-ID header; the server treats
// it as an opaque input resolved by the surrounding auth system.
type RemoteStore struct {
	base   string
	client *http.Client
}

// NewRemoteStore constructs a client for a server base URL
// (e.g. "http://127.0.0.1:8080").
func NewRemoteStore(baseURL string, client *http.Client) *RemoteStore {
	if client == nil {
		client = &http.Client{Timeout: remoteRequestTimeout}
	}
	return &RemoteStore{base: baseURL, client: client}
}

type remoteMessage struct {
	Message chat.Message `json:"message"`
}

type remoteConversation struct {
	Conversation chat.Conversation `json:"conversation"`
}

type remoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Append posts content through the durable send path.
func (s *RemoteStore) Append(ctx context.Context, conversationID, senderID, content string) (chat.Message, error) {
	body, _ := json.Marshal(map[string]string{"content": content})

	var out remoteMessage
	err := s.do(ctx, http.MethodPost,
		"/api/conversations/"+url.PathEscape(conversationID)+"/messages",
		senderID, bytes.NewReader(body), &out)
	if err != nil {
		return chat.Message{}, err
	}
	return out.Message, nil
}

// ListSince fetches messages strictly after the cursor as readerID.
func (s *RemoteStore) ListSince(ctx context.Context, conversationID, readerID string, after chat.Cursor, limit int) ([]chat.Message, error) {
	q := url.Values{}
	if after.AfterID != "" {
		q.Set("after", after.AfterID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var out struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := s.do(ctx, http.MethodGet, path, readerID, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// MarkReadAll marks every peer message as read for readerID.
func (s *RemoteStore) MarkReadAll(ctx context.Context, conversationID, readerID string) error {
	return s.do(ctx, http.MethodPost,
		"/api/conversations/"+url.PathEscape(conversationID)+"/read",
		readerID, nil, nil)
}

// FindOrCreate resolves the conversation for actorA and peer actorB.
func (s *RemoteStore) FindOrCreate(ctx context.Context, actorA, actorB string) (chat.Conversation, error) {
	body, _ := json.Marshal(map[string]string{"peer_id": actorB})

	var out remoteConversation
	err := s.do(ctx, http.MethodPost, "/api/conversations", actorA, bytes.NewReader(body), &out)
	if err != nil {
		return chat.Conversation{}, err
	}
	return out.Conversation, nil
}

// ListFor returns actorID's conversations, newest activity first.
func (s *RemoteStore) ListFor(ctx context.Context, actorID string) ([]chat.Conversation, error) {
	var out struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/conversations", actorID, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (s *RemoteStore) do(ctx context.Context, method, path, actorID string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actorID != "" {
		req.Header.Set("X-Actor-ID", actorID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeRemoteError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeRemoteError maps the server's error contract back onto the
// domain taxonomy so callers can errors.Is/As the same way they would
// in-process.
func decodeRemoteError(resp *http.Response) error {
	var re remoteError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&re)

	switch re.Code {
	case "validation":
		return chat.ValidationError{Field: "content", Reason: re.Message}
	case "not_participant":
		return chat.ErrNotParticipant
	case "self_conversation":
		return chat.ErrSelfConversation
	case "not_found":
		return chat.ErrNotFound
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return chat.ErrNotFound
	case http.StatusForbidden:
		return chat.ErrNotParticipant
	}
	return fmt.Errorf("remote: %s: %s", resp.Status, re.Message)
}
