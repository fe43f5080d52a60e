// Package main provides a CI-friendly WebSocket smoke test for the Festiva chat gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/hello_ack session establishment
//   - join echo
//   - send -> deliver fanout to the other client
//   - sender exclusion (no self-deliver)
//   - typing fanout
//   - with -api: durable append via REST, then fanout, then poll agreement
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "festiva/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "festiva.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	actorID   string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Frame
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "", "REST API base URL (e.g. http://127.0.0.1:8080); when set, the message is appended durably first")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		convID  = flag.String("conv", "dev-conv-1", "Conversation ID to join (ignored when -api is set)")
		text    = flag.String("text", "hello festiva", "Message content to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", "smoke-actor-a", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", "smoke-actor-b", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	conv := *convID
	if *apiURL != "" {
		conv = mustCreateConversation(root, *apiURL, a.actorID, b.actorID, *timeout)
		if *verbose {
			fmt.Printf("conversation: %s\n", conv)
		}
	}

	mustJoin(root, a, conv, *timeout)
	mustJoin(root, b, conv, *timeout)

	mustTypingFanout(root, a, b, conv, *timeout)

	// The gateway fans out already-persisted messages. With -api the
	// message goes through the durable append first and the stored copy
	// is broadcast; otherwise the smoke test mints the id locally.
	var msg v1.WireMessage
	if *apiURL != "" {
		msg = mustAppendMessage(root, *apiURL, a.actorID, conv, *text, *timeout)
	} else {
		msg = v1.WireMessage{
			ID:             fmt.Sprintf("smoke-%d", time.Now().UnixNano()),
			ConversationID: conv,
			SenderID:       a.actorID,
			Content:        *text,
			CreatedAt:      time.Now().UTC(),
		}
	}

	mustSend(root, a, msg, *timeout)
	mustAssertDeliver(root, b, msg, *timeout)

	mustAssertNoType(root, a, v1.TypeDeliver, 1200*time.Millisecond)

	if *apiURL != "" {
		mustPollAgreement(root, *apiURL, b.actorID, conv, msg, *timeout)
	}

	fmt.Printf("OK: A=%s B=%s conv_id=%s msg_id=%s\n", a.sessionID, b.sessionID, conv, msg.ID)
}

func mustCreateConversation(parent context.Context, apiBase, actorID, peerID string, stepTimeout time.Duration) string {
	var out struct {
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
	}
	mustAPICall(parent, http.MethodPost, apiBase+"/api/conversations", actorID,
		map[string]string{"peer_id": peerID}, http.StatusOK, &out, stepTimeout)
	if strings.TrimSpace(out.Conversation.ID) == "" {
		fatalf("create conversation: empty id in response")
	}
	return out.Conversation.ID
}

func mustAppendMessage(parent context.Context, apiBase, actorID, convID, content string, stepTimeout time.Duration) v1.WireMessage {
	var out struct {
		Message v1.WireMessage `json:"message"`
	}
	mustAPICall(parent, http.MethodPost, apiBase+"/api/conversations/"+convID+"/messages", actorID,
		map[string]string{"content": content}, http.StatusCreated, &out, stepTimeout)
	if strings.TrimSpace(out.Message.ID) == "" {
		fatalf("append message: empty id in response")
	}
	return out.Message
}

// mustPollAgreement checks that the polling endpoint sees the same message
// the socket delivered.
func mustPollAgreement(parent context.Context, apiBase, actorID, convID string, want v1.WireMessage, stepTimeout time.Duration) {
	var out struct {
		Messages []v1.WireMessage `json:"messages"`
	}
	mustAPICall(parent, http.MethodGet, apiBase+"/api/conversations/"+convID+"/messages", actorID,
		nil, http.StatusOK, &out, stepTimeout)
	for _, m := range out.Messages {
		if m.ID == want.ID {
			if m.Content != want.Content || m.SenderID != want.SenderID {
				fatalf("poll agreement: message %s differs from delivered copy", want.ID)
			}
			return
		}
	}
	fatalf("poll agreement: message %s not found via polling endpoint", want.ID)
}

func mustAPICall(parent context.Context, method, rawURL, actorID string, body any, wantStatus int, out any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		fatalf("build request %s %s: %v", method, rawURL, err)
	}
	req.Header.Set("X-Actor-ID", actorID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("request %s %s: %v", method, rawURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("read response %s %s: %v", method, rawURL, err)
	}
	if resp.StatusCode != wantStatus {
		fatalf("request %s %s: status=%d want=%d body=%s", method, rawURL, resp.StatusCode, wantStatus, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			fatalf("decode response %s %s: %v", method, rawURL, err)
		}
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, actorID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:    name,
		actorID: actorID,
		conn:    conn,
		inbox:   make(chan v1.Frame, 512),
		errCh:   make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Frame{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{ActorID: actorID}),
	}
	mustWriteWithTimeout(parent, c.conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var f v1.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := f.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad frame: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- f:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	f := v1.Frame{
		V:       v1.Version,
		Type:    v1.TypeJoin,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.JoinPayload{ConversationID: convID}),
	}
	mustWriteWithTimeout(parent, c.conn, f, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeJoin, stepTimeout, nil)

	var p v1.JoinPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("join echo conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

func mustTypingFanout(parent context.Context, from, to *smokeClient, convID string, stepTimeout time.Duration) {
	f := v1.Frame{
		V:       v1.Version,
		Type:    v1.TypeTyping,
		ID:      fmt.Sprintf("%s-typing", from.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.TypingPayload{ConversationID: convID, ActorID: from.actorID}),
	}
	mustWriteWithTimeout(parent, from.conn, f, stepTimeout)

	got := to.mustReadUntilType(parent, v1.TypeTyping, stepTimeout, nil)

	var p v1.TypingPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal typing payload (%s): %v", to.name, err)
	}
	if p.ConversationID != convID {
		fatalf("typing conv_id mismatch (%s): got=%q want=%q", to.name, p.ConversationID, convID)
	}
	if p.ActorID != from.actorID {
		fatalf("typing actor mismatch (%s): got=%q want=%q", to.name, p.ActorID, from.actorID)
	}
}

func mustSend(parent context.Context, c *smokeClient, msg v1.WireMessage, stepTimeout time.Duration) {
	f := v1.Frame{
		V:    v1.Version,
		Type: v1.TypeSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, msg.ID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.SendPayload{
			ConversationID: msg.ConversationID,
			Message:        msg,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, f, stepTimeout)
}

func mustAssertDeliver(parent context.Context, c *smokeClient, want v1.WireMessage, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeTyping: {}}
	got := c.mustReadUntilType(parent, v1.TypeDeliver, stepTimeout, skip)

	var p v1.DeliverPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal deliver payload (%s): %v", c.name, err)
	}

	m := p.Message
	if m.ID != want.ID {
		fatalf("deliver id mismatch (%s): got=%q want=%q", c.name, m.ID, want.ID)
	}
	if m.ConversationID != want.ConversationID {
		fatalf("deliver conv_id mismatch (%s): got=%q want=%q", c.name, m.ConversationID, want.ConversationID)
	}
	if m.SenderID != want.SenderID {
		fatalf("deliver sender mismatch (%s): got=%q want=%q", c.name, m.SenderID, want.SenderID)
	}
	if m.Content != want.Content {
		fatalf("deliver content mismatch (%s): got=%q want=%q", c.name, m.Content, want.Content)
	}
	if m.CreatedAt.IsZero() {
		fatalf("deliver created_at missing/zero (%s)", c.name)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if f.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(f.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if f.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if f.Type == wantType {
				return f
			}
			if f.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(f.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[f.Type]; ok {
					continue
				}
			}
			fatalf("unexpected frame type (%s): got=%q want=%q", c.name, f.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, f v1.Frame, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
