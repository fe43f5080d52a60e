package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	v1 "festiva/contracts/chat/v1"
	"festiva/internal/chat"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "festiva.chat.v1"

	wsInboundQueue = 64
	wsWriteTimeout = 5 * time.Second
)

// NewWSDialer returns a Dialer that connects to a festiva gateway at
// wsURL, presenting origin in the handshake. Each call dials a fresh
// connection; the channel never reconnects itself.
func NewWSDialer(wsURL, origin string, log *slog.Logger) Dialer {
	return func(ctx context.Context, actorID string) (Channel, error) {
		return DialWS(ctx, wsURL, origin, actorID, log)
	}
}

// WSChannel is a Channel over one coder/websocket connection speaking
// the chat v1 contract.
//
// State machine per connection: connecting -> open -> {closed, failed}.
// Open is entered when the hello/hello_ack handshake completes inside
// DialWS; any read or write error afterwards fires Done and the channel
// is finished.
type WSChannel struct {
	log  *slog.Logger
	conn *websocket.Conn

	sessionID string
	actorID   string

	inbound chan chat.Message
	typing  chan string
	joinAck chan string

	readCtx    context.Context
	readCancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once

	writeMu sync.Mutex
}

// DialWS establishes and handshakes one realtime connection.
// ctx bounds the whole attempt (dial + hello + ack).
func DialWS(ctx context.Context, wsURL, origin, actorID string, log *slog.Logger) (*WSChannel, error) {
	if log == nil {
		log = slog.Default()
	}
	if actorID == "" {
		return nil, errors.New("ws: missing actor id")
	}

	hdr := http.Header{}
	if origin != "" {
		hdr.Set("Origin", origin)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   hdr,
	})
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol mismatch")
		return nil, fmt.Errorf("ws: negotiated subprotocol %q", sp)
	}

	readCtx, readCancel := context.WithCancel(context.Background())

	ch := &WSChannel{
		log:        log,
		conn:       conn,
		actorID:    actorID,
		inbound:    make(chan chat.Message, wsInboundQueue),
		typing:     make(chan string, wsInboundQueue),
		joinAck:    make(chan string, 4),
		readCtx:    readCtx,
		readCancel: readCancel,
		done:       make(chan struct{}),
	}

	if err := ch.handshake(ctx); err != nil {
		ch.fail(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}

	go ch.readLoop()
	return ch, nil
}

// SessionID returns the server-assigned websocket session id.
func (c *WSChannel) SessionID() string { return c.sessionID }

// handshake performs hello -> hello_ack before the read loop starts, so
// the ack cannot race with other inbound frames.
func (c *WSChannel) handshake(ctx context.Context) error {
	payload, _ := json.Marshal(v1.HelloPayload{ActorID: c.actorID})
	if err := c.write(ctx, v1.TypeHello, payload); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	for {
		f, err := c.read(ctx)
		if err != nil {
			return fmt.Errorf("hello_ack: %w", err)
		}
		switch f.Type {
		case v1.TypeHelloAck:
			var p v1.HelloAckPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				return fmt.Errorf("hello_ack payload: %w", err)
			}
			c.sessionID = p.SessionID
			return nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(f.Payload, &p)
			return fmt.Errorf("hello rejected: %s: %s", p.Code, p.Message)
		default:
			// Tolerate unexpected frames during the handshake window.
		}
	}
}

// Join scopes delivery to a conversation and waits for the server echo,
// so a successful Join means broadcasts are actually flowing.
func (c *WSChannel) Join(ctx context.Context, conversationID string) error {
	payload, _ := json.Marshal(v1.JoinPayload{ConversationID: conversationID})
	if err := c.write(ctx, v1.TypeJoin, payload); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return errors.New("ws: connection closed")
		case id := <-c.joinAck:
			if id == conversationID {
				return nil
			}
		}
	}
}

// Leave drops a conversation scope. Fire-and-forget.
func (c *WSChannel) Leave(ctx context.Context, conversationID string) error {
	payload, _ := json.Marshal(v1.LeavePayload{ConversationID: conversationID})
	return c.write(ctx, v1.TypeLeave, payload)
}

// Broadcast fans an already-persisted message out via the gateway.
func (c *WSChannel) Broadcast(ctx context.Context, msg chat.Message) error {
	payload, _ := json.Marshal(v1.SendPayload{
		ConversationID: msg.ConversationID,
		Message:        toWire(msg),
	})
	return c.write(ctx, v1.TypeSend, payload)
}

// Typing fans a typing signal out.
func (c *WSChannel) Typing(ctx context.Context, conversationID string) error {
	payload, _ := json.Marshal(v1.TypingPayload{
		ConversationID: conversationID,
		ActorID:        c.actorID,
	})
	return c.write(ctx, v1.TypeTyping, payload)
}

// Inbound delivers messages pushed by the server.
func (c *WSChannel) Inbound() <-chan chat.Message { return c.inbound }

// TypingEvents delivers peer actor ids as typing signals arrive.
// Signals are dropped under backpressure; typing is never durable.
func (c *WSChannel) TypingEvents() <-chan string { return c.typing }

// Done is closed when the connection has failed or was closed.
func (c *WSChannel) Done() <-chan struct{} { return c.done }

// Close tears the connection down. Idempotent.
func (c *WSChannel) Close() error {
	c.fail(websocket.StatusNormalClosure, "bye")
	return nil
}

func (c *WSChannel) fail(code websocket.StatusCode, reason string) {
	c.doneOnce.Do(func() {
		c.readCancel()
		_ = c.conn.Close(code, reason)
		close(c.done)
	})
}

func (c *WSChannel) readLoop() {
	for {
		f, err := c.read(c.readCtx)
		if err != nil {
			c.fail(websocket.StatusAbnormalClosure, "read failed")
			return
		}

		switch f.Type {
		case v1.TypeDeliver:
			var p v1.DeliverPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				c.log.Info("ws.deliver.bad_payload", "err", err)
				continue
			}
			select {
			case c.inbound <- fromWire(p.Message):
			case <-c.readCtx.Done():
				return
			}

		case v1.TypeJoin:
			var p v1.JoinPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				continue
			}
			select {
			case c.joinAck <- p.ConversationID:
			default:
			}

		case v1.TypeTyping:
			var p v1.TypingPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				continue
			}
			select {
			case c.typing <- p.ActorID:
			default:
			}

		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(f.Payload, &p)
			c.log.Info("ws.server.error", "code", p.Code, "msg", p.Message)

		default:
			// Ignore frame types this client does not consume.
		}
	}
}

func (c *WSChannel) write(ctx context.Context, typ string, payload json.RawMessage) error {
	f := v1.Frame{
		V:       v1.Version,
		Type:    typ,
		TS:      time.Now().UTC(),
		Payload: payload,
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(wctx, websocket.MessageText, b)
}

func (c *WSChannel) read(ctx context.Context) (v1.Frame, error) {
	mt, data, err := c.conn.Read(ctx)
	if err != nil {
		return v1.Frame{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Frame{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var f v1.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return v1.Frame{}, err
	}
	if err := f.Validate(); err != nil {
		return v1.Frame{}, err
	}
	return f, nil
}

func toWire(m chat.Message) v1.WireMessage {
	return v1.WireMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Read:           m.Read,
	}
}

func fromWire(m v1.WireMessage) chat.Message {
	return chat.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Read:           m.Read,
	}
}
