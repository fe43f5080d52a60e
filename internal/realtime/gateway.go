// Package realtime contains Festiva's realtime WebSocket gateway: the
// push-based delivery path for chat messages and typing signals.
//
// The gateway never persists anything. Send frames are advisory per-peer
// fanout for messages the caller has already appended through the durable
// path; the polling fallback is the correctness backstop.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "festiva/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "festiva.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the WebSocket entrypoint for festiva chat.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and routes validated frames to the Hub.
//
// Failure semantics: any connection error transitions the session to a
// closed state and stops. The gateway itself never retries; reconnect and
// backoff are the client session controller's responsibility.
type Gateway struct {
	log *slog.Logger
	hub *Hub

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, hub *Hub) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &Gateway{log: log, hub: hub}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("FESTIVA_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("FESTIVA_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("FESTIVA_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("FESTIVA_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("FESTIVA_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("FESTIVA_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("FESTIVA_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("FESTIVA_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("FESTIVA_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("FESTIVA_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := NewRandomHex(10)
	if sessionID == "" {
		g.log.Error("ws.reject.session_id")
		_ = conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	client := NewClient(sessionID, "", g.sendQueueSize)

	activeConnections.Inc()
	defer activeConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		joined    = make(map[string]*Room)
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and membership removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			for id, room := range joined {
				room.Leave(sessionID)
				delete(joined, id)
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case f := <-client.Send:
				if err := writeFrame(ctx, conn, f, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		f, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := f.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_frame", err.Error())
			continue readLoop
		}

		switch f.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, f); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeJoin:
			if client.ActorID == "" {
				g.trySendError(ctx, client, "not_identified", "hello first")
				continue readLoop
			}
			room, err := g.onJoin(ctx, client, f)
			if err != nil {
				g.trySendError(ctx, client, "join_failed", err.Error())
				continue readLoop
			}
			joined[room.ID] = room

		case v1.TypeLeave:
			var p v1.LeavePayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				g.trySendError(ctx, client, "leave_failed", "invalid payload")
				continue readLoop
			}
			if room, ok := joined[p.ConversationID]; ok {
				room.Leave(sessionID)
				delete(joined, p.ConversationID)
			}

		case v1.TypeSend:
			if err := g.onSend(client, joined, f, now); err != nil {
				g.trySendError(ctx, client, "send_failed", err.Error())
				continue readLoop
			}

		case v1.TypeTyping:
			if err := g.onTyping(client, joined, f, now); err != nil {
				g.trySendError(ctx, client, "typing_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", f.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, client *Client, f v1.Frame) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	actorID := strings.TrimSpace(p.ActorID)
	if actorID == "" {
		return errors.New("missing actor_id")
	}
	client.ActorID = actorID

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: client.SessionID})
	ack := newFrame(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *Gateway) onJoin(ctx context.Context, client *Client, f v1.Frame) (*Room, error) {
	var p v1.JoinPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return nil, errors.New("missing conversation_id")
	}

	room := g.hub.GetOrCreateRoom(convID)
	room.Join(client)

	echoPayload, _ := json.Marshal(v1.JoinPayload{ConversationID: room.ID})
	echo := newFrame(v1.TypeJoin, echoPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, echo) {
		room.Leave(client.SessionID)
		return nil, errors.New("backpressure: join echo")
	}

	return room, nil
}

// onSend fans an already-persisted message out to the other members.
// The gateway deliberately does not persist: the durable path is the
// append call and ids/timestamps coming in here must be server-assigned
// ones echoed back from it.
func (g *Gateway) onSend(client *Client, joined map[string]*Room, f v1.Frame, now time.Time) error {
	var p v1.SendPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	room, ok := joined[p.ConversationID]
	if !ok {
		return errors.New("not joined")
	}
	if p.Message.ID == "" || p.Message.ConversationID != room.ID {
		return errors.New("invalid message")
	}
	if p.Message.SenderID != client.ActorID {
		return errors.New("sender mismatch")
	}

	deliverPayload, _ := json.Marshal(v1.DeliverPayload{Message: p.Message})
	deliver := newFrame(v1.TypeDeliver, deliverPayload, now)

	room.Broadcast(deliver, client.SessionID)
	framesDelivered.Inc()
	return nil
}

func (g *Gateway) onTyping(client *Client, joined map[string]*Room, f v1.Frame, now time.Time) error {
	var p v1.TypingPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	room, ok := joined[p.ConversationID]
	if !ok {
		return errors.New("not joined")
	}

	outPayload, _ := json.Marshal(v1.TypingPayload{
		ConversationID: room.ID,
		ActorID:        client.ActorID,
	})
	out := newFrame(v1.TypeTyping, outPayload, now)

	room.Broadcast(out, client.SessionID)
	return nil
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	frameErrors.WithLabelValues(code).Inc()
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	f := newFrame(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, f)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, f v1.Frame) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- f:
		return true
	default:
		return false
	}
}

// ---- frame IO ----

func newFrame(typ string, payload json.RawMessage, ts time.Time) v1.Frame {
	return v1.Frame{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn) (v1.Frame, error) {
	mt, data, err := conn.Read(ctx)
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
	return f, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, f v1.Frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
