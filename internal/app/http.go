package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"festiva/internal/chat"
	"festiva/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBody = 64 << 10 // 64 KiB

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	store chat.Store,
	ws *realtime.Gateway,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	h := &chatAPI{log: log, store: store}
	mux.HandleFunc("POST /api/conversations", h.createConversation)
	mux.HandleFunc("GET /api/conversations", h.listConversations)
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.appendMessage)
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.listMessages)
	mux.HandleFunc("POST /api/conversations/{id}/read", h.markRead)

	mux.HandleFunc("/ws", ws.HandleWS)
}

// chatAPI is the reliable request path: durable sends, polling reads,
// read marking and the inbox view. The realtime gateway is an
// optimization layered next to it, never a replacement.
type chatAPI struct {
	log   Logger
	store chat.Store
}

// actorID resolves the caller identity. Identity issuance is owned by
// the surrounding auth system; this core consumes the stable id opaquely.
func actorID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Actor-ID"))
}

func (h *chatAPI) createConversation(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "no_actor", "missing X-Actor-ID")
		return
	}

	var in struct {
		PeerID string `json:"peer_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	conv, err := h.store.FindOrCreate(r.Context(), actor, in.PeerID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (h *chatAPI) listConversations(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "no_actor", "missing X-Actor-ID")
		return
	}

	convs, err := h.store.ListFor(r.Context(), actor)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *chatAPI) appendMessage(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "no_actor", "missing X-Actor-ID")
		return
	}

	var in struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	msg, err := h.store.Append(r.Context(), r.PathValue("id"), actor, in.Content)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (h *chatAPI) listMessages(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "no_actor", "missing X-Actor-ID")
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}
	after := chat.Cursor{AfterID: strings.TrimSpace(r.URL.Query().Get("after"))}

	msgs, err := h.store.ListSince(r.Context(), r.PathValue("id"), actor, after, limit)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *chatAPI) markRead(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "no_actor", "missing X-Actor-ID")
		return
	}

	if err := h.store.MarkReadAll(r.Context(), r.PathValue("id"), actor); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeStoreError maps the domain taxonomy onto the HTTP error contract.
// Participant/self failures are programming or authorization errors:
// logged with detail, surfaced generically.
func (h *chatAPI) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case chat.IsValidation(err):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, chat.ErrSelfConversation):
		h.log.Info("chat.api.self_conversation", "err", err)
		writeError(w, http.StatusForbidden, "self_conversation", "forbidden")
	case errors.Is(err, chat.ErrNotParticipant):
		h.log.Info("chat.api.not_participant", "err", err)
		writeError(w, http.StatusForbidden, "not_participant", "forbidden")
	case chat.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
	default:
		h.log.Error("chat.api.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "message": msg})
}
