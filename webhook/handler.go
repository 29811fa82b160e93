package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/GoCodeAlone/billing-webhooks/store"
)

// MaxBodyBytes caps the size of an inbound webhook payload.
const MaxBodyBytes = 1 << 20

// Request results reported to the Recorder.
const (
	RequestAccepted  = "accepted"
	RequestDuplicate = "duplicate"
	RequestRejected  = "rejected"
	RequestError     = "error"
)

// ReceiverConfig tunes the webhook endpoint.
type ReceiverConfig struct {
	// Retention is how long a processed event id is remembered.
	Retention time.Duration
}

// Receiver is the provider-facing webhook endpoint: verify, deduplicate,
// dispatch, acknowledge.
type Receiver struct {
	verifier   *Verifier
	ledger     store.ProcessedEventStore
	dispatcher *Dispatcher
	recorder   Recorder
	logger     *slog.Logger
	retention  time.Duration
}

// NewReceiver creates a Receiver. A nil ledger disables deduplication.
func NewReceiver(cfg ReceiverConfig, verifier *Verifier, ledger store.ProcessedEventStore, dispatcher *Dispatcher, logger *slog.Logger) *Receiver {
	if cfg.Retention <= 0 {
		cfg.Retention = store.DefaultEventRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		verifier:   verifier,
		ledger:     ledger,
		dispatcher: dispatcher,
		recorder:   dispatcher.recorder,
		logger:     logger,
		retention:  cfg.Retention,
	}
}

// RegisterRoutes registers the webhook endpoint on the given mux.
func (rc *Receiver) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/v1/billing/webhook", rc)
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			rc.reject(w, http.StatusRequestEntityTooLarge, "payload too large", err)
			return
		}
		rc.reject(w, http.StatusBadRequest, "unreadable body", err)
		return
	}

	envelope, err := rc.verifier.Verify(body, r.Header.Get(SignatureHeader))
	if err != nil {
		if errors.Is(err, ErrVerifierUnavailable) {
			rc.logger.Error("webhook verifier unavailable", "error", err)
			rc.recorder.ObserveRequest(RequestError)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "webhook verification unavailable"})
			return
		}
		rc.reject(w, http.StatusBadRequest, "invalid webhook", err)
		return
	}

	ev, err := Decode(envelope)
	if err != nil {
		rc.reject(w, http.StatusBadRequest, "malformed event", err)
		return
	}

	if rc.ledger != nil {
		err := rc.ledger.Claim(r.Context(), ev.EventID(), string(ev.Type()), rc.retention)
		switch {
		case errors.Is(err, store.ErrDuplicate):
			rc.logger.Info("duplicate event acknowledged", "event_id", ev.EventID(), "event_type", ev.Type())
			rc.recorder.ObserveRequest(RequestDuplicate)
			writeJSON(w, http.StatusOK, map[string]bool{"received": true, "duplicate": true})
			return
		case err != nil:
			rc.logger.Warn("event ledger unavailable; dispatching anyway", "event_id", ev.EventID(), "error", err)
		}
	}

	// The provider may drop the connection; a half-applied transition is
	// worse than a slow response.
	ctx := context.WithoutCancel(r.Context())
	_ = rc.dispatcher.Dispatch(ctx, ev, body)

	rc.recorder.ObserveRequest(RequestAccepted)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (rc *Receiver) reject(w http.ResponseWriter, status int, msg string, err error) {
	rc.logger.Warn("webhook rejected", "status", status, "error", err)
	rc.recorder.ObserveRequest(RequestRejected)
	writeJSON(w, status, map[string]string{"error": msg})
}

// Handler provides HTTP endpoints for the dead letter dashboard.
type Handler struct {
	store      *DeadLetterStore
	dispatcher *Dispatcher
}

// NewHandler creates the dead letter admin handler.
func NewHandler(store *DeadLetterStore, dispatcher *Dispatcher) *Handler {
	return &Handler{store: store, dispatcher: dispatcher}
}

// RegisterRoutes registers dead letter API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/webhooks/dead-letter", h.listDeadLetters)
	mux.HandleFunc("GET /api/v1/webhooks/dead-letter/stats", h.deadLetterStats)
	mux.HandleFunc("GET /api/v1/webhooks/dead-letter/{id}", h.getDeadLetter)
	mux.HandleFunc("POST /api/v1/webhooks/dead-letter/{id}/replay", h.replayDeadLetter)
	mux.HandleFunc("DELETE /api/v1/webhooks/dead-letter/{id}", h.deleteDeadLetter)
	mux.HandleFunc("DELETE /api/v1/webhooks/dead-letter", h.purgeDeadLetters)
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries := h.store.List()
	if t := r.URL.Query().Get("event_type"); t != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.EventType == t {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"total": len(entries),
	})
}

func (h *Handler) deadLetterStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Stats())
}

func (h *Handler) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.store.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	entry, err := h.dispatcher.Replay(r.Context(), id)
	if err != nil {
		if entry != nil {
			// Replay ran but the handler failed again.
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":       err.Error(),
				"dead_letter": entry,
			})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "replayed", "dead_letter": entry})
}

func (h *Handler) deleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}
	if _, ok := h.store.Remove(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) purgeDeadLetters(w http.ResponseWriter, _ *http.Request) {
	n := h.store.Purge()
	writeJSON(w, http.StatusOK, map[string]any{"purged": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
