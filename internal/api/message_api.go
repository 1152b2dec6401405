// Package api exposes the HTTP surface for submitting notifications
// and managing condemned device tokens.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"log/slog"

	"github.com/tinywideclouds/go-push-delivery/internal/queue"
	"github.com/tinywideclouds/go-push-delivery/pkg/push"
)

// Enqueuer accepts messages for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *push.Message) error
}

// TokenRegistry manages the condemned-token set.
type TokenRegistry interface {
	Forget(ctx context.Context, token string) error
}

type MessageAPI struct {
	Service Enqueuer
	Tokens  TokenRegistry
	Logger  *slog.Logger
}

func NewMessageAPI(service Enqueuer, tokens TokenRegistry, logger *slog.Logger) *MessageAPI {
	return &MessageAPI{
		Service: service,
		Tokens:  tokens,
		Logger:  logger,
	}
}

type EnqueueRequest struct {
	Token         string            `json:"token"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Sound         string            `json:"sound,omitempty"`
	Badge         int               `json:"badge,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	Priority      uint8             `json:"priority,omitempty"`
	ExpirySeconds int64             `json:"expiry_seconds,omitempty"`
	CollapseID    string            `json:"collapse_id,omitempty"`
}

type EnqueueResponse struct {
	UUID string `json:"uuid"`
}

// EnqueueMessage accepts one notification for asynchronous delivery.
func (api *MessageAPI) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		writeJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	body, err := push.BuildPayload(push.Alert{
		Title:  req.Title,
		Body:   req.Body,
		Sound:  req.Sound,
		Badge:  req.Badge,
		Custom: req.Data,
	})
	if err != nil {
		api.Logger.Warn("EnqueueMessage: payload rejected", "err", err)
		writeJSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	msg := push.NewMessage(req.Token, body)
	if req.Priority != 0 {
		msg.Priority = req.Priority
	}
	if req.ExpirySeconds > 0 {
		msg.Expiry = time.Now().Add(time.Duration(req.ExpirySeconds) * time.Second)
	}
	msg.CollapseID = req.CollapseID

	if err := api.Service.Enqueue(ctx, msg); err != nil {
		switch {
		case errors.Is(err, push.ErrTokenInvalid):
			writeJSONError(w, http.StatusGone, "token marked invalid")
		case errors.Is(err, queue.ErrFull):
			writeJSONError(w, http.StatusTooManyRequests, "queue full")
		case errors.Is(err, queue.ErrClosed):
			writeJSONError(w, http.StatusServiceUnavailable, "shutting down")
		default:
			api.Logger.Error("EnqueueMessage: enqueue failed", "err", err)
			writeJSONError(w, http.StatusInternalServerError, "enqueue failed")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(EnqueueResponse{UUID: msg.UUID})
}

type RestoreTokenRequest struct {
	Token string `json:"token"`
}

// RestoreToken clears a condemned token after a device re-registers.
// Idempotent: restoring an unknown token succeeds.
func (api *MessageAPI) RestoreToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RestoreTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		writeJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	if err := api.Tokens.Forget(ctx, req.Token); err != nil {
		api.Logger.Error("RestoreToken: forget failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "restore failed")
		return
	}
	api.Logger.Info("RestoreToken: token restored", "token", req.Token)

	w.WriteHeader(http.StatusNoContent)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
