package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"downloadgate/internal/subscription"
	"downloadgate/internal/subscription/service"
	"downloadgate/pkg/apperr"
	"downloadgate/pkg/middleware"
	"downloadgate/pkg/response"
)

type Handler struct {
	Ledger *service.Ledger
}

func NewHandler(ledger *service.Ledger) *Handler {
	return &Handler{Ledger: ledger}
}

// GetMine returns the quota of the caller's active subscription.
func (h *Handler) GetMine(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sub, err := h.Ledger.ActiveForUser(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("load active subscription failed")
		response.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sub == nil {
		response.Error(w, http.StatusNotFound, "no active subscription")
		return
	}
	h.writeQuota(w, r, sub.ID, userID)
}

// GetQuota returns one subscription's quota. Only the owner and admins may
// read it.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		middleware.HandleValidationError(w, apperr.Validation("id", "must be a positive integer"), "id")
		return
	}
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.writeQuota(w, r, id, userID)
}

func (h *Handler) writeQuota(w http.ResponseWriter, r *http.Request, id, userID int64) {
	sub, view, err := h.Ledger.Quota(r.Context(), id)
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		response.Error(w, http.StatusNotFound, "subscription not found")
		return
	case err != nil:
		log.Error().Err(err).Int64("subscription_id", id).Msg("load quota failed")
		response.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sub.UserID != userID && middleware.Role(r.Context()) != "admin" {
		response.Error(w, http.StatusNotFound, "subscription not found")
		return
	}
	response.JSON(w, http.StatusOK, view)
}
