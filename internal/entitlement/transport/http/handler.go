package http

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"downloadgate/internal/entitlement/service"
	"downloadgate/pkg/apperr"
	"downloadgate/pkg/middleware"
	"downloadgate/pkg/response"
)

type Handler struct {
	Evaluator *service.Evaluator
}

func NewHandler(evaluator *service.Evaluator) *Handler {
	return &Handler{Evaluator: evaluator}
}

// GetEntitlement answers whether the caller may download the file right now.
// Denials are a normal 200 response carrying the reason code.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	fileID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || fileID <= 0 {
		middleware.HandleValidationError(w, apperr.Validation("id", "must be a positive integer"), "id")
		return
	}
	userID, _ := middleware.UserID(r.Context())

	decision, err := h.Evaluator.Evaluate(r.Context(), userID, fileID)
	if err != nil {
		log.Error().Err(err).Int64("file_id", fileID).Msg("entitlement evaluation failed")
		response.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	response.JSON(w, http.StatusOK, decision)
}
