package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"downloadgate/internal/api/dto"
	"downloadgate/internal/download"
	"downloadgate/internal/download/service"
	"downloadgate/internal/entitlement"
	"downloadgate/internal/file"
	subservice "downloadgate/internal/subscription/service"
	"downloadgate/internal/token"
	"downloadgate/pkg/apperr"
	"downloadgate/pkg/middleware"
	"downloadgate/pkg/response"
)

// TokenHeader carries the session token for transport agents that report
// progress without a user JWT.
const TokenHeader = "X-Download-Token"

type Handler struct {
	Manager *service.Manager
}

func NewHandler(manager *service.Manager) *Handler {
	return &Handler{Manager: manager}
}

// Routes mounts the session endpoints. Callers must run OptionalJWTAuth
// before it so that either a JWT or a session token identifies the caller.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Post("/multipart", h.CreateMultipart)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/start", h.transition(h.Manager.Start))
		r.Post("/pause", h.transition(h.Manager.Pause))
		r.Post("/resume", h.transition(h.Manager.Resume))
		r.Post("/complete", h.transition(h.Manager.Complete))
		r.Post("/cancel", h.transition(h.Manager.Cancel))
		r.Post("/progress", h.Progress)
		r.Post("/fail", h.Fail)
	})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateDownloadRequest
	if err := dto.Decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID, _ := middleware.UserID(r.Context())

	s, err := h.Manager.CreateSession(r.Context(), userID, req.FileID)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, dto.SessionResponse{Session: s, Token: s.Token})
}

func (h *Handler) CreateMultipart(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateMultipartRequest
	if err := dto.Decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID, _ := middleware.UserID(r.Context())

	parent, parts, err := h.Manager.CreateMultipartSession(r.Context(), userID, req.FileID, req.Parts)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := dto.MultipartResponse{
		Parent: dto.SessionResponse{Session: parent, Token: parent.Token},
		Parts:  make([]dto.SessionResponse, 0, len(parts)),
	}
	for _, p := range parts {
		resp.Parts = append(resp.Parts, dto.SessionResponse{Session: p, Token: p.Token})
	}
	response.JSON(w, http.StatusCreated, resp)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.authorize(w, r)
	if !ok {
		return
	}
	resp := struct {
		dto.SessionResponse
		Parts []*download.Session `json:"parts,omitempty"`
	}{SessionResponse: dto.SessionResponse{Session: s}}
	if s.IsParent() {
		parts, err := h.Manager.Children(r.Context(), s.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Parts = parts
	}
	response.JSON(w, http.StatusOK, resp)
}

func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	s, ok := h.authorize(w, r)
	if !ok {
		return
	}
	var req dto.ProgressRequest
	if err := dto.Decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h.respond(w, r, func(ctx context.Context, id uuid.UUID) (*download.Session, error) {
		return h.Manager.ReportProgress(ctx, id, req.Bytes)
	}, s.ID)
}

func (h *Handler) Fail(w http.ResponseWriter, r *http.Request) {
	s, ok := h.authorize(w, r)
	if !ok {
		return
	}
	var req dto.FailRequest
	if err := dto.Decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h.respond(w, r, func(ctx context.Context, id uuid.UUID) (*download.Session, error) {
		return h.Manager.Fail(ctx, id, req.Code, req.Message)
	}, s.ID)
}

type op func(ctx context.Context, id uuid.UUID) (*download.Session, error)

func (h *Handler) transition(fn op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := h.authorize(w, r)
		if !ok {
			return
		}
		h.respond(w, r, fn, s.ID)
	}
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, fn op, id uuid.UUID) {
	s, err := fn(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, dto.SessionResponse{Session: s})
}

// authorize loads the session named in the path and checks that the caller
// owns it, either by JWT subject or by presenting the session token.
// Sessions of other users are reported as not found.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (*download.Session, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		middleware.HandleValidationError(w, apperr.Validation("id", "must be a UUID"), "id")
		return nil, false
	}

	if presented := r.Header.Get(TokenHeader); presented != "" {
		if err := h.Manager.VerifyToken(r.Context(), id, presented); err != nil {
			writeError(w, err)
			return nil, false
		}
		s, err := h.Manager.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return nil, false
		}
		return s, true
	}

	userID, ok := middleware.UserID(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	s, err := h.Manager.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if s.UserID != userID {
		writeError(w, download.ErrNotFound)
		return nil, false
	}
	return s, true
}

func writeError(w http.ResponseWriter, err error) {
	var (
		ve     *apperr.ValidationError
		denied *entitlement.DeniedError
		se     *download.StateError
	)
	switch {
	case errors.As(err, &ve):
		middleware.HandleValidationError(w, ve, ve.Field)
	case errors.As(err, &denied):
		response.ErrorCode(w, http.StatusForbidden, string(denied.Decision.Reason), denied.Decision.Message)
	case errors.As(err, &se):
		response.ErrorCode(w, http.StatusConflict, string(se.Code), se.Error())
	case errors.Is(err, download.ErrNotFound), errors.Is(err, file.ErrNotFound):
		response.Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, download.ErrVersionConflict):
		response.ErrorCode(w, http.StatusConflict, "VersionConflict", "session was modified concurrently, retry")
	case errors.Is(err, token.ErrInvalidToken), errors.Is(err, token.ErrExpiredToken):
		response.Error(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, subservice.ErrQuotaRace):
		response.ErrorCode(w, http.StatusServiceUnavailable, "QuotaBusy", "quota counters busy, retry later")
	default:
		log.Error().Err(err).Msg("download request failed")
		response.Error(w, http.StatusInternalServerError, "internal error")
	}
}
