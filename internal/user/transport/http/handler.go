package http

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"downloadgate/internal/api/dto"
	"downloadgate/internal/user"
	"downloadgate/internal/user/service"
	"downloadgate/pkg/apperr"
	"downloadgate/pkg/middleware"
	"downloadgate/pkg/response"
)

type Handler struct {
	UserService *service.UserService
	JWT         *service.JWTManager
}

func NewHandler(us *service.UserService, jwtSecret string) *Handler {
	return &Handler{
		UserService: us,
		JWT:         service.NewJWTManager(jwtSecret),
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req dto.RegisterRequest
	if err := dto.Decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	u, err := h.UserService.Register(r.Context(), req.Email, req.Password, middleware.ClientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, dto.AuthResponse{ID: u.ID, Email: u.Email, Role: u.Role})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if err := dto.Decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	u, err := h.UserService.Login(r.Context(), req.Email, req.Password, middleware.ClientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := h.JWT.Generate(u)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, dto.AuthResponse{ID: u.ID, Email: u.Email, Role: u.Role, Token: token})
}

// Me returns the profile behind the bearer token.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	u, err := h.UserService.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, u)
}

func writeError(w http.ResponseWriter, err error) {
	var ve *apperr.ValidationError
	var te *service.ThrottledError
	switch {
	case errors.As(err, &ve):
		middleware.HandleValidationError(w, ve, ve.Field)
	case errors.As(err, &te):
		middleware.TooManyRequests(w, te.RetryAfter)
	case errors.Is(err, service.ErrUserExists):
		response.ErrorCode(w, http.StatusConflict, "UserExists", err.Error())
	case errors.Is(err, service.ErrInvalidCreds):
		response.ErrorCode(w, http.StatusUnauthorized, "InvalidCredentials", err.Error())
	case errors.Is(err, user.ErrNotFound):
		response.Error(w, http.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).Msg("user request failed")
		response.Error(w, http.StatusInternalServerError, "internal error")
	}
}
