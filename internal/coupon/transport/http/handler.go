package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"downloadgate/internal/api/dto"
	"downloadgate/internal/coupon"
	"downloadgate/internal/coupon/service"
	"downloadgate/pkg/apperr"
	"downloadgate/pkg/middleware"
	"downloadgate/pkg/response"
)

// CustomerLookup resolves the buyer profile of an authenticated user.
type CustomerLookup func(ctx context.Context, userID int64) (service.Customer, error)

type Handler struct {
	Service   *service.Service
	customers CustomerLookup
}

func NewHandler(svc *service.Service, customers CustomerLookup) *Handler {
	return &Handler{Service: svc, customers: customers}
}

func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	code, in, ok := h.checkout(w, r)
	if !ok {
		return
	}
	res, err := h.Service.Validate(r.Context(), code, in)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

func (h *Handler) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	code, in, ok := h.checkout(w, r)
	if !ok {
		return
	}
	usage, res, err := h.Service.Redeem(r.Context(), code, in)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, dto.RedeemResponse{Usage: usage, Result: res})
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) (string, service.Checkout, bool) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "unauthorized")
		return "", service.Checkout{}, false
	}
	var req dto.CouponCheckRequest
	if err := dto.Decode(r, &req); err != nil {
		writeError(w, err)
		return "", service.Checkout{}, false
	}
	customer, err := h.customers(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return "", service.Checkout{}, false
	}
	return req.Code, service.Checkout{
		Customer:     customer,
		Amount:       req.Amount,
		PackageID:    req.PackageID,
		FileID:       req.FileID,
		AppliedCodes: req.AppliedCodes,
		OrderRef:     req.OrderRef,
	}, true
}

func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	adminID, _ := middleware.UserID(r.Context())
	var c coupon.Coupon
	if err := dto.Decode(r, &c); err != nil {
		writeError(w, err)
		return
	}
	created, err := h.Service.CreateCoupon(r.Context(), adminID, &c)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, created)
}

func (h *Handler) GetAllCoupons(w http.ResponseWriter, r *http.Request) {
	adminID, _ := middleware.UserID(r.Context())
	coupons, err := h.Service.GetAllCoupons(r.Context(), adminID)
	if err != nil {
		writeError(w, err)
		return
	}
	if coupons == nil {
		coupons = []*coupon.Coupon{}
	}
	response.JSON(w, http.StatusOK, coupons)
}

func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}
	adminID, _ := middleware.UserID(r.Context())
	c, err := h.Service.GetCoupon(r.Context(), adminID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, c)
}

func (h *Handler) UpdateCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}
	adminID, _ := middleware.UserID(r.Context())
	var c coupon.Coupon
	if err := dto.Decode(r, &c); err != nil {
		writeError(w, err)
		return
	}
	c.ID = id
	updated, err := h.Service.UpdateCoupon(r.Context(), adminID, &c)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, updated)
}

func (h *Handler) DeleteCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}
	adminID, _ := middleware.UserID(r.Context())
	if err := h.Service.DeleteCoupon(r.Context(), adminID, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func couponID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		middleware.HandleValidationError(w, apperr.Validation("id", "must be a positive integer"), "id")
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	var (
		ve        *apperr.ValidationError
		throttled *service.ThrottledError
		rejected  *coupon.Error
	)
	switch {
	case errors.As(err, &ve):
		middleware.HandleValidationError(w, ve, ve.Field)
	case errors.As(err, &throttled):
		middleware.TooManyRequests(w, throttled.RetryAfter)
	case errors.Is(err, service.ErrNotAdmin):
		response.Error(w, http.StatusForbidden, "access denied")
	case errors.As(err, &rejected) && rejected.Code == coupon.CodeNotFound:
		response.ErrorCode(w, http.StatusNotFound, string(rejected.Code), rejected.Message)
	case errors.As(err, &rejected):
		response.ErrorCode(w, http.StatusUnprocessableEntity, string(rejected.Code), rejected.Message)
	case errors.Is(err, coupon.ErrDuplicateCode), errors.Is(err, coupon.ErrVersionConflict):
		response.Error(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("coupon request failed")
		response.Error(w, http.StatusInternalServerError, "internal error")
	}
}
