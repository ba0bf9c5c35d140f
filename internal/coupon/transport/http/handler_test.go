package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"downloadgate/internal/coupon"
	"downloadgate/internal/coupon/repository"
	"downloadgate/internal/coupon/service"
	"downloadgate/internal/ratelimit"
	"downloadgate/pkg/jwt"
	"downloadgate/pkg/middleware"
	"downloadgate/pkg/response"
)

const secret = "test-secret"

type admins map[int64]bool

func (a admins) IsAdmin(_ context.Context, userID int64) (bool, error) { return a[userID], nil }

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	throttle := ratelimit.NewLimiter(ratelimit.NewMemoryStore()).
		For(ratelimit.Policy{Action: ratelimit.ActionCouponAttempt, MaxAttempts: 2, Decay: time.Minute})
	svc := service.NewService(repository.NewMemoryCouponRepository(), admins{1: true}, throttle, service.Config{LockThreshold: 100})
	h := NewHandler(svc, func(_ context.Context, userID int64) (service.Customer, error) {
		return service.Customer{UserID: userID, Email: "buyer@example.com", Role: "customer"}, nil
	})

	r := chi.NewRouter()
	r.Use(middleware.JWTAuth(secret))
	r.Post("/api/coupons/validate", h.ValidateCoupon)
	r.Post("/api/coupons/redeem", h.RedeemCoupon)
	r.Route("/api/admin/coupons", func(r chi.Router) {
		r.Use(middleware.RequireRole("admin"))
		r.Post("/", h.CreateCoupon)
		r.Get("/", h.GetAllCoupons)
		r.Get("/{id}", h.GetCoupon)
		r.Put("/{id}", h.UpdateCoupon)
		r.Delete("/{id}", h.DeleteCoupon)
	})
	return r
}

func do(t *testing.T, h http.Handler, method, path string, userID int64, role, body string) *httptest.ResponseRecorder {
	t.Helper()
	tok, err := jwt.GenerateToken(secret, jwt.Claims{UserID: userID, Role: role}, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCouponFlow(t *testing.T) {
	h := newRouter(t)

	rec := do(t, h, "POST", "/api/admin/coupons", 1, "admin",
		`{"code":"half","type":"percentage","active":true,"discount_percent":"50","max_discount_amount":"10","usage_limit":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created coupon.Coupon
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "HALF", created.Code)

	rec = do(t, h, "POST", "/api/coupons/validate", 5, "customer", `{"code":"HALF","amount":"100"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res coupon.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, "10", res.Discount.String())

	rec = do(t, h, "POST", "/api/coupons/redeem", 5, "customer", `{"code":"HALF","amount":"100","order_ref":"o-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, "POST", "/api/coupons/redeem", 6, "customer", `{"code":"HALF","amount":"100"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body response.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UsageLimitReached", body.Code)
}

func TestCouponThrottled(t *testing.T) {
	h := newRouter(t)

	for i := 0; i < 2; i++ {
		rec := do(t, h, "POST", "/api/coupons/validate", 5, "customer", `{"code":"GUESS","amount":"10"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, h, "POST", "/api/coupons/validate", 5, "customer", `{"code":"GUESS","amount":"10"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestCouponAdminAccess(t *testing.T) {
	h := newRouter(t)

	rec := do(t, h, "GET", "/api/admin/coupons", 5, "customer", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// the service double-checks the role claim against the user store
	rec = do(t, h, "GET", "/api/admin/coupons", 2, "admin", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, "GET", "/api/admin/coupons", 1, "admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, "POST", "/api/admin/coupons", 1, "admin", `{"code":"bad","type":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "GET", "/api/admin/coupons/77", 1, "admin", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, "DELETE", "/api/admin/coupons/abc", 1, "admin", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCouponValidateBadInput(t *testing.T) {
	h := newRouter(t)

	rec := do(t, h, "POST", "/api/coupons/validate", 5, "customer", `{"amount":"10"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "POST", "/api/coupons/validate", 5, "customer", `{"code":"X","amount":"-3"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
