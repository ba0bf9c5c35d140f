package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"downloadgate/internal/config"
	couponrepository "downloadgate/internal/coupon/repository"
	couponservice "downloadgate/internal/coupon/service"
	couponhttp "downloadgate/internal/coupon/transport/http"
	downloadrepository "downloadgate/internal/download/repository"
	downloadservice "downloadgate/internal/download/service"
	downloadhttp "downloadgate/internal/download/transport/http"
	entitlementservice "downloadgate/internal/entitlement/service"
	entitlementhttp "downloadgate/internal/entitlement/transport/http"
	filerepository "downloadgate/internal/file/repository"
	"downloadgate/internal/logging"
	"downloadgate/internal/metrics"
	"downloadgate/internal/ratelimit"
	"downloadgate/internal/scheduler"
	subscriptionrepository "downloadgate/internal/subscription/repository"
	subscriptionservice "downloadgate/internal/subscription/service"
	subscriptionhttp "downloadgate/internal/subscription/transport/http"
	userrepository "downloadgate/internal/user/repository"
	userservice "downloadgate/internal/user/service"
	userhttp "downloadgate/internal/user/transport/http"
	"downloadgate/pkg/db"
	"downloadgate/pkg/middleware"
	"downloadgate/pkg/response"
)

// repositories groups the storage backends picked at startup.
type repositories struct {
	users         userservice.UserRepository
	files         entitlementservice.FileCatalog
	catalog       downloadservice.FileCatalog
	subscriptions subscriptionservice.SubscriptionRepository
	sessions      downloadservice.SessionRepository
	coupons       couponservice.CouponRepository
}

func newRepositories(database *sql.DB) repositories {
	if database == nil {
		files := filerepository.NewMemoryFileRepository()
		return repositories{
			users:         userrepository.NewMemoryUserRepository(),
			files:         files,
			catalog:       files,
			subscriptions: subscriptionrepository.NewMemorySubscriptionRepository(),
			sessions:      downloadrepository.NewMemorySessionRepository(),
			coupons:       couponrepository.NewMemoryCouponRepository(),
		}
	}
	files := filerepository.NewPostgresFileRepository(database)
	return repositories{
		users:         userrepository.NewPostgresUserRepository(database),
		files:         files,
		catalog:       files,
		subscriptions: subscriptionrepository.NewPostgresSubscriptionRepository(database),
		sessions:      downloadrepository.NewPostgresSessionRepository(database),
		coupons:       couponrepository.NewPostgresCouponRepository(database),
	}
}

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	metrics.InitMetrics()
	log.Info().Msg("downloadgate starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var database *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		database, err = db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer database.Close()
		log.Info().Msg("connected to PostgreSQL")
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory repositories")
	}
	repos := newRepositories(database)

	var store ratelimit.Store
	var pruner scheduler.Pruner
	if cfg.RedisAddr != "" {
		client, err := db.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer client.Close()
		store = ratelimit.NewRedisStore(client)
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	} else {
		mem := ratelimit.NewMemoryStore()
		store, pruner = mem, mem
	}
	limiter := ratelimit.NewLimiter(store)
	throttle := func(action string, t config.Throttle) *ratelimit.Throttle {
		return limiter.For(ratelimit.Policy{Action: action, MaxAttempts: t.MaxAttempts, Decay: t.Decay})
	}

	// --- services ---
	users := userservice.NewUserService(repos.users,
		throttle(ratelimit.ActionLogin, cfg.LoginThrottle),
		throttle(ratelimit.ActionRegister, cfg.RegisterThrottle))
	ledger := subscriptionservice.NewLedger(repos.subscriptions, cfg.QuotaMaxRetries)
	evaluator := entitlementservice.NewEvaluator(repos.files, ledger)
	manager := downloadservice.NewManager(repos.sessions, evaluator, repos.catalog, ledger, downloadservice.Config{
		SessionTTL:  cfg.SessionTTL,
		MaxAttempts: cfg.SessionMaxAttempts,
	})
	coupons := couponservice.NewService(repos.coupons, users,
		throttle(ratelimit.ActionCouponAttempt, cfg.CouponAttemptThrottle),
		couponservice.Config{
			LockThreshold:     cfg.CouponLockThreshold,
			LockDuration:      cfg.CouponLockDuration,
			NewCustomerWindow: cfg.NewCustomerWindow,
		})

	// --- handlers ---
	userHandler := userhttp.NewHandler(users, cfg.JWTSecret)
	entitlementHandler := entitlementhttp.NewHandler(evaluator)
	downloadHandler := downloadhttp.NewHandler(manager)
	subscriptionHandler := subscriptionhttp.NewHandler(ledger)
	couponHandler := couponhttp.NewHandler(coupons, func(ctx context.Context, userID int64) (couponservice.Customer, error) {
		u, err := users.GetByID(ctx, userID)
		if err != nil {
			return couponservice.Customer{}, err
		}
		return couponservice.Customer{
			UserID:        u.ID,
			Email:         u.Email,
			Role:          u.Role,
			RegisteredAt:  u.CreatedAt,
			PurchaseCount: u.PurchaseCount,
		}, nil
	})

	// --- router ---
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", downloadhttp.TokenHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.MetricsMiddleware)
	r.Use(middleware.ValidateRequest)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.With(middleware.BasicAuth(cfg.MetricsUser, cfg.MetricsPassword)).Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(throttle(ratelimit.ActionGlobal, cfg.GlobalThrottle)))

		r.Post("/auth/register", userHandler.Register)
		r.Post("/auth/login", userHandler.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.OptionalJWTAuth(cfg.JWTSecret))
			r.Get("/api/files/{id}/entitlement", entitlementHandler.GetEntitlement)
			r.Route("/api/downloads", downloadHandler.Routes)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.JWTAuth(cfg.JWTSecret))
			r.Get("/auth/me", userHandler.Me)
			r.Get("/api/subscriptions/me", subscriptionHandler.GetMine)
			r.Get("/api/subscriptions/{id}/quota", subscriptionHandler.GetQuota)
			r.Post("/api/coupons/validate", couponHandler.ValidateCoupon)
			r.Post("/api/coupons/redeem", couponHandler.RedeemCoupon)

			r.Route("/api/admin/coupons", func(r chi.Router) {
				r.Use(middleware.RequireRole("admin"))
				r.Post("/", couponHandler.CreateCoupon)
				r.Get("/", couponHandler.GetAllCoupons)
				r.Get("/{id}", couponHandler.GetCoupon)
				r.Put("/{id}", couponHandler.UpdateCoupon)
				r.Delete("/{id}", couponHandler.DeleteCoupon)
			})
		})
	})

	// --- background jobs ---
	jobs := scheduler.New(ctx, scheduler.Config{})
	if err := jobs.Register(ledger, manager, pruner); err != nil {
		log.Fatal().Err(err).Msg("scheduler setup failed")
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		jobs.Start()
		<-gctx.Done()
		jobs.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received, starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}
