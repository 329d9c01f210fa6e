package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/replyflow/replyflow/internal/config"
	"github.com/replyflow/replyflow/internal/db"
	"github.com/replyflow/replyflow/internal/dispatch"
	"github.com/replyflow/replyflow/internal/gateway"
	"github.com/replyflow/replyflow/internal/ledger"
	"github.com/replyflow/replyflow/internal/models"
	"github.com/replyflow/replyflow/internal/queue"
	"github.com/replyflow/replyflow/internal/ratelimit"
	"github.com/replyflow/replyflow/internal/store"
	"github.com/replyflow/replyflow/internal/webhook"
	"github.com/replyflow/replyflow/internal/worker"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrate opens the database and runs migrations.
func Migrate(cfg config.Config) error {
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer wires every component and serves webhooks until ctx is done.
func RunServer(ctx context.Context, cfg config.Config) error {
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	counters, errCounters := buildCounterStore(ctx, cfg, conn)
	if errCounters != nil {
		return errCounters
	}
	limiter := ratelimit.New(counters).WithSpread(cfg.RateLimit.Spread)

	st := store.New(conn, cfg.Dispatch.CacheTTL, cfg.Dispatch.NextPostWindow)
	lg := ledger.New(conn)
	q := queue.New(conn)
	gw := gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.RequestTimeout)
	limits := func(plan models.PlanTier) config.PlanLimits { return cfg.LimitsForPlan(plan) }

	pipeline := dispatch.New(st, lg, limiter, q, gw, limits)
	worker.New(st, lg, limiter, q, gw, limits, cfg.Drain.Interval, cfg.Drain.BatchSize).Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	webhook.NewHandler(pipeline, cfg.Webhook.VerifyToken, cfg.Webhook.AppSecret, conn).Register(engine)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("webhook server listening on %s", cfg.Server.Addr)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
	}()

	select {
	case errServe := <-errCh:
		return errServe
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("app: shutdown: %w", errShutdown)
	}
	return nil
}

// buildCounterStore selects the rate-counter backend from config. The db
// backend needs no extra infrastructure; redis trades that for cheaper
// increments under heavy comment traffic.
func buildCounterStore(ctx context.Context, cfg config.Config, conn *gorm.DB) (ratelimit.CounterStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend)) {
	case "", "db":
		return ratelimit.NewGormCounterStore(conn), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if errPing := client.Ping(pingCtx).Err(); errPing != nil {
			return nil, fmt.Errorf("app: redis ping: %w", errPing)
		}
		return ratelimit.NewRedisCounterStore(client), nil
	default:
		return nil, fmt.Errorf("app: unknown ratelimit backend %q", cfg.RateLimit.Backend)
	}
}
