package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"

	"github.com/Skotchmaster/academy/internal/cache"
	"github.com/Skotchmaster/academy/internal/config"
	"github.com/Skotchmaster/academy/internal/db"
	"github.com/Skotchmaster/academy/internal/es"
	"github.com/Skotchmaster/academy/internal/events"
	"github.com/Skotchmaster/academy/internal/httpserver"
	"github.com/Skotchmaster/academy/internal/logging"
	"github.com/Skotchmaster/academy/internal/mail"
	appmw "github.com/Skotchmaster/academy/internal/middleware"
	loggingmw "github.com/Skotchmaster/academy/internal/middleware/logging"
	"github.com/Skotchmaster/academy/internal/oauth"
	"github.com/Skotchmaster/academy/internal/repo"
	"github.com/Skotchmaster/academy/internal/search"
	"github.com/Skotchmaster/academy/internal/service"
	"github.com/Skotchmaster/academy/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	config.MustNonEmpty(cfg.DatabaseURL, "DATABASE_URL")
	config.MustNonEmpty(cfg.SessionSecret, "SESSION_SECRET")
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	gdb, err := db.Open(initCtx, cfg.DBDriver, cfg.DatabaseURL)
	if err == nil {
		err = db.Migrate(initCtx, gdb)
	}
	cancel()
	if err != nil {
		log.Fatalf("db init error: %v", err)
	}

	gormRepo := repo.New(gdb)

	var (
		store    session.Store = gormRepo
		redisCli *cache.Client
	)
	if cfg.SessionStore == "redis" {
		redisCli = cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := redisCli.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		store = session.NewRedisStore(redisCli)
	}

	var (
		publisher events.Publisher = events.Nop{}
		notifier  mail.Notifier    = mail.LogNotifier{Logger: logger}
		producer  *events.Producer
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer = events.NewProducer(cfg.KafkaBrokers)
		publisher = producer
		notifier = &mail.KafkaNotifier{Publisher: producer, Topic: cfg.KafkaMailTopic}
	}

	var directory service.UserIndexer
	if cfg.ESURL != "" {
		esCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		esClient, err := es.NewClient(esCtx, cfg.ESURL, cfg.ESUser, cfg.ESPassword)
		cancel()
		if err != nil {
			logger.Warn("search_disabled", "error", err)
		} else {
			directory = &search.Directory{ES: esClient, Index: cfg.ESIndex}
		}
	}

	authSvc := &service.AuthService{
		Repo:        gormRepo,
		Notifier:    notifier,
		Events:      publisher,
		EventsTopic: cfg.KafkaEventsTopic,
		Directory:   directory,
		BaseURL:     cfg.BaseURL,
	}
	if cfg.GoogleClientID != "" {
		authSvc.Verifier = oauth.NewGoogleVerifier(cfg.GoogleClientID, cfg.GoogleTokenInfoURL)
	}
	paymentSvc := &service.PaymentService{
		Repo:        gormRepo,
		Events:      publisher,
		EventsTopic: cfg.KafkaEventsTopic,
		Directory:   directory,
	}

	seedAdmin(authSvc, cfg, logger)

	sessions := &session.Manager{
		Store:     store,
		Secret:    []byte(cfg.SessionSecret),
		TTL:       cfg.SessionTTL,
		CrossSite: cfg.CookieCrossSite,
	}

	e := httpserver.NewEcho()
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(appmw.Common(cfg.AllowedOrigins)...)
	e.Use(loggingmw.RequestLogger(logger))

	httpserver.Register(e, &httpserver.Deps{
		DB:             gdb,
		Sessions:       sessions,
		Users:          gormRepo,
		AuthHandler:    &httpserver.AuthHTTP{Svc: authSvc, Sessions: sessions},
		PaymentHandler: &httpserver.PaymentHTTP{Svc: paymentSvc},
		AdminHandler:   &httpserver.AdminHTTP{Svc: authSvc},
		IPRateLimit:    appmw.IPRateLimit(cfg.RateLimitIPRPS, cfg.RateLimitIPBurst),
		AllowedOrigins: cfg.AllowedOrigins,
	})

	purgeCtx, stopPurge := context.WithCancel(context.Background())
	if cfg.SessionStore == "gorm" {
		go purgeSessions(purgeCtx, gormRepo, logger)
	}

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           e,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("server_started", "addr", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting_down")
	stopPurge()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server_shutdown_failed", "error", err)
	}
	closeDB(gdb, logger)
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("kafka_close_failed", "error", err)
		}
	}
	if err := redisCli.Close(); err != nil {
		logger.Error("redis_close_failed", "error", err)
	}
	logger.Info("shutdown_complete")
}

func seedAdmin(svc *service.AuthService, cfg config.Config, l *slog.Logger) {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	created, err := svc.EnsureAdmin(logging.IntoContext(ctx, l), cfg.AdminName, cfg.AdminEmail, cfg.AdminPassword)
	if err != nil {
		l.Error("admin_seed_failed", "error", err)
		return
	}
	if created {
		l.Info("admin_seeded", "email", cfg.AdminEmail)
	}
}

func purgeSessions(ctx context.Context, r *repo.GormRepo, l *slog.Logger) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := r.PurgeExpiredSessions(ctx, now)
			if err != nil {
				l.Warn("session_purge_failed", "error", err)
				continue
			}
			if n > 0 {
				l.Info("sessions_purged", "count", n)
			}
		}
	}
}

func closeDB(gdb *gorm.DB, l *slog.Logger) {
	sqlDB, err := gdb.DB()
	if err != nil {
		l.Error("db_handle_failed", "error", err)
		return
	}
	if err := sqlDB.Close(); err != nil {
		l.Error("db_close_failed", "error", err)
	}
}
