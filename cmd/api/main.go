package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classroll/internal/attendance"
	"classroll/internal/auth"
	"classroll/internal/capture"
	"classroll/internal/cloudinary"
	"classroll/internal/config"
	"classroll/internal/enroll"
	"classroll/internal/faceclient"
	"classroll/internal/handler"
	"classroll/internal/httpmiddleware"
	"classroll/internal/live"
	"classroll/internal/logging"
	"classroll/internal/metrics"
	"classroll/internal/queue"
	"classroll/internal/reaper"
	"classroll/internal/recognition"
	"classroll/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		db    *store.DB
		repo  attendance.Store
		err   error
		sweep *reaper.Reaper
	)
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory store, data is lost on restart")
		repo = attendance.NewMemoryStore()
	} else {
		db, err = store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		repo = attendance.NewRepository(db.Client)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var jobs queue.Queue
	if cfg.QueueBackend == "memory" {
		jobs = queue.NewInMemory(64)
	} else {
		jobs = queue.NewRedisQueue(redisClient.Client, "")
	}

	collectors := metrics.New(prometheus.DefaultRegisterer)
	hub := live.NewHub()
	notifiers := attendance.Notifiers{hub}

	opts := []attendance.Option{
		attendance.WithNotifier(&notifiers),
		attendance.WithObserver(collectors),
		attendance.WithSessionMaxAge(cfg.SessionMaxAge),
	}
	redisUp := redisClient.Healthy(ctx)
	if redisUp {
		opts = append(opts, attendance.WithMarkCache(store.NewMarkedSet(redisClient.Client)))
	} else {
		logger.Warn("redis not reachable, marked-set cache disabled", "addr", cfg.RedisAddr)
	}
	svc := attendance.NewService(repo, opts...)

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	recognizer := recognition.NewDescriptorRecognizer(svc, cfg.MatchThreshold, cfg.DescriptorTTL)
	camera := capture.NewPushCamera(0)
	scanner := capture.NewManager(ctx, camera, capture.Config{
		Locator:       recognition.NewServiceLocator(face),
		Recognizer:    recognizer,
		Attendance:    svc,
		Interval:      cfg.CaptureInterval,
		MinConfidence: cfg.FaceMinConfidence,
		Observer:      collectors,
	})
	// Closing a session must also stop its capture loop, and saved
	// descriptors must reach the recognizer cache.
	notifiers = append(notifiers, scanner, recognizer)

	if redisUp && cfg.StoreBackend != "memory" {
		relay := store.NewEventRelay(redisClient.Client)
		go func() {
			if err := relay.Subscribe(logging.ContextWithLogger(ctx, logger), &notifiers); err != nil {
				logger.Warn("event relay unavailable, worker expiries reach scanners on their next tick", "error", err)
			}
		}()
	}

	// The worker refuses memory backends, so their jobs are handled here.
	if cfg.StoreBackend == "memory" || cfg.QueueBackend == "memory" {
		messages, err := jobs.Consume(ctx)
		if err != nil {
			return err
		}
		go enroll.New(svc, face, collectors).Run(logging.ContextWithLogger(ctx, logger), messages)
		logger.Info("descriptor enrollment running in-process")
	}

	deps := handler.Deps{
		Service:     svc,
		Auth:        auth.NewAuthenticator(cfg.OperatorEmail, cfg.OperatorPasswordHash, cfg.OperatorRole),
		Scanner:     scanner,
		Frames:      camera,
		Live:        hub,
		Descriptors: recognizer,
		Jobs:        jobs,
		SigningKey:  cfg.JWTSigningKey,
		Issuer:      cfg.JWTIssuer,
		AccessTTL:   cfg.AccessTTL,
		Location:    cfg.Location(),
	}
	if cfg.CloudinaryEnabled() {
		deps.Photos = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		logger.Info("cloudinary configured", "cloud", cfg.CloudinaryCloudName)
	} else {
		logger.Info("cloudinary not configured, photo uploads disabled")
	}
	if cfg.OperatorPasswordHash == "" {
		logger.Warn("OPERATOR_PASSWORD_HASH not set, operator login disabled")
	}

	// The worker owns the reaper when state is shared through postgres.
	if cfg.StoreBackend == "memory" {
		sweep, err = reaper.New(cfg.ReaperSchedule, svc, logger)
		if err != nil {
			return err
		}
		sweep.Start()
	}

	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).OnReject(collectors.RateLimited)
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				limiter.Sweep(10 * time.Minute)
			}
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:   []string{"Content-Disposition", "X-Request-ID", "Retry-After"},
		MaxAge:          12 * time.Hour,
	}))
	r.Use(securityHeaders())
	r.Use(handler.RequestLogger(logger))
	r.Use(limiter.GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		reqCtx := c.Request.Context()
		redisHealthy := redisClient.Healthy(reqCtx)
		dbHealthy := db == nil || db.Healthy(reqCtx)
		status := http.StatusOK
		if !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":        http.StatusText(status),
			"store":         cfg.StoreBackend,
			"db":            dbHealthy,
			"redis":         redisHealthy,
			"face_skip":     cfg.FaceSkip,
			"active_tracks": camera.ActiveTracks(),
		})
	})

	handler.New(deps).Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.HTTPPort, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return err
	}
	logger.Info("shutting down server")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", "error", err)
	}
	scanner.StopAll()
	hub.Close()
	if sweep != nil {
		sweep.Stop(shutdownCtx)
	}
	logger.Info("server exited")
	return nil
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
