package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gradaccess/internal/admission"
	"gradaccess/internal/attendance"
	"gradaccess/internal/cloudinary"
	"gradaccess/internal/config"
	"gradaccess/internal/credential"
	"gradaccess/internal/delivery"
	"gradaccess/internal/handler"
	"gradaccess/internal/httpmiddleware"
	"gradaccess/internal/invitation"
	"gradaccess/internal/jobs"
	"gradaccess/internal/logging"
	"gradaccess/internal/metrics"
	"gradaccess/internal/paysource"
	"gradaccess/internal/queue"
	"gradaccess/internal/roster"
	"gradaccess/internal/settings"
	"gradaccess/internal/store"
)

const scanQueueKey = "gradaccess:scans"

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	if !cfg.DryRun {
		if err := cfg.SMTP.Validate(); err != nil {
			logger.WithError(err).Fatal("mail settings required unless DRY_RUN_EMAILS is set")
		}
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.WithError(err).Fatal("http server failed")
	}
}

func runHTTP(cfg config.App, logger *logrus.Logger) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	loc := cfg.Location()
	metrics.Register()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	var scans queue.Queue
	var prefs settings.Store
	if cfg.QueueBackend == "memory" {
		scans = queue.NewInMemory(1024)
		prefs = settings.NewMemory()
	} else {
		scans = queue.NewRedisQueue(redisClient.Client, scanQueueKey)
		prefs = settings.NewRedisStore(redisClient.Client, "")
	}

	repo := attendance.NewRepository(db.Client)
	verifier := attendance.NewService(repo, scans, logger)
	if cfg.QueueBackend == "memory" {
		// No separate worker can read an in-process queue.
		go func() {
			if _, err := attendance.ConsumeScanEvents(ctx, scans, repo, logger); err != nil {
				logger.WithError(err).Error("scan log consumer stopped")
			}
		}()
	}

	// Cloudinary client (nil when not configured)
	var cdn *cloudinary.Client
	if cfg.Cloudinary.Configured() {
		cdn = cloudinary.New(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret, cfg.Cloudinary.Folder)
		logger.WithField("cloud", cfg.Cloudinary.CloudName).Info("cloudinary configured")
	}
	logo := loadLogo(ctx, cfg.Cloudinary.LogoURL, logger)

	renderer := credential.NewQRRenderer()
	generator := credential.NewGenerator(repo, credential.NewIssuer(renderer, loc), credential.GeneratorConfig{
		ChunkSize:  cfg.Generator.ChunkSize,
		Workers:    cfg.Generator.Workers,
		ChunkPause: cfg.Generator.ChunkPause,
	}, logger)
	companions := credential.NewCompanions(repo, loc, logger)

	transport := mailTransport(cfg, cdn, logger)
	deliveryCfg := delivery.Config{
		BatchSize:       cfg.Delivery.BatchSize,
		RatePerMinute:   cfg.Delivery.RatePerMinute,
		MaxAttempts:     cfg.Delivery.MaxAttempts,
		Capacity:        cfg.Delivery.Capacity,
		CollectWindow:   cfg.Delivery.CollectWindow,
		IdleWait:        cfg.Delivery.IdleWait,
		MonitorInterval: cfg.Delivery.MonitorInterval,
		RunTimeout:      cfg.Delivery.RunTimeout,
		DryRun:          cfg.DryRun,
	}
	notifications := delivery.NewNotificationSource(repo, cfg.SMTP.Sender, logo, loc)
	invitations := invitation.NewSource(repo, companions, invitation.NewPDFRenderer(renderer, logo), cfg.SMTP.Sender, logo, loc)

	payments, closePayments := paymentSource(ctx, cfg, loc, logger)
	defer closePayments()
	syncer := admission.NewService(payments, repo, func() (roster.Set, error) {
		return roster.Load(cfg.RosterPath)
	}, logger)

	manager := jobs.NewManager(jobs.Handlers(jobs.Services{
		Admission: syncer,
		Generator: generator,
		Notifications: func() jobs.Dispatcher {
			return delivery.NewQueue(notifications, transport, deliveryCfg, logger)
		},
		Invitations: func() jobs.Dispatcher {
			return delivery.NewQueue(invitations, transport, deliveryCfg, logger)
		},
		DefaultFrom: cfg.AutoSync.From,
		Location:    loc,
	}), logger)
	scheduler := jobs.NewScheduler(manager, prefs, cfg.AutoSync.Interval, cfg.AutoSync.Lookback, loc, logger)
	go scheduler.Run(ctx)

	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	go housekeeping(ctx, manager, limiter, cfg.JobRetention)

	h := handler.New(handler.Deps{
		Verifier:    verifier,
		Jobs:        manager,
		Primary:     generator,
		Companions:  companions,
		Invitations: invitation.NewService(invitations, transport, cfg.DryRun, logger),
		Reports:     repo,
		Wiper:       repo,
		Settings:    prefs,
		Health: func(ctx context.Context) map[string]bool {
			checks := map[string]bool{"db": db.Healthy(ctx)}
			if cfg.QueueBackend != "memory" {
				checks["redis"] = redisClient.Healthy(ctx)
			}
			return checks
		},
		Auth: handler.AuthConfig{
			Issuer:       cfg.JWTIssuer,
			SigningKey:   cfg.JWTSigningKey,
			TTL:          cfg.AccessTTL,
			PasswordHash: cfg.AdminPassHash,
		},
		Location: loc,
		Logger:   logger,
	})

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
		Output:    logger.Writer(),
	}))

	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(securityHeaders())

	h.Register(r, limiter.GinMiddleware())

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithField("port", cfg.HTTPPort).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server forced shutdown")
	}
	stop()
	if err := manager.Shutdown(30 * time.Second); err != nil {
		logger.WithError(err).Warn("background jobs abandoned")
	}

	logger.Info("server exited")
	return nil
}

// mailTransport picks SMTP or, in dry-run mode, the preview writer.
func mailTransport(cfg config.App, cdn *cloudinary.Client, logger logrus.FieldLogger) delivery.Transport {
	if !cfg.DryRun {
		return delivery.NewSMTPTransport(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.Sender)
	}
	logger.Warn("dry run: emails are written as previews and nothing is marked sent")
	if cdn != nil {
		return delivery.NewPreviewTransport(cfg.PreviewDir, cdn, logger)
	}
	return delivery.NewPreviewTransport(cfg.PreviewDir, nil, logger)
}

type unavailablePayments struct{ err error }

func (u unavailablePayments) FetchPayments(context.Context, time.Time) ([]paysource.Payment, error) {
	return nil, u.err
}

func (u unavailablePayments) SecondaryEmails(context.Context, []string) (map[string]string, error) {
	return nil, u.err
}

// paymentSource connects to the payment database. When it is not configured
// or unreachable, syncs fail with the reason instead of stopping the server.
func paymentSource(ctx context.Context, cfg config.App, loc *time.Location, logger logrus.FieldLogger) (admission.PaymentSource, func()) {
	if !cfg.PaySource.Configured() {
		logger.Warn("payment source not configured; sync jobs will fail")
		return unavailablePayments{errors.New("payment source not configured")}, func() {}
	}
	client, err := paysource.Open(ctx, paysource.Config{
		Host:     cfg.PaySource.Host,
		Port:     cfg.PaySource.Port,
		User:     cfg.PaySource.User,
		Password: cfg.PaySource.Password,
		Database: cfg.PaySource.Database,
		Timeout:  cfg.PaySource.Timeout,
		Location: loc,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("payment source unreachable; sync jobs will fail")
		return unavailablePayments{err}, func() {}
	}
	return client, func() { _ = client.Close() }
}

func loadLogo(ctx context.Context, url string, logger logrus.FieldLogger) []byte {
	if url == "" {
		return nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	logo, err := cloudinary.Fetch(fetchCtx, http.DefaultClient, url)
	if err != nil {
		logger.WithError(err).Warn("logo unavailable; emails go out without it")
		return nil
	}
	return logo
}

func housekeeping(ctx context.Context, manager *jobs.Manager, limiter *httpmiddleware.TokenBucket, retention time.Duration) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.Cleanup(retention)
			limiter.Sweep(time.Hour)
		}
	}
}

// corsMiddleware allows the configured origins, or any origin when none are set.
func corsMiddleware(origins []string) gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AddAllowHeaders("Authorization")
	corsConfig.AddExposeHeaders("Content-Disposition", "Retry-After")
	corsConfig.MaxAge = 24 * time.Hour
	return cors.New(corsConfig)
}

// Security headers middleware
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
