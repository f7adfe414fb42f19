package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beaconchat/beacon-server/internal/api"
	"github.com/beaconchat/beacon-server/internal/assign"
	"github.com/beaconchat/beacon-server/internal/auth"
	"github.com/beaconchat/beacon-server/internal/bootstrap"
	"github.com/beaconchat/beacon-server/internal/chat"
	"github.com/beaconchat/beacon-server/internal/config"
	"github.com/beaconchat/beacon-server/internal/disposable"
	"github.com/beaconchat/beacon-server/internal/email"
	"github.com/beaconchat/beacon-server/internal/gateway"
	"github.com/beaconchat/beacon-server/internal/httputil"
	"github.com/beaconchat/beacon-server/internal/notify"
	"github.com/beaconchat/beacon-server/internal/org"
	"github.com/beaconchat/beacon-server/internal/permission"
	"github.com/beaconchat/beacon-server/internal/postgres"
	"github.com/beaconchat/beacon-server/internal/presence"
	"github.com/beaconchat/beacon-server/internal/queue"
	"github.com/beaconchat/beacon-server/internal/room"
	"github.com/beaconchat/beacon-server/internal/settings"
	"github.com/beaconchat/beacon-server/internal/staff"
	"github.com/beaconchat/beacon-server/internal/task"
	"github.com/beaconchat/beacon-server/internal/valkey"
	"github.com/beaconchat/beacon-server/internal/visitor"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// valkeyDialTimeout bounds connection establishment against the KV store.
const valkeyDialTimeout = 5 * time.Second

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Beacon Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". Set an explicit origin for production deployments.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, valkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	firstRun, err := bootstrap.IsFirstRun(ctx, db)
	if err != nil {
		return fmt.Errorf("check first run: %w", err)
	}
	if firstRun {
		log.Info().Msg("First run detected, seeding database")
		if err := bootstrap.RunFirstInit(ctx, db, cfg); err != nil {
			return fmt.Errorf("first-run initialisation: %w", err)
		}
	}

	orgs := org.NewPGRepository(db)
	defaultOrg, err := orgs.Default(ctx)
	if err != nil {
		return fmt.Errorf("load default organisation: %w", err)
	}

	// Repositories and stores
	staffs := staff.NewPGRepository(db)
	visitors := visitor.NewPGRepository(db)
	chats := chat.NewPGRepository(db)
	notifyRepo := notify.NewPGRepository(db)
	settingsStore := settings.NewStore(db, rdb, log.Logger)
	presenceStore := presence.NewStore(rdb)
	onlineQueue := queue.NewOnlineStore(rdb)
	durableQueue := queue.NewDurableStore(db)
	sessions := gateway.NewSessionStore(rdb)

	// Permission engine with cross-worker cache invalidation
	permStore := permission.NewPGStore(db)
	permCache := permission.NewValkeyCache(rdb)
	permResolver := permission.NewResolver(permStore, permCache, log.Logger)
	permSub := permission.NewSubscriber(permCache, rdb)
	go runWithReconnect(ctx, "permission cache subscriber", permSub.Run)

	// Background tasks: the e-mail worker drains the shared queue. Without SMTP
	// the handler logs and drops, so the queue never backs up.
	taskQueue := task.NewQueue(rdb)
	worker := task.NewWorker(taskQueue, log.Logger)
	if cfg.SMTPConfigured() {
		mailer := email.NewClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
		worker.Register(task.TypeEmail, task.EmailHandler(mailer))
	} else {
		log.Warn().Msg("SMTP is not configured; notification e-mails will be dropped")
		worker.Register(task.TypeEmail, func(_ context.Context, t task.Task) error {
			log.Debug().Str("task_id", t.ID).Msg("Dropping e-mail task, SMTP not configured")
			return nil
		})
	}
	go func() { _ = worker.Run(ctx) }()

	// Notification dispatcher, room state, assignment
	dispatcher := notify.NewDispatcher(notifyRepo, staffs, rdb, taskQueue, presenceStore,
		cfg.EmailSuppressionWindow, log.Logger)
	rooms := room.NewStore(rdb, chats, presenceStore, settingsStore, log.Logger)
	engine := assign.NewEngine(rdb, staffs, chats, settingsStore, log.Logger)
	rooms.SetAssigner(engine)

	pub := gateway.NewPublisher(rdb, log.Logger)
	rooms.SetPublisher(pub)
	dispatcher.SetPublisher(pub)

	// Realtime gateway hub
	hub := gateway.NewHub(rdb, cfg.HeartbeatInterval, cfg.HandlerTimeout, defaultOrg.ID,
		sessions, rooms, presenceStore, onlineQueue, durableQueue,
		chats, staffs, visitors, settingsStore, permResolver, dispatcher, pub, log.Logger)
	go runWithReconnect(ctx, "gateway hub", hub.Run)

	// Reassignment sweeper for chats nobody answered
	sweeper := assign.NewSweeper(engine, rooms, durableQueue, presenceStore, dispatcher,
		defaultOrg.ID, cfg.ReassignInterval, log.Logger)
	sweeper.SetPublisher(pub)
	go func() { _ = sweeper.Run(ctx) }()

	tokenResolver := auth.NewResolver(cfg.JWTSecret, cfg.ServerURL,
		cfg.JWTAccessTTL, cfg.JWTRefreshTTL, staffs, visitors)

	blocklist := disposable.NewBlocklist(cfg.DisposableBlocklistURL, cfg.DisposableCheckEnabled, log.Logger)
	go blocklist.Run(ctx, cfg.DisposableRefreshEvery)

	app := fiber.New(fiber.Config{
		AppName: "Beacon",
		// ErrorHandler catches errors that never reached a structured response,
		// e.g. Fiber's built-in 404/405.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := wire.CodeInternal
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				code = fiberStatusToCode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: wire.Error{Code: code, Message: message},
			})
		},
	})

	app.Use(requestid.New())
	requestLogger := httputil.RequestLogger(log.Logger)
	app.Use(func(c fiber.Ctx) error {
		if !cfg.LogHealthRequests && c.Path() == "/health" {
			return c.Next()
		}
		return requestLogger(c)
	})
	app.Use(cors.New(cors.Config{
		AllowOrigins:  []string{cfg.CORSAllowOrigins},
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	api.RegisterRoutes(app, api.Handlers{
		Auth:          api.NewAuthHandler(tokenResolver, staffs, visitors, settingsStore, blocklist, cfg, log.Logger),
		Settings:      api.NewSettingsHandler(settingsStore, log.Logger),
		Staff:         api.NewStaffHandler(staffs, dispatcher, engine, sweeper, durableQueue, cfg, log.Logger),
		Visitor:       api.NewVisitorHandler(visitors, log.Logger),
		Message:       api.NewMessageHandler(chats, log.Logger),
		Notification:  api.NewNotificationHandler(notifyRepo, log.Logger),
		Gateway:       api.NewGatewayHandler(hub),
		Health:        api.NewHealthHandler(db, rdb),
		TokenResolver: tokenResolver,
		Permissions:   permResolver,
		AuthLimiter: limiter.New(limiter.Config{
			Max:        cfg.RateLimitAuthCount,
			Expiration: time.Duration(cfg.RateLimitAuthWindowSeconds) * time.Second,
		}),
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// runWithReconnect keeps a blocking subscription loop alive, restarting it
// after transient failures until the context is cancelled.
func runWithReconnect(ctx context.Context, name string, run func(context.Context) error) {
	for {
		err := run(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		log.Error().Err(err).Str("loop", name).Msg("Subscriber stopped, restarting in 5s")
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// fiberStatusToCode maps an HTTP status from Fiber's built-in errors to the
// closest protocol error code.
func fiberStatusToCode(status int) wire.Code {
	switch {
	case status == fiber.StatusNotFound:
		return wire.CodeNotFound
	case status == fiber.StatusTooManyRequests:
		return wire.CodeRateLimit
	case status == fiber.StatusServiceUnavailable:
		return wire.CodeStorage
	case status >= 400 && status < 500:
		return wire.CodeValidation
	default:
		return wire.CodeInternal
	}
}
