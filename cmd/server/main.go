// Package main runs the classroom polling HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aura-classroom/backend/config"
	"github.com/aura-classroom/backend/internal/auth"
	"github.com/aura-classroom/backend/internal/event"
	"github.com/aura-classroom/backend/internal/livepoll"
	"github.com/aura-classroom/backend/internal/mcqs"
	"github.com/aura-classroom/backend/internal/middleware"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/pollqueue"
	"github.com/aura-classroom/backend/internal/polls"
	"github.com/aura-classroom/backend/internal/presence"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/internal/sessions"
	"github.com/aura-classroom/backend/internal/worker"
	"github.com/aura-classroom/backend/pkg/apperr"
	"github.com/aura-classroom/backend/pkg/database"
	"github.com/aura-classroom/backend/pkg/queue"
	"github.com/aura-classroom/backend/pkg/redis"
	"github.com/aura-classroom/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Telemetry: cfg.Redis.Telemetry,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	sessionRepo := sessions.NewRepository(pool)
	pollRepo := polls.NewRepository(pool)
	queueRepo := pollqueue.NewRepository(pool)
	mcqRepo := mcqs.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Presence
	registry := presence.NewRegistry(presence.Config{
		Hub:                 hub,
		Directory:           sessionRepo,
		Logger:              logger,
		InactivityThreshold: cfg.Presence.InactivityThreshold,
	})
	sweeper := presence.NewSweeper(registry, cfg.Presence.SweepInterval, logger)

	// Live polls
	bus := event.NewBus(logger)
	var guard livepoll.RevealGuard
	if cfg.Polls.RevealGuard {
		guard = livepoll.NewRedisRevealGuard(rdb.Client, hub.Origin(), cfg.Polls.RevealGuardTTL)
	}
	engine := livepoll.NewEngine(livepoll.Config{
		Store:       pollRepo,
		Directory:   sessionRepo,
		Broadcaster: hub,
		Events:      bus,
		Guard:       guard,
		Logger:      logger,
	})
	registry.SetDepartureHandler(engine.ParticipantLeft)

	active, err := pollRepo.ListActive(ctx)
	if err != nil {
		logger.Fatal("load active polls", zap.Error(err))
	}
	engine.Resume(ctx, active)

	// Poll queue
	queueDefaults := pollqueue.Options{
		ActivateFirst:     cfg.Queue.ActivateFirst,
		AutoAdvance:       cfg.Queue.AutoAdvance,
		PollDuration:      cfg.Queue.PollDuration,
		BreakBetweenPolls: cfg.Queue.BreakBetweenPolls,
	}
	manager := pollqueue.NewManager(pollqueue.Config{
		Store:     queueRepo,
		Polls:     pollRepo,
		Activator: engine,
		Logger:    logger,
	})
	bus.Subscribe(event.NamePollClosed, manager.HandlePollClosed)
	bus.Subscribe(event.NamePollClosed, worker.SnapshotOnClose(jobQueue))

	mcqService := mcqs.NewService(mcqRepo, pollRepo, manager, hub, logger)

	sessionHandler := sessions.NewHandler(sessionRepo, registry, pollRepo, engine, logger)
	pollHandler := polls.NewHandler(pollRepo, sessionRepo, engine, cfg.Polls.MaxOptions)
	queueHandler := pollqueue.NewHandler(manager, sessionRepo, queueDefaults)
	mcqHandler := mcqs.NewHandler(mcqService, sessionRepo, queueDefaults)
	resultsProcessor := worker.NewResultsProcessor(pollRepo, jobQueue, cfg.Worker.RetryBackoff, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/api/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok", "hub": hub.Stats()}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.Server.Pprof {
		pprof.Register(router)
	}

	teacher := middleware.RequireRole(auth.RoleTeacher)
	student := middleware.RequireRole(auth.RoleStudent)

	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService))
	{
		// Sessions and presence
		api.POST("/sessions", teacher, sessionHandler.Create)
		api.GET("/sessions/:code", sessionHandler.Get)
		api.POST("/sessions/:code/join", student, sessionHandler.Join)
		api.POST("/sessions/:code/leave", student, sessionHandler.Leave)
		api.POST("/sessions/:code/heartbeat", student, sessionHandler.Heartbeat)
		api.GET("/sessions/:code/participants", teacher, sessionHandler.Participants)
		api.POST("/sessions/:code/end", teacher, sessionHandler.End)

		// Polls
		api.POST("/sessions/:code/polls", teacher, pollHandler.Create)
		api.GET("/sessions/:code/polls", teacher, pollHandler.List)
		api.GET("/sessions/:code/polls/active", pollHandler.Active)
		api.GET("/polls/:id", pollHandler.Get)
		api.PUT("/polls/:id", teacher, pollHandler.Update)
		api.DELETE("/polls/:id", teacher, pollHandler.Delete)
		api.POST("/polls/:id/activate", teacher, pollHandler.Activate)
		api.POST("/polls/:id/close", teacher, pollHandler.Close)
		api.POST("/polls/:id/respond", student, pollHandler.Respond)
		api.GET("/polls/:id/results", pollHandler.Results)

		// Poll queue
		api.POST("/sessions/:code/queue", teacher, queueHandler.Enqueue)
		api.GET("/sessions/:code/queue", teacher, queueHandler.List)

		// Generated MCQs
		api.POST("/sessions/:code/generated-mcqs", teacher, mcqHandler.Intake)
		api.GET("/sessions/:code/generated-mcqs", teacher, mcqHandler.List)
		api.PATCH("/sessions/:code/generated-mcqs/:id", teacher, mcqHandler.Update)
		api.DELETE("/sessions/:code/generated-mcqs/:id", teacher, mcqHandler.Delete)
		api.POST("/sessions/:code/generated-mcqs/send", teacher, mcqHandler.Send)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(realtime.WSConfig{
		Hub:      hub,
		Presence: registry,
		Logger:   logger,
		Validate: func(token string) (realtime.Identity, error) {
			claims, err := jwtService.Validate(token)
			if err != nil {
				return realtime.Identity{}, err
			}
			return realtime.Identity{PersonID: claims.PersonID, Role: claims.Role}, nil
		},
		ResolveSession: sessionRepo.GetByCode,
		Submit: func(ctx context.Context, c *realtime.Client, msg realtime.ResponseMessage) (*models.PollResponse, error) {
			if c.Role != auth.RoleStudent {
				return nil, apperr.New(apperr.CodePermissionDenied, apperr.WithMessagef("only students answer polls"))
			}
			return engine.Submit(ctx, livepoll.SubmitRequest{
				PollID:         msg.PollID,
				PersonID:       c.PersonID,
				SelectedOption: msg.SelectedOption,
				ResponseTime:   msg.ResponseTime,
			})
		},
	}))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper.Start()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		resultsProcessor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server", zap.Error(err))
	}

	sweeper.Stop()
	manager.Stop()
	engine.Stop()
	bus.Stop()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
