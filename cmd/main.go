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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"prediction-rounds/internal/blockchain"
	cacheredis "prediction-rounds/internal/cache/redis"
	"prediction-rounds/internal/config"
	"prediction-rounds/internal/database"
	"prediction-rounds/internal/handlers"
	"prediction-rounds/internal/jobs"
	"prediction-rounds/internal/notify"
	"prediction-rounds/internal/observability"
	"prediction-rounds/internal/oracle"
	"prediction-rounds/internal/repository"
	"prediction-rounds/internal/services"
	"prediction-rounds/internal/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLog := observability.NewLogger("server")
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.NewLoggerWithLevel("server", observability.ParseLevel(cfg.Server.LogLevel))
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := database.Connect(cfg.GetDSN())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.AutoMigrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}
	repo := repository.NewRepository(db)

	// Redis is optional; without it the process is a single instance
	var (
		locker      services.RoundLocker = services.NewKeyedLocker()
		priceStore  services.PriceSnapshotStore
		sink        notify.Sink
		redisClient *cacheredis.Client
		hub         *ws.Hub
	)
	if cfg.Redis.Addr != "" {
		redisClient, err = cacheredis.New(ctx, cacheredis.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()

		locker = cacheredis.NewRoundLocker(redisClient, 30*time.Second, 5*time.Second)
		priceStore = cacheredis.NewPriceStore(redisClient, cfg.Price.Staleness)
		bus := cacheredis.NewEventBus(redisClient)
		sink = bus
		hub = ws.NewHub(bus, logger.With().Str("component", "ws").Logger(), metrics)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis enabled")
	} else {
		hub = ws.NewHub(nil, logger.With().Str("component", "ws").Logger(), metrics)
		sink = hub
	}
	emitter := notify.NewEmitter(logger.With().Str("component", "notify").Logger(), metrics, sink)

	// Token custody
	solanaClient, err := blockchain.NewSolanaClient(cfg.Solana, logger.With().Str("component", "custody").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize solana client")
	}

	// Price oracle
	priceOracle := oracle.NewClient(oracle.Config{
		CoinGeckoID:      cfg.Oracle.CoinGeckoID,
		CryptoCompareSym: cfg.Oracle.CryptoCompareSym,
		CoinGeckoAPIKey:  cfg.Oracle.CoinGeckoAPIKey,
		Timeout:          cfg.Oracle.RequestTimeout,
	}, logger.With().Str("component", "oracle").Logger(), metrics)

	// Initialize services
	priceService := services.NewPriceService(priceOracle, priceStore, cfg.Price, cfg.Ledger.TokenDecimals,
		logger.With().Str("component", "price").Logger(), metrics)
	roundService := services.NewRoundService(repo, locker, emitter, cfg.Ledger,
		logger.With().Str("component", "rounds").Logger(), metrics)
	stakeService := services.NewStakeService(repo, roundService, priceService, solanaClient, emitter, cfg.Ledger,
		logger.With().Str("component", "stakes").Logger(), metrics)
	userService := services.NewUserService(repo, solanaClient, logger.With().Str("component", "users").Logger())

	// Background jobs
	scheduler := jobs.NewRoundScheduler(roundService, stakeService, priceService,
		cfg.Ledger.PollInterval, cfg.Ledger.FundingVerifyWindow,
		logger.With().Str("component", "scheduler").Logger())
	recorder := jobs.NewPriceRecorder(priceService, emitter, cfg.Price.SampleInterval, cfg.Price.BroadcastInterval,
		logger.With().Str("component", "recorder").Logger())

	// Set up Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handlers.RequestLogger(logger.With().Str("component", "http").Logger()))

	allowedOrigins := []string{
		"http://localhost:3000",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
	}
	if cfg.Server.FrontendURL != "" {
		allowedOrigins = append(allowedOrigins, cfg.Server.FrontendURL)
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	var redisPinger handlers.Pinger
	if redisClient != nil {
		redisPinger = redisClient
	}
	handlers.RegisterRoutes(router, handlers.Set{
		Price:      handlers.NewPriceHandler(priceService),
		Round:      handlers.NewRoundHandler(roundService),
		Prediction: handlers.NewPredictionHandler(stakeService),
		User:       handlers.NewUserHandler(userService, stakeService),
		Health:     handlers.NewHealthHandler(repo, redisPinger, solanaClient),
	})
	router.GET("/ws", hub.HandleWS)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(emitter.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(hub.Run(gctx)) })
	g.Go(func() error {
		go scheduler.Start()
		go recorder.Start()
		<-gctx.Done()
		scheduler.Stop()
		recorder.Stop()
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("port", cfg.Server.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("server exited")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
