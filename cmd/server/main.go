package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-profit/internal/auth"
	"github.com/ksred/klear-profit/internal/balance"
	"github.com/ksred/klear-profit/internal/config"
	"github.com/ksred/klear-profit/internal/database"
	"github.com/ksred/klear-profit/internal/database/migrations"
	"github.com/ksred/klear-profit/internal/events"
	"github.com/ksred/klear-profit/internal/ledger"
	"github.com/ksred/klear-profit/internal/lock"
	"github.com/ksred/klear-profit/internal/metrics"
	"github.com/ksred/klear-profit/internal/portfolio"
	"github.com/ksred/klear-profit/internal/ratio"
	"github.com/ksred/klear-profit/internal/settlement"
	"github.com/ksred/klear-profit/internal/valuation"
	"github.com/ksred/klear-profit/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// configureLogging enables pretty printing outside production and debug
// logging when DEBUG is set
func configureLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

type handlers struct {
	auth       *auth.GinHandlers
	portfolios *portfolio.GinHandlers
	ratios     *ratio.GinHandlers
	settlement *settlement.GinHandlers
	balances   *balance.GinHandlers
	ledger     *ledger.GinHandlers
}

// main wires the settlement service, starts the hourly processor and serves
// the operator API until SIGINT or SIGTERM
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	configureLogging(cfg)

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if err := migrations.Run(db); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to run migrations")
	}

	authService := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	if cfg.OperatorSecret != "" {
		authService.RegisterOperator(cfg.OperatorKey, cfg.OperatorSecret, auth.PermissionAdmin)
	} else {
		zlog.Warn().Msg("OPERATOR_API_SECRET not set, no operator can obtain a token")
	}

	portfolioService := portfolio.NewService(db)
	ratioService := ratio.NewService(db, portfolioService)
	balanceService := balance.NewService(db)
	ledgerService := ledger.NewService(db, portfolioService)

	locker, closeLocker := newLocker(cfg.Redis)
	defer closeLocker()

	publisher := newPublisher(cfg.Kafka)
	defer publisher.Close()

	settlementService := settlement.NewService(db, settlement.Deps{
		Portfolios:       portfolioService,
		Ratios:           ratioService,
		Valuation:        newValuationProvider(cfg.Valuation),
		Locker:           locker,
		Publisher:        publisher,
		MaxBackfillHours: cfg.Scheduler.MaxBackfillHours,
	})

	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()
	processorDone := make(chan struct{})
	if cfg.Scheduler.Enabled {
		processor := settlement.NewProcessor(settlementService, cfg.Scheduler)
		go func() {
			defer close(processorDone)
			if err := processor.Start(processorCtx); err != nil {
				zlog.Fatal().Err(err).Msg("Failed to start settlement processor")
			}
		}()
	} else {
		close(processorDone)
		zlog.Info().Msg("Settlement scheduler disabled")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.RateLimit())

	setupRoutes(router, authService, handlers{
		auth:       auth.NewGinHandlers(authService),
		portfolios: portfolio.NewGinHandlers(portfolioService),
		ratios:     ratio.NewGinHandlers(ratioService),
		settlement: settlement.NewGinHandlers(settlementService),
		balances:   balance.NewGinHandlers(balanceService),
		ledger:     ledger.NewGinHandlers(ledgerService),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// In-flight settlements finish their commit before the processor returns
	processorCancel()
	<-processorDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

func newValuationProvider(cfg config.Valuation) valuation.Provider {
	var provider valuation.Provider
	if cfg.Mock {
		zlog.Warn().Msg("Using mock valuation provider")
		provider = valuation.NewMockProvider(valuation.MockOptions{Failures: true, Latency: true})
	} else {
		provider = valuation.NewHTTPProvider(cfg)
	}
	return valuation.NewRetryingProvider(provider, cfg)
}

// newLocker uses Redis when configured so several instances share the
// per-portfolio slot; a single instance locks in memory
func newLocker(cfg config.Redis) (lock.Locker, func()) {
	if cfg.Addr == "" {
		return lock.NewMemoryLocker(), func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		zlog.Fatal().Err(err).Str("addr", cfg.Addr).Msg("Failed to connect to redis")
	}
	zlog.Info().Str("addr", cfg.Addr).Msg("Using redis settlement locks")

	return lock.NewRedisLocker(client, cfg.LockTTL), func() { client.Close() }
}

func newPublisher(cfg config.Kafka) events.Publisher {
	if len(cfg.Brokers) == 0 {
		return events.NopPublisher{}
	}
	return events.NewKafkaPublisher(cfg.Brokers, cfg.Topic)
}

// setupRoutes configures all API endpoints. Everything except token issue
// and metrics requires a JWT; mutating settlement and ledger calls need the
// matching permission.
func setupRoutes(router *gin.Engine, tokens middleware.TokenValidator, h handlers) {
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", h.auth.GenerateTokenHandler())
		}

		read := middleware.RequirePermission(auth.PermissionRead)
		settle := middleware.RequirePermission(auth.PermissionSettle)
		admin := middleware.RequirePermission(auth.PermissionAdmin)

		api := v1.Group("")
		api.Use(middleware.JWTAuth(tokens))
		{
			api.POST("/teams", admin, h.portfolios.CreateTeamHandler())
			api.POST("/portfolios", admin, h.portfolios.CreatePortfolioHandler())
			api.GET("/portfolios", read, h.portfolios.ListPortfoliosHandler())
			api.GET("/portfolios/:portfolio_id", read, h.portfolios.GetPortfolioHandler())

			api.POST("/portfolios/:portfolio_id/ratios", admin, h.ratios.CreateRatioHandler())
			api.GET("/portfolios/:portfolio_id/ratios", read, h.ratios.ListRatiosHandler())
			api.GET("/portfolios/:portfolio_id/ratios/effective", read, h.ratios.EffectiveRatioHandler())

			api.POST("/portfolios/:portfolio_id/settle", settle, h.settlement.SettleHandler())
			api.POST("/portfolios/:portfolio_id/catch-up", settle, h.settlement.CatchUpHandler())
			api.GET("/portfolios/:portfolio_id/settlement-status", read, h.settlement.StatusHandler())
			api.GET("/portfolios/:portfolio_id/allocations", read, h.settlement.ListLogsHandler())
			api.GET("/portfolios/:portfolio_id/snapshots", read, h.settlement.ListSnapshotsHandler())
			api.POST("/portfolios/:portfolio_id/allocation-preview", read, h.settlement.PreviewHandler())
			api.GET("/allocations/:log_id", read, h.settlement.GetLogHandler())
			api.GET("/allocations/:log_id/verify", read, h.settlement.VerifyLogHandler())

			api.GET("/balances", read, h.balances.ListBalancesHandler())
			api.GET("/balances/:bucket/:owner_id/entries", read, h.balances.EntriesHandler())

			api.POST("/withdrawals", admin, h.ledger.CreateWithdrawalHandler())
			api.GET("/withdrawals", read, h.ledger.ListWithdrawalsHandler())
			api.POST("/reallocations", admin, h.ledger.CreateReallocationHandler())
			api.GET("/reallocations", read, h.ledger.ListReallocationsHandler())
			api.GET("/summary", read, h.ledger.SummaryHandler())
		}
	}
}
