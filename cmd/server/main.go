package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/amirsalarsafaei/sqlc-pgx-monitoring/dbtracer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"schoolpay/config"
	"schoolpay/internal/messages"
	"schoolpay/internal/payments"
	"schoolpay/internal/payments/handlers"
	"schoolpay/internal/payments/workers"
	"schoolpay/internal/providers/mpesa"
	"schoolpay/internal/providers/mtn"
	"schoolpay/internal/providers/spenn"
	"schoolpay/internal/providers/stripe"
)

func main() {
	appConfig, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	if appConfig.Telemetry.Enabled {
		cleanup, err := config.InitTracer(appConfig.Telemetry)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer cleanup()
	}

	logger := setupLogger(appConfig)
	httpClient := setupHttpClient(appConfig)

	dbpool := setupDbPool(appConfig)
	defer dbpool.Close()

	store := payments.NewPostgresStore(dbpool)
	if err := store.Migrate(context.Background()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	redisClient := setupRedisClient(appConfig)

	err = redisClient.XGroupCreateMkStream(context.Background(),
		appConfig.Redis.StreamName, appConfig.Redis.StreamGroup, "$").Err()
	if err != nil && !isGroupExistsErr(err) {
		log.Fatalf("Failed to create group: %v", err)
	}

	registry := payments.NewRegistry()

	stripeAdapter, err := stripe.New(stripe.Config{
		SecretKey:     appConfig.Stripe.SecretKey,
		WebhookSecret: appConfig.Stripe.WebhookSecret,
	})
	if err != nil {
		log.Fatalf("Failed to configure card provider: %v", err)
	}
	registry.Register(payments.MethodStripe, stripeAdapter)

	registry.Register(payments.MethodMpesa, mpesa.New(mpesa.Config{
		BaseURL:        appConfig.Mpesa.BaseURL,
		ConsumerKey:    appConfig.Mpesa.ConsumerKey,
		ConsumerSecret: appConfig.Mpesa.ConsumerSecret,
		ShortCode:      appConfig.Mpesa.ShortCode,
		PassKey:        appConfig.Mpesa.PassKey,
		CallbackURL:    appConfig.Mpesa.CallbackURL,
	}, httpClient))

	registry.Register(payments.MethodSpenn, spenn.New(spenn.Config{
		BaseURL:       appConfig.Spenn.BaseURL,
		TokenURL:      appConfig.Spenn.TokenURL,
		APIKey:        appConfig.Spenn.APIKey,
		CallbackURL:   appConfig.Spenn.CallbackURL,
		CallbackToken: appConfig.Spenn.CallbackToken,
	}, httpClient))

	registry.Register(payments.MethodMTN, mtn.New(mtn.Config{
		BaseURL:           appConfig.Mtn.BaseURL,
		APIUser:           appConfig.Mtn.APIUser,
		APIKey:            appConfig.Mtn.APIKey,
		SubscriptionKey:   appConfig.Mtn.SubscriptionKey,
		TargetEnvironment: appConfig.Mtn.TargetEnvironment,
		Currency:          appConfig.Mtn.Currency,
	}, httpClient))

	ledger := payments.NewLedger(store, logger)
	publisher := messages.NewRedisPublisher(redisClient, appConfig.Redis.StreamName)
	resolver := payments.NewResolver(ledger, publisher, logger)

	reconciler := workers.NewReconciler(ledger, registry, resolver, workers.Config{
		InitialInterval: appConfig.Reconcile.InitialInterval,
		MaxInterval:     appConfig.Reconcile.MaxInterval,
		MaxElapsed:      appConfig.Reconcile.MaxElapsed,
	}, logger)
	defer reconciler.Stop()

	orchestrator := payments.NewOrchestrator(ledger, registry, reconciler, logger)
	normalizer := payments.NewNormalizer(registry, resolver, logger)

	paymentHandler := handlers.NewPaymentHandler(orchestrator)
	callbackHandler := handlers.NewCallbackHandler(normalizer)
	statusHandler := handlers.NewStatusHandler(reconciler)

	e := echo.New()

	if appConfig.Telemetry.Enabled {
		e.Use(otelecho.Middleware(appConfig.Telemetry.ServiceName))
	}

	e.POST("/payments", paymentHandler.Handle)
	e.POST("/payments/stripe/webhook", callbackHandler.HandleStripe)
	e.POST("/payments/mpesa/callback", callbackHandler.HandleMpesa)
	e.POST("/payments/spenn/callback", callbackHandler.HandleSpenn)
	e.GET("/payments/:correlationId/status", statusHandler.Handle)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.Use(middleware.Recover())

	err = e.Start(fmt.Sprintf("%s:%d", appConfig.Server.Host, appConfig.Server.Port))
	if err != nil {
		log.Fatal(err)
	}
}

func isGroupExistsErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

func setupLogger(appConfig *config.AppConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	if appConfig.Telemetry.Enabled {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}

func setupHttpClient(appConfig *config.AppConfig) *http.Client {
	transport := http.DefaultTransport
	if appConfig.Telemetry.Enabled {
		transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
}

func setupDbPool(appConfig *config.AppConfig) *pgxpool.Pool {
	dbConfig, err := pgxpool.ParseConfig(appConfig.Postgres.URL)
	if err != nil {
		log.Fatalf("Failed to parse Postgres URL: %v", err)
	}

	if appConfig.Telemetry.Enabled {
		dbTracer, _ := dbtracer.NewDBTracer("payments")
		dbConfig.ConnConfig.Tracer = dbTracer
	}

	dbpool, err := pgxpool.NewWithConfig(context.Background(), dbConfig)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	return dbpool
}

func setupRedisClient(appConfig *config.AppConfig) *redis.Client {
	opt, err := redis.ParseURL(appConfig.Redis.URL)
	if err != nil {
		log.Fatalf("Failed to parse Redis URL: %v", err)
	}

	redisClient := redis.NewClient(opt)

	if appConfig.Telemetry.Enabled {
		if err := redisotel.InstrumentTracing(redisClient); err != nil {
			panic(err)
		}

		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			panic(err)
		}
	}

	return redisClient
}
