package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"schoolpay/config"
	"schoolpay/internal/notify"
	"schoolpay/internal/payments"
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
	redisClient := setupRedisClient(appConfig)

	notifier := notify.NewHTTPNotifier(appConfig.Notifier.URL, httpClient)

	err = redisClient.XGroupCreateMkStream(context.Background(),
		appConfig.Redis.StreamName, appConfig.Redis.StreamGroup, "$").Err()
	if err != nil && !isGroupExistsErr(err) {
		log.Fatalf("Failed to create group: %v", err)
	}

	for {
		streams, err := redisClient.XReadGroup(context.Background(), &redis.XReadGroupArgs{
			Group:    appConfig.Redis.StreamGroup,
			Consumer: appConfig.Redis.ConsumerName,
			Streams:  []string{appConfig.Redis.StreamName, ">"},
			Block:    5 * time.Second,
			Count:    50,
		}).Result()

		if err != nil && !errors.Is(err, redis.Nil) {
			logger.Error("stream read failed", "consumer", appConfig.Redis.ConsumerName, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				raw, _ := msg.Values["data"].(string)

				var resolution payments.ResolutionMessage
				if err := json.Unmarshal([]byte(raw), &resolution); err != nil {
					logger.Error("invalid resolution payload", "messageId", msg.ID, "error", err)
					redisClient.XAck(context.Background(), appConfig.Redis.StreamName, appConfig.Redis.StreamGroup, msg.ID)
					continue
				}

				if resolution.PayerContact != "" {
					if err := notifier.NotifyResolution(context.Background(), resolution); err != nil {
						// Left unacked so another consumer retries it.
						logger.Warn("notification delivery failed",
							"attemptId", resolution.AttemptID, "error", err)
						continue
					}
				}

				logger.Debug("resolution notified",
					"attemptId", resolution.AttemptID, "status", resolution.Status)
				redisClient.XAck(context.Background(), appConfig.Redis.StreamName, appConfig.Redis.StreamGroup, msg.ID)
			}
		}
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
