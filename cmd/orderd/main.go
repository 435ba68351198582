package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"orderflow/internal/bus"
	"orderflow/internal/config"
	"orderflow/internal/event"
	"orderflow/internal/ledger"
	"orderflow/internal/order"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()

	databaseURL, ok := config.MustString("DATABASE_URL")
	if !ok {
		log.Fatal("missing DATABASE_URL")
	}
	redisConn, ok := config.MustString("REDIS_CONNECTION_STRING")
	if !ok {
		log.Fatal("missing REDIS_CONNECTION_STRING")
	}
	brokers, ok := config.MustString("KAFKA_BROKERS")
	if !ok {
		log.Fatal("missing KAFKA_BROKERS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	store := order.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("orders schema: %v", err)
	}
	dlStore := bus.NewPostgresDeadLetterStore(pool)
	if err := dlStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("dead_letters schema: %v", err)
	}

	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		redisOpts = &redis.Options{Addr: redisConn}
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()
	led := ledger.NewRedisLedger(rc,
		config.Dur("LEDGER_RESERVE_TTL", 5*time.Minute),
		config.Dur("LEDGER_RETENTION", 30*24*time.Hour))

	kb := bus.NewKafkaBus(bus.KafkaConfig{
		Brokers:         strings.Split(brokers, ","),
		DeadLetterTopic: config.String("DEADLETTER_TOPIC", "deadletter"),
		Workers:         config.Int("BUS_WORKERS", 4),
		Retry: bus.RetryPolicy{
			MaxAttempts:  config.Int("HANDLER_MAX_ATTEMPTS", 5),
			InitialDelay: config.Dur("HANDLER_RETRY_INITIAL", 250*time.Millisecond),
			MaxDelay:     config.Dur("HANDLER_RETRY_MAX", 30*time.Second),
		},
	}, logger)
	defer kb.Close()

	svc := order.NewService(store, kb, led, logger)

	var wg sync.WaitGroup
	for _, topic := range []string{event.TopicPaymentSuccessful, event.TopicPaymentFailed} {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			if err := kb.Subscribe(ctx, topic, order.ConsumerGroup, svc.HandlePaymentEvent); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Errorf("subscription to %s ended", topic)
			}
		}(topic)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := kb.SubscribeDeadLetters(ctx, "deadletter-sink", bus.NewDeadLetterSink(dlStore))
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("dead-letter sink ended")
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	registerRoutes(e, svc)

	listenAddr := ":" + config.String("PORT", "8080")
	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()
	logger.Infof("orderd listening on %s", listenAddr)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http shutdown")
	}
	wg.Wait()
}
