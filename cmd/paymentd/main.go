package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"orderflow/internal/bus"
	"orderflow/internal/config"
	"orderflow/internal/ledger"
	"orderflow/internal/payment"
)

const signatureHeader = "X-Provider-Signature"

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
	webhookSecret, ok := config.MustString("WEBHOOK_SECRET")
	if !ok {
		log.Fatal("missing WEBHOOK_SECRET")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()
	sessions := payment.NewPostgresSessionStore(pool)
	if err := sessions.EnsureSchema(ctx); err != nil {
		log.Fatalf("sessions schema: %v", err)
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
	}, logger)
	defer kb.Close()

	orch := payment.NewOrchestrator(sessions, kb, led, []byte(webhookSecret),
		config.Dur("SESSION_TTL", 30*time.Minute), logger)
	go orch.RunExpiry(ctx, config.Dur("EXPIRY_INTERVAL", time.Minute))

	e := echo.New()
	e.HideBanner = true
	registerRoutes(e, orch)

	listenAddr := ":" + config.String("PORT", "8081")
	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()
	logger.Infof("paymentd listening on %s", listenAddr)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http shutdown")
	}
}

type createSessionRequest struct {
	OrderID  string `json:"orderId"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func registerRoutes(e *echo.Echo, orch *payment.Orchestrator) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	e.POST("/api/checkout-sessions", func(c echo.Context) error {
		var req createSessionRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
		}
		sess, err := orch.CreateSession(c.Request().Context(), req.OrderID, req.Amount, req.Currency)
		switch {
		case errors.Is(err, payment.ErrInvalidAmount):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, payment.ErrDuplicateSession):
			return echo.NewHTTPError(http.StatusConflict, "a pending session already exists for this order")
		case err != nil:
			return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
		}
		return c.JSON(http.StatusCreated, sess)
	})

	// The provider signs the exact bytes it sends, so the body must be read
	// raw rather than bound through a decoder.
	e.POST("/webhooks/payment", func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
		}
		err = orch.HandleWebhook(c.Request().Context(), body, c.Request().Header.Get(signatureHeader))
		switch {
		case errors.Is(err, payment.ErrSignatureInvalid):
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, payment.ErrMalformedNotification):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, payment.ErrSessionNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "unknown session")
		case err != nil:
			// 5xx asks the provider to redeliver; the ledger absorbs the retry.
			return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
		}
		return c.NoContent(http.StatusOK)
	})
}
