package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"orderflow/internal/bus"
	"orderflow/internal/config"
	"orderflow/internal/ledger"
	"orderflow/internal/notify"
)

// pgDirectory resolves recipient addresses from the shared user and order
// tables. The notifier only ever reads them.
type pgDirectory struct {
	pool *pgxpool.Pool
}

func (d pgDirectory) EmailForUser(ctx context.Context, userID string) (string, error) {
	var email string
	err := d.pool.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	return email, err
}

func (d pgDirectory) EmailForOrder(ctx context.Context, orderID string) (string, error) {
	var email string
	err := d.pool.QueryRow(ctx,
		`SELECT u.email FROM users u JOIN orders o ON o.user_id = u.id WHERE o.id = $1`,
		orderID).Scan(&email)
	return email, err
}

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
		Workers:         config.Int("BUS_WORKERS", 2),
	}, logger)
	defer kb.Close()

	dispatcher := notify.NewDispatcher(notify.LogMailer{Logger: logger}, pgDirectory{pool: pool}, led, logger)

	var wg sync.WaitGroup
	for _, topic := range notify.Topics {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			if err := kb.Subscribe(ctx, topic, notify.ConsumerGroup, dispatcher.Handle); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Errorf("subscription to %s ended", topic)
			}
		}(topic)
	}
	logger.Info("notifierd consuming")

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
}
