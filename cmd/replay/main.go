// Command replay lists and requeues dead letters.
//
//	replay -list 50
//	replay -id 17
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"orderflow/internal/bus"
	"orderflow/internal/config"
)

func main() {
	listN := flag.Int("list", 0, "list up to N dead letters and exit")
	replayID := flag.Int64("id", 0, "replay the dead letter with this ID")
	flag.Parse()
	if *listN <= 0 && *replayID <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger := log.New()
	databaseURL, ok := config.MustString("DATABASE_URL")
	if !ok {
		log.Fatal("missing DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()
	store := bus.NewPostgresDeadLetterStore(pool)

	if *listN > 0 {
		entries, err := store.List(ctx, *listN)
		if err != nil {
			log.Fatalf("list: %v", err)
		}
		for _, dl := range entries {
			fmt.Printf("%d\t%s\t%s\tattempts=%d\t%s\t%s\n",
				dl.ID, dl.OriginTopic, dl.ConsumerGroup, dl.Attempts,
				dl.ReceivedAt.Format(time.RFC3339), dl.LastError)
		}
		return
	}

	brokers, ok := config.MustString("KAFKA_BROKERS")
	if !ok {
		log.Fatal("missing KAFKA_BROKERS")
	}
	kb := bus.NewKafkaBus(bus.KafkaConfig{
		Brokers:         strings.Split(brokers, ","),
		DeadLetterTopic: config.String("DEADLETTER_TOPIC", "deadletter"),
	}, logger)
	defer kb.Close()

	if err := bus.NewReplayer(store, kb).Replay(ctx, *replayID); err != nil {
		log.Fatalf("replay %d: %v", *replayID, err)
	}
	logger.WithField("id", *replayID).Info("dead letter replayed")
}
