package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/Songmu/retry"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"

	"github.com/phonginreallife/opsbridge/internal/config"
	"github.com/phonginreallife/opsbridge/services"
)

const (
	pingAttempts = 5
	pingInterval = 2 * time.Second
)

// OpenDatabase connects to Postgres, waiting for it to accept connections
func OpenDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	pg, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = retry.Retry(pingAttempts, pingInterval, func() error {
		if err := pg.PingContext(ctx); err != nil {
			log.Printf("Database not ready: %v", err)
			return err
		}
		return nil
	})
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Timestamps are compared in UTC everywhere
	if _, err := pg.ExecContext(ctx, "SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}

	log.Println("✅ Connected to database successfully")
	return pg, nil
}

// NewRemediator builds the signal transport named by remediation.transport.
// The returned close func releases the transport connection.
func NewRemediator(ctx context.Context, cfg *config.Config, pg *sql.DB) (services.Remediator, func(), error) {
	switch cfg.Remediation.Transport {
	case "redis":
		if cfg.RedisURL == "" {
			return nil, nil, fmt.Errorf("redis_url is required for the redis remediation transport")
		}
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Println("✅ Remediation signals go to Redis")
		return services.NewRedisSignalRemediator(client), func() { client.Close() }, nil

	case "nats":
		if cfg.NATSURL == "" {
			return nil, nil, fmt.Errorf("nats_url is required for the nats remediation transport")
		}
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("opsbridge"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		log.Println("✅ Remediation signals go to NATS")
		return services.NewNATSSignalRemediator(conn), func() { conn.Drain() }, nil

	default:
		log.Println("✅ Remediation signals go to the service_signals table")
		return services.NewSQLSignalRemediator(pg), func() {}, nil
	}
}
