package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aftionix/jobboard-realtime/internal/dispatch"
	"github.com/aftionix/jobboard-realtime/internal/hub"
	"github.com/aftionix/jobboard-realtime/pkg/database"
	"github.com/aftionix/jobboard-realtime/pkg/messaging"
	"github.com/aftionix/jobboard-realtime/pkg/observability"
)

var rootCmd = &cobra.Command{
	Use:   "realtime",
	Short: "Real-time notification server for the Aftionix job board",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.String("addr", ":8090", "listen address")
	flags.String("db-dsn", "", "postgres DSN (required)")
	flags.String("migrations", "file://migrations", "migration source URL")
	flags.String("redis-addr", "", "redis address for the publish bridge and idempotency (optional)")
	flags.String("amqp-url", "", "rabbitmq URL for domain-event ingestion (optional)")
	flags.String("jwt-secret", "", "HS256 secret shared with the session provider (required)")
	flags.String("internal-key", "", "shared key for /internal endpoints")
	flags.String("resend-api-key", "", "resend API key for the offline email fallback (optional)")
	flags.String("from-email", "", "sender address for fallback emails")
	flags.String("otlp-endpoint", "", "OTLP gRPC collector endpoint (optional)")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.Int("retention-days", 30, "prune read notifications older than this")

	viper.BindPFlags(flags)
	viper.SetEnvPrefix("realtime")
	viper.AutomaticEnv()
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	log := observability.NewLoggerWithOptions("realtime", observability.Options{
		Level: level,
		// expected transport churn stays at debug unless explicitly raised
		CategoryLevels: map[string]slog.Level{"hub": level},
	})

	jwtSecret := viper.GetString("jwt-secret")
	if jwtSecret == "" {
		return fmt.Errorf("jwt-secret is required")
	}
	dsn := viper.GetString("db-dsn")
	if dsn == "" {
		return fmt.Errorf("db-dsn is required")
	}

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    "realtime",
		ServiceVersion: "1.0.0",
		Endpoint:       viper.GetString("otlp-endpoint"),
		Environment:    "production",
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	db, err := database.Connect(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(db, viper.GetString("migrations")); err != nil {
		return err
	}
	log.Info("database ready")

	var rdb *redis.Client
	if addr := viper.GetString("redis-addr"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, bridge and idempotency disabled", "error", err)
			rdb = nil
		}
	}

	repo := dispatch.NewRepository(db)
	mailer := dispatch.NewEmailService(viper.GetString("resend-api-key"), viper.GetString("from-email"))

	h := hub.New(log)
	svc := dispatch.NewService(repo, h, mailerOrNil(mailer), rdb, log)
	h.SetEvents(svc)
	go h.Run(ctx)

	if rdb != nil {
		go func() {
			if err := svc.RunBridge(ctx); err != nil {
				log.Error("redis bridge stopped", "error", err)
			}
		}()
	}

	if url := viper.GetString("amqp-url"); url != "" {
		mq, err := messaging.NewClient(messaging.DefaultConfig(url), log.Logger)
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		defer mq.Close()

		consumer := dispatch.NewConsumer(mq, dispatch.NewRouter(svc, log), rdb, log)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error("event consumer stopped", "error", err)
			}
		}()
	}

	go pruneLoop(ctx, repo, viper.GetInt("retention-days"), log)

	server := &http.Server{
		Addr:    viper.GetString("addr"),
		Handler: NewServer(svc, h, []byte(jwtSecret), viper.GetString("internal-key"), log).Routes(),
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("realtime server listening", "addr", server.Addr)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func mailerOrNil(m *dispatch.EmailService) dispatch.Mailer {
	if m == nil {
		return nil
	}
	return m
}

// pruneLoop removes read notifications past the retention window once a day.
func pruneLoop(ctx context.Context, repo *dispatch.Repository, days int, log *observability.Logger) {
	if days <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.DeleteOlderThan(ctx, time.Duration(days)*24*time.Hour)
			if err != nil {
				log.Warn("notification prune failed", "error", err)
				continue
			}
			log.Info("pruned old notifications", "deleted", n)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
