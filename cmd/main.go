package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fathima-sithara/delivery-service/internal/api"
	"github.com/fathima-sithara/delivery-service/internal/auth"
	"github.com/fathima-sithara/delivery-service/internal/config"
	"github.com/fathima-sithara/delivery-service/internal/conversation"
	"github.com/fathima-sithara/delivery-service/internal/delivery"
	"github.com/fathima-sithara/delivery-service/internal/presence"
	"github.com/fathima-sithara/delivery-service/internal/queue"
	"github.com/fathima-sithara/delivery-service/internal/repository"
	"github.com/fathima-sithara/delivery-service/internal/scheduler"
	"github.com/fathima-sithara/delivery-service/internal/service"
	"github.com/fathima-sithara/delivery-service/internal/utils"
	"github.com/fathima-sithara/delivery-service/internal/ws"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	logger, err := utils.NewLogger(cfg.App.Env, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("delivery-service stopped with error", "error", err)
	}
}

type stores struct {
	users    repository.UserRepository
	messages repository.MessageRepository
	convs    repository.ConversationRepository
	drafts   repository.AutoMessageRepository
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instance := cfg.App.InstanceID
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	logger = logger.With("instance", instance)

	var checks []api.Check

	// document store
	var st stores
	switch cfg.Store.Driver {
	case "mongo":
		client, err := retryConnect(ctx, logger, "mongo", func() (*mongo.Client, error) {
			_, c, err := repository.ConnectMongo(ctx, cfg.Mongo.URI, cfg.Mongo.DB, logger)
			return c, err
		})
		if err != nil {
			return fmt.Errorf("mongo init: %w", err)
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		db := client.Database(cfg.Mongo.DB)
		if err := repository.EnsureIndexes(ctx, db); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
		st = stores{
			users:    repository.NewMongoUserRepository(db),
			messages: repository.NewMongoMessageRepository(db),
			convs:    repository.NewMongoConversationRepository(db),
			drafts:   repository.NewMongoAutoMessageRepository(db),
		}
		checks = append(checks, api.Check{Name: "mongo", Ping: func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		}})
	default:
		logger.Warn("using in-memory store, data is lost on restart")
		st = stores{
			users:    repository.NewMemoryUserRepository(),
			messages: repository.NewMemoryMessageRepository(),
			convs:    repository.NewMemoryConversationRepository(),
			drafts:   repository.NewMemoryAutoMessageRepository(),
		}
	}

	// presence
	var (
		set     presence.Set
		relay   presence.Relay
		counter api.Counter = api.NewMemoryCounter()
	)
	if cfg.Redis.Addr != "" {
		rdb, err := retryConnect(ctx, logger, "redis", func() (*redis.Client, error) {
			return presence.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		})
		if err != nil {
			return fmt.Errorf("redis init: %w", err)
		}
		defer rdb.Close()
		set = presence.NewRedisSet(rdb, cfg.Redis.Prefix)
		relay = presence.NewRedisRelay(rdb, cfg.Redis.Prefix)
		counter = api.NewRedisCounter(rdb, cfg.Redis.Prefix)
		checks = append(checks, api.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	} else {
		logger.Warn("redis.addr empty, presence is local to this instance")
		set = presence.NewMemorySet()
	}

	// delivery queue
	var q queue.Queue
	switch cfg.Broker.Driver {
	case "kafka":
		q = queue.NewKafkaQueue(queue.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, logger)
	case "nats":
		js, err := retryConnect(ctx, logger, "nats", func() (*queue.JetStreamQueue, error) {
			return queue.NewJetStreamQueue(ctx, queue.JetStreamConfig{
				URL:     cfg.NATS.URL,
				Stream:  cfg.NATS.Stream,
				Subject: cfg.NATS.Subject,
				Durable: cfg.NATS.Durable,
			}, logger)
		})
		if err != nil {
			return fmt.Errorf("nats init: %w", err)
		}
		q = js
	default:
		logger.Warn("using in-memory queue, jobs are lost on restart")
		q = queue.NewMemoryQueue(1024)
	}
	bq := queue.WithBreaker(q, queue.BreakerConfig{
		Name:        "queue-publish",
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     time.Duration(cfg.Breaker.TimeoutSeconds) * time.Second,
	}, logger)
	checks = append(checks, api.Check{Name: "broker", Ping: bq.Check})

	jv, err := auth.NewJWTValidator(cfg.JWT.Alg, cfg.JWT.PublicKeyPath, cfg.JWT.HSSecret)
	if err != nil {
		return fmt.Errorf("jwt validator init: %w", err)
	}

	registry := presence.NewRegistry(instance, set, relay, st.users, logger)
	aggregator := conversation.NewAggregator(st.convs, logger)
	svc := service.NewMessageService(st.users, st.messages, aggregator, logger)

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return err
	}
	planner := scheduler.NewPlanner(st.users, st.drafts, scheduler.PlannerConfig{
		Location: loc,
		Window: scheduler.Window{
			MinDays:      cfg.Scheduler.MinDaysAhead,
			MaxDays:      cfg.Scheduler.MaxDaysAhead,
			EarliestHour: cfg.Scheduler.EarliestHour,
			LatestHour:   cfg.Scheduler.LatestHour,
		},
		Phrases: cfg.Scheduler.Phrases,
	}, logger)
	admission := scheduler.NewAdmission(st.drafts, bq, cfg.Scheduler.AdmissionBatch, logger).
		WithStaleAfter(cfg.Scheduler.StaleAfter())
	sched := scheduler.New(loc, logger)
	if err := sched.AddPlanner(cfg.Scheduler.PlanningCron, planner); err != nil {
		return err
	}
	if err := sched.AddAdmission(cfg.Scheduler.AdmissionCron, admission); err != nil {
		return err
	}

	consumer := delivery.NewConsumer(bq, st.drafts, svc, registry, admission, delivery.Options{
		RetryDelay:      cfg.Delivery.RetryDelay(),
		MaxRedeliveries: cfg.Delivery.MaxRedeliveries,
		ProcessTimeout:  cfg.Delivery.ProcessTimeout(),
	}, logger)

	gateway := ws.NewGateway(registry, svc, st.users, jv, ws.ClientOptions{
		SendBuffer:     cfg.WS.SendBuffer,
		RateLimit:      cfg.WS.RateLimitPerSec,
		RateBurst:      cfg.WS.RateBurst,
		MaxMessageSize: cfg.WS.MaxMessageSizeBytes,
		PingInterval:   cfg.WS.PingInterval(),
		WriteDeadline:  cfg.WS.WriteDeadline(),
	}, logger)

	app := api.NewServer(api.Deps{
		Scheduler: sched,
		Admission: admission,
		Consumer:  consumer,
		Registry:  registry,
		Messages:  svc,
		Gateway:   gateway,
		Validator: jv,
		Checks:    checks,
		Triggers:  api.NewRateLimiter(counter, cfg.API.TriggerLimit, cfg.API.TriggerWindow(), logger),
		AccessLog: cfg.App.Env != "production",
	}, logger)

	// background workers run on their own context so shutdown can stop
	// them in order after the listener is closed
	bg, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()

	go func() {
		if err := registry.Run(bg); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("presence relay stopped", "error", err)
		}
	}()
	consumer.Start(bg)
	if cfg.Scheduler.Enabled {
		sched.Start(bg)
	} else {
		logger.Info("scheduler disabled, tasks run only when triggered")
	}

	errs := make(chan error, 1)
	go func() {
		addr := ":" + cfg.App.PortString()
		logger.Infow("delivery-service listening", "addr", addr, "store", cfg.Store.Driver, "broker", cfg.Broker.Driver)
		errs <- app.Listen(addr)
	}()

	var runErr error
	select {
	case err := <-errs:
		runErr = fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout())
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warnw("http shutdown", "error", err)
	}
	sched.Stop()
	if err := consumer.Stop(shutdownCtx); err != nil {
		logger.Warnw("consumer shutdown", "error", err)
	}
	cancelBG()
	if err := bq.Close(); err != nil {
		logger.Warnw("queue close", "error", err)
	}
	logger.Info("delivery-service stopped")
	return runErr
}

// retryConnect retries op with exponential backoff for up to a minute.
func retryConnect[T any](ctx context.Context, logger *zap.SugaredLogger, target string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	return backoff.RetryNotifyWithData(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warnw("connect failed, retrying", "target", target, "wait", wait, "error", err)
	})
}
