package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type App struct {
	Env                    string `mapstructure:"env"`
	Port                   int    `mapstructure:"port"`
	InstanceID             string `mapstructure:"instance_id"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

func (a *App) PortString() string { return fmt.Sprintf("%d", a.Port) }

func (a *App) ShutdownTimeout() time.Duration {
	return time.Duration(a.ShutdownTimeoutSeconds) * time.Second
}

// API limits the manual trigger endpoints per caller.
type API struct {
	TriggerLimit         int `mapstructure:"trigger_limit"`
	TriggerWindowSeconds int `mapstructure:"trigger_window_seconds"`
}

func (a API) TriggerWindow() time.Duration {
	return time.Duration(a.TriggerWindowSeconds) * time.Second
}

type Log struct {
	Level string `mapstructure:"level"`
}

// Store selects the document store backing users, messages, conversations and drafts.
type Store struct {
	Driver string `mapstructure:"driver"`
}

type Mongo struct {
	URI string `mapstructure:"uri"`
	DB  string `mapstructure:"db"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type Broker struct {
	Driver string `mapstructure:"driver"`
}

type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type NATS struct {
	URL     string `mapstructure:"url"`
	Stream  string `mapstructure:"stream"`
	Subject string `mapstructure:"subject"`
	Durable string `mapstructure:"durable"`
}

type Breaker struct {
	MaxFailures    int `mapstructure:"max_failures"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type JWT struct {
	Alg           string `mapstructure:"alg"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	HSSecret      string `mapstructure:"hs_secret"`
}

type WS struct {
	PingIntervalSeconds  int   `mapstructure:"ping_interval_seconds"`
	WriteDeadlineSeconds int   `mapstructure:"write_deadline_seconds"`
	MaxMessageSizeBytes  int64 `mapstructure:"max_message_size_bytes"`
	RateLimitPerSec      int   `mapstructure:"rate_limit_per_sec"`
	RateBurst            int   `mapstructure:"rate_burst"`
	SendBuffer           int   `mapstructure:"send_buffer"`
}

func (w WS) PingInterval() time.Duration {
	return time.Duration(w.PingIntervalSeconds) * time.Second
}

func (w WS) WriteDeadline() time.Duration {
	return time.Duration(w.WriteDeadlineSeconds) * time.Second
}

type Scheduler struct {
	Enabled        bool     `mapstructure:"enabled"`
	Timezone       string   `mapstructure:"timezone"`
	PlanningCron   string   `mapstructure:"planning_cron"`
	AdmissionCron  string   `mapstructure:"admission_cron"`
	AdmissionBatch int      `mapstructure:"admission_batch"`
	StaleMinutes   int      `mapstructure:"stale_queued_minutes"`
	MinDaysAhead   int      `mapstructure:"min_days_ahead"`
	MaxDaysAhead   int      `mapstructure:"max_days_ahead"`
	EarliestHour   int      `mapstructure:"earliest_hour"`
	LatestHour     int      `mapstructure:"latest_hour"`
	Phrases        []string `mapstructure:"phrases"`
}

// Location resolves the configured time zone, falling back to UTC when empty.
// StaleAfter is how long a draft may stay queued before admission reclaims it.
func (s Scheduler) StaleAfter() time.Duration {
	return time.Duration(s.StaleMinutes) * time.Minute
}

func (s Scheduler) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

type Delivery struct {
	RetryDelaySeconds     int `mapstructure:"retry_delay_seconds"`
	MaxRedeliveries       int `mapstructure:"max_redeliveries"`
	ProcessTimeoutSeconds int `mapstructure:"process_timeout_seconds"`
}

func (d Delivery) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelaySeconds) * time.Second
}

func (d Delivery) ProcessTimeout() time.Duration {
	return time.Duration(d.ProcessTimeoutSeconds) * time.Second
}

type Config struct {
	App       App       `mapstructure:"app"`
	API       API       `mapstructure:"api"`
	Log       Log       `mapstructure:"log"`
	Store     Store     `mapstructure:"store"`
	Mongo     Mongo     `mapstructure:"mongo"`
	Redis     Redis     `mapstructure:"redis"`
	Broker    Broker    `mapstructure:"broker"`
	Kafka     Kafka     `mapstructure:"kafka"`
	NATS      NATS      `mapstructure:"nats"`
	Breaker   Breaker   `mapstructure:"breaker"`
	JWT       JWT       `mapstructure:"jwt"`
	WS        WS        `mapstructure:"ws"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Delivery  Delivery  `mapstructure:"delivery"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", 8088)
	v.SetDefault("app.instance_id", "")
	v.SetDefault("app.shutdown_timeout_seconds", 15)
	v.SetDefault("log.level", "info")
	v.SetDefault("api.trigger_limit", 10)
	v.SetDefault("api.trigger_window_seconds", 60)

	v.SetDefault("store.driver", "mongo")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.db", "chat")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "delivery")

	v.SetDefault("broker.driver", "kafka")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "message_sending_queue")
	v.SetDefault("kafka.group_id", "delivery-service")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "DELIVERY")
	v.SetDefault("nats.subject", "delivery.jobs")
	v.SetDefault("nats.durable", "delivery-consumer")
	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.timeout_seconds", 30)

	v.SetDefault("jwt.alg", "HS256")
	v.SetDefault("jwt.public_key_path", "")
	v.SetDefault("jwt.hs_secret", "")

	v.SetDefault("ws.ping_interval_seconds", 25)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.max_message_size_bytes", 65536)
	v.SetDefault("ws.rate_limit_per_sec", 20)
	v.SetDefault("ws.rate_burst", 20)
	v.SetDefault("ws.send_buffer", 256)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.timezone", "Europe/Istanbul")
	v.SetDefault("scheduler.planning_cron", "0 2 * * *")
	v.SetDefault("scheduler.admission_cron", "* * * * *")
	v.SetDefault("scheduler.admission_batch", 500)
	v.SetDefault("scheduler.stale_queued_minutes", 30)
	v.SetDefault("scheduler.min_days_ahead", 1)
	v.SetDefault("scheduler.max_days_ahead", 7)
	v.SetDefault("scheduler.earliest_hour", 9)
	v.SetDefault("scheduler.latest_hour", 20)
	v.SetDefault("scheduler.phrases", []string{})

	v.SetDefault("delivery.retry_delay_seconds", 5)
	v.SetDefault("delivery.max_redeliveries", 3)
	v.SetDefault("delivery.process_timeout_seconds", 30)
}

// Load reads the yaml file at path when it exists and overlays environment
// variables, e.g. MONGO_URI or KAFKA_BROKERS=a:9092,b:9092.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("app.port invalid: %d", c.App.Port)
	}

	switch c.Store.Driver {
	case "mongo":
		if c.Mongo.URI == "" {
			return errors.New("mongo.uri missing")
		}
		if c.Mongo.DB == "" {
			return errors.New("mongo.db missing")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store.driver %q (use mongo or memory)", c.Store.Driver)
	}

	if c.Redis.Addr != "" && !strings.Contains(c.Redis.Addr, ":") {
		return fmt.Errorf("invalid redis.addr %q (must be host:port)", c.Redis.Addr)
	}

	switch c.Broker.Driver {
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers missing")
		}
		if c.Kafka.Topic == "" || c.Kafka.GroupID == "" {
			return errors.New("kafka.topic and kafka.group_id required")
		}
	case "nats":
		if c.NATS.URL == "" {
			return errors.New("nats.url missing")
		}
		if c.NATS.Stream == "" || c.NATS.Subject == "" || c.NATS.Durable == "" {
			return errors.New("nats.stream, nats.subject and nats.durable required")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid broker.driver %q (use kafka, nats or memory)", c.Broker.Driver)
	}

	switch strings.ToUpper(c.JWT.Alg) {
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			return errors.New("jwt.public_key_path required for RS256")
		}
	case "HS256":
		if c.JWT.HSSecret == "" {
			return errors.New("jwt.hs_secret required for HS256")
		}
	default:
		return errors.New("invalid jwt.alg (use RS256 or HS256)")
	}

	s := c.Scheduler
	if s.MinDaysAhead < 1 || s.MaxDaysAhead < s.MinDaysAhead {
		return fmt.Errorf("scheduler day window invalid: %d..%d", s.MinDaysAhead, s.MaxDaysAhead)
	}
	if s.EarliestHour < 0 || s.LatestHour > 23 || s.LatestHour < s.EarliestHour {
		return fmt.Errorf("scheduler hour window invalid: %d..%d", s.EarliestHour, s.LatestHour)
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}

	if c.Delivery.MaxRedeliveries < 0 {
		return errors.New("delivery.max_redeliveries must not be negative")
	}
	if c.API.TriggerLimit > 0 && c.API.TriggerWindowSeconds <= 0 {
		return errors.New("api.trigger_window_seconds must be positive when a trigger limit is set")
	}
	return nil
}
