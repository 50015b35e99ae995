package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnvOverride(t *testing.T) {
	t.Setenv("JWT_HS_SECRET", "secret")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("APP_PORT", "9000")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.App.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "message_sending_queue", cfg.Kafka.Topic)
	assert.Equal(t, "0 2 * * *", cfg.Scheduler.PlanningCron)
	assert.Equal(t, "* * * * *", cfg.Scheduler.AdmissionCron)
	assert.Equal(t, 5*time.Second, cfg.Delivery.RetryDelay())
	assert.Equal(t, 3, cfg.Delivery.MaxRedeliveries)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.StaleAfter())
	assert.Equal(t, 10, cfg.API.TriggerLimit)
	assert.Equal(t, time.Minute, cfg.API.TriggerWindow())

	loc, err := cfg.Scheduler.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Istanbul", loc.String())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
app:
  port: 8100
store:
  driver: memory
broker:
  driver: memory
jwt:
  alg: HS256
  hs_secret: file-secret
scheduler:
  timezone: UTC
  phrases: ["hi", "hello"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8100, cfg.App.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "file-secret", cfg.JWT.HSSecret)
	assert.Equal(t, []string{"hi", "hello"}, cfg.Scheduler.Phrases)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	t.Setenv("JWT_HS_SECRET", "secret")

	cases := map[string]string{
		"BROKER_DRIVER":              "rabbit",
		"STORE_DRIVER":               "sql",
		"SCHEDULER_LATEST_HOUR":      "25",
		"SCHEDULER_TIMEZONE":         "Mars/Olympus",
		"SCHEDULER_MAX_DAYS_AHEAD":   "0",
		"API_TRIGGER_WINDOW_SECONDS": "0",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestValidateRequiresSecretForHS256(t *testing.T) {
	t.Setenv("JWT_HS_SECRET", "")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.hs_secret")
}
