package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Forecast.ExpiryDays)
	assert.Equal(t, 60, cfg.Forecast.MinTrainingDays)
	assert.Equal(t, 2000, cfg.Backfill.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Forecast.TrainingTimeout)
	assert.InDelta(t, 0.8, cfg.Forecast.IntervalWidth, 1e-9)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("FORECAST_EXPIRY_DAYS", "14")
	t.Setenv("FORECAST_TRAINING_TIMEOUT", "2m")
	t.Setenv("ALERT_ANOMALY_THRESHOLD", "0.5")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 14, cfg.Forecast.ExpiryDays)
	assert.Equal(t, 2*time.Minute, cfg.Forecast.TrainingTimeout)
	assert.InDelta(t, 0.5, cfg.Alerting.Threshold, 1e-9)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("FORECAST_MIN_TRAINING_DAYS", "sixty")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Forecast.MinTrainingDays)
}

func TestValidate(t *testing.T) {
	t.Setenv("FORECAST_INTERVAL_WIDTH", "1.5")

	_, err := Load()
	assert.Error(t, err)
}

func TestConnectionString(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=n sslmode=disable", d.ConnectionString())
}
