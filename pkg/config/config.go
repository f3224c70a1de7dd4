package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Forecast ForecastConfig
	Backfill BackfillConfig
	Alerting AlertingConfig
	Metrics  MetricsConfig
	SMTP     SMTPConfig
	Log      LogConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers        []string
	TopicMetrics   string
	TopicAnomalies string
	NumPartitions  int
	ConsumerGroup  string
	BatchSize      int
	FlushInterval  time.Duration
}

// ForecastConfig holds the model lifecycle constants. ExpiryDays and
// MinTrainingDays are independent: the first bounds how long a trained model
// is reused, the second how much history a model needs before it is fit.
type ForecastConfig struct {
	ExpiryDays      int
	MinTrainingDays int
	TrainingTimeout time.Duration
	IntervalWidth   float64
	FourierOrder    int
}

type BackfillConfig struct {
	BatchSize   int
	Concurrency int
	DailyTime   string
}

type AlertingConfig struct {
	Threshold float64
}

type MetricsConfig struct {
	Addr string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

type LogConfig struct {
	Mode string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "bite_user"),
			Password: getEnv("DB_PASSWORD", "bite_pass"),
			DBName:   getEnv("DB_NAME", "bite_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:        strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicMetrics:   getEnv("KAFKA_TOPIC_METRICS", "bite.metrics.raw"),
			TopicAnomalies: getEnv("KAFKA_TOPIC_ANOMALIES", "bite.anomalies"),
			NumPartitions:  getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),
			ConsumerGroup:  getEnv("KAFKA_CONSUMER_GROUP", "scorer-group"),
			BatchSize:      getEnvAsInt("KAFKA_BATCH_SIZE", 100),
			FlushInterval:  getEnvAsDuration("KAFKA_FLUSH_INTERVAL", 5*time.Second),
		},
		Forecast: ForecastConfig{
			ExpiryDays:      getEnvAsInt("FORECAST_EXPIRY_DAYS", 30),
			MinTrainingDays: getEnvAsInt("FORECAST_MIN_TRAINING_DAYS", 60),
			TrainingTimeout: getEnvAsDuration("FORECAST_TRAINING_TIMEOUT", 30*time.Second),
			IntervalWidth:   getEnvAsFloat("FORECAST_INTERVAL_WIDTH", 0.8),
			FourierOrder:    getEnvAsInt("FORECAST_FOURIER_ORDER", 10),
		},
		Backfill: BackfillConfig{
			BatchSize:   getEnvAsInt("BACKFILL_BATCH_SIZE", 2000),
			Concurrency: getEnvAsInt("BACKFILL_CONCURRENCY", 4),
			DailyTime:   getEnv("BACKFILL_DAILY_TIME", "02:00"),
		},
		Alerting: AlertingConfig{
			Threshold: getEnvAsFloat("ALERT_ANOMALY_THRESHOLD", 0.25),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "bite-anomaly@example.com"),
			To:       getEnv("SMTP_TO", "admin@example.com"),
		},
		Log: LogConfig{
			Mode: getEnv("LOG_MODE", "development"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects values the engine cannot work with
func (c *Config) Validate() error {
	if c.Forecast.ExpiryDays <= 0 {
		return fmt.Errorf("FORECAST_EXPIRY_DAYS must be positive, got %d", c.Forecast.ExpiryDays)
	}
	if c.Forecast.MinTrainingDays <= 0 {
		return fmt.Errorf("FORECAST_MIN_TRAINING_DAYS must be positive, got %d", c.Forecast.MinTrainingDays)
	}
	if c.Forecast.IntervalWidth <= 0 || c.Forecast.IntervalWidth >= 1 {
		return fmt.Errorf("FORECAST_INTERVAL_WIDTH must be in (0,1), got %v", c.Forecast.IntervalWidth)
	}
	if c.Backfill.BatchSize <= 0 {
		return fmt.Errorf("BACKFILL_BATCH_SIZE must be positive, got %d", c.Backfill.BatchSize)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
