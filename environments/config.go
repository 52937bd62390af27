package environments

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Channel   ChannelConfig
	Broadcast BroadcastConfig
	Alert     AlertConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ChannelConfig configures the external message channel endpoint.
type ChannelConfig struct {
	URL     string
	AuthKey string
	Timeout time.Duration
}

// BroadcastConfig configures the poller and the batch dispatcher.
type BroadcastConfig struct {
	PollInterval       time.Duration
	InitialDelay       time.Duration
	BatchSize          int
	InterBatchDelay    time.Duration
	MaxSendAttempts    int
	StuckProcessingAge time.Duration
}

type AlertConfig struct {
	WebhookURL     string
	IterationCount int
}

type AuthConfig struct {
	BroadcastsAPIKey string
	SchedulerAPIKey  string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port: GetEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Host:     GetEnv("DB_HOST", "localhost"),
			Port:     GetEnv("DB_PORT", "3306"),
			User:     GetEnv("DB_USER", "broadcast"),
			Password: GetEnv("DB_PASSWORD", "broadcast123"),
			DBName:   GetEnv("DB_NAME", "broadcast_dispatch"),
		},
		Redis: RedisConfig{
			Host:     GetEnv("REDIS_HOST", "localhost"),
			Port:     GetEnv("REDIS_PORT", "6379"),
			Password: GetEnv("REDIS_PASSWORD", ""),
			DB:       GetEnvAsInt("REDIS_DB", 0),
		},
		Channel: ChannelConfig{
			URL:     GetEnv("CHANNEL_URL", "https://webhook.site/your-unique-id"),
			AuthKey: GetEnv("CHANNEL_AUTH_KEY", ""),
			Timeout: time.Duration(GetEnvAsInt("CHANNEL_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Broadcast: BroadcastConfig{
			PollInterval:       time.Duration(GetEnvAsInt("BROADCAST_POLL_INTERVAL_SECONDS", 60)) * time.Second,
			InitialDelay:       time.Duration(GetEnvAsInt("BROADCAST_INITIAL_DELAY_SECONDS", 5)) * time.Second,
			BatchSize:          GetEnvAsInt("BROADCAST_BATCH_SIZE", 100),
			InterBatchDelay:    time.Duration(GetEnvAsInt("BROADCAST_INTER_BATCH_DELAY_MS", 1000)) * time.Millisecond,
			MaxSendAttempts:    GetEnvAsInt("BROADCAST_MAX_SEND_ATTEMPTS", 3),
			StuckProcessingAge: GetEnvAsDuration("BROADCAST_STUCK_PROCESSING_AGE", 30*time.Minute),
		},
		Alert: AlertConfig{
			WebhookURL:     GetEnv("ALERT_WEBHOOK_URL", ""),
			IterationCount: GetEnvAsInt("ALERT_ITERATION_COUNT", 0),
		},
		Auth: AuthConfig{
			BroadcastsAPIKey: GetEnv("BROADCASTS_API_KEY", ""),
			SchedulerAPIKey:  GetEnv("SCHEDULER_API_KEY", ""),
		},
	}
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
