package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents the server configuration sourced from the environment.
// Empty connection settings leave the matching dependency disabled.
type Config struct {
	AppName          string
	InstanceID       string
	CollabAddr       string
	DocumentAddr     string
	MetricsAddr      string
	PostgresURL      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	ObjectEndpoint   string
	ObjectRegion     string
	ObjectBucket     string
	ObjectAccessKey  string
	ObjectSecretKey  string
	ObjectUseSSL     bool
	ShutdownTimeout  time.Duration
	HealthcheckProbe time.Duration
	OTLPEndpoint     string

	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	PresenceTTL        time.Duration
	ArchiveInterval    time.Duration
	HistoryCacheSize   int
}

// Load reads configuration from the environment while applying defaults
// suited to local development.
func Load() (Config, error) {
	host, _ := os.Hostname()
	cfg := Config{
		AppName:          getEnv("APP_NAME", "doclet"),
		InstanceID:       getEnv("DOCLET_INSTANCE_ID", host),
		CollabAddr:       getEnv("DOCLET_COLLAB_ADDR", ":8090"),
		DocumentAddr:     getEnv("DOCLET_DOCUMENT_ADDR", ":8080"),
		MetricsAddr:      getEnv("METRICS_LISTEN_ADDR", ":9090"),
		PostgresURL:      getEnv("DOCLET_DATABASE_URL", os.Getenv("POSTGRES_URL")),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getInt("REDIS_DB", 0),
		ObjectEndpoint:   os.Getenv("OBJECT_ENDPOINT"),
		ObjectRegion:     getEnv("OBJECT_REGION", "us-east-1"),
		ObjectBucket:     getEnv("OBJECT_BUCKET", "doclet-snapshots"),
		ObjectAccessKey:  os.Getenv("OBJECT_ACCESS_KEY"),
		ObjectSecretKey:  os.Getenv("OBJECT_SECRET_KEY"),
		ObjectUseSSL:     getBool("OBJECT_USE_SSL", false),
		ShutdownTimeout:  getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		HealthcheckProbe: getDuration("HEALTHCHECK_INTERVAL", 30*time.Second),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		HeartbeatInterval:  getDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTolerance: getInt("WS_HEARTBEAT_TOLERANCE", 2),
		SendBuffer:         getInt("WS_SEND_BUFFER", 256),
		WriteTimeout:       getDuration("WS_WRITE_TIMEOUT", 5*time.Second),
		PresenceTTL:        getDuration("PRESENCE_TTL", 45*time.Second),
		ArchiveInterval:    getDuration("SNAPSHOT_ARCHIVE_INTERVAL", time.Minute),
		HistoryCacheSize:   getInt("HISTORY_CACHE_SIZE", 64),
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = cfg.AppName
	}

	if cfg.ObjectEndpoint != "" && (cfg.ObjectAccessKey == "" || cfg.ObjectSecretKey == "") {
		return Config{}, fmt.Errorf("object storage credentials must be provided")
	}
	if cfg.SendBuffer <= 0 {
		return Config{}, fmt.Errorf("WS_SEND_BUFFER must be positive, got %d", cfg.SendBuffer)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
