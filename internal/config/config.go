// Package config loads service settings from struct defaults, an optional
// YAML file and DEVICEHUB_* environment variables, in that order.
package config

import (
	"time"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	NATS     NATSConfig     `koanf:"nats"`
	Adapters AdapterConfig  `koanf:"adapters"`
	Sessions SessionConfig  `koanf:"sessions"`
	Events   EventConfig    `koanf:"events"`
	Health   HealthConfig   `koanf:"health"`
	Crypto   CryptoConfig   `koanf:"crypto"`
	Devices  DeviceConfig   `koanf:"devices"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimit       int           `koanf:"rate_limit"` // requests/min per IP, 0 disables
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// DatabaseConfig selects Postgres persistence. An empty DSN keeps all
// state in memory.
type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
}

// RedisConfig enables the live cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// NATSConfig enables the message bus. An empty URL disables it.
type NATSConfig struct {
	URL            string  `koanf:"url"`
	SubjectPrefix  string  `koanf:"subject_prefix"`
	IngestSubject  string  `koanf:"ingest_subject"`
	IngestRate     float64 `koanf:"ingest_rate"`
	IngestBurst    int     `koanf:"ingest_burst"`
	PublishRetries int     `koanf:"publish_retries"`
}

type AdapterConfig struct {
	Timeout          time.Duration `koanf:"timeout"`
	BreakerThreshold uint32        `koanf:"breaker_threshold"`
	BreakerOpen      time.Duration `koanf:"breaker_open"`
	SIP              SIPConfig     `koanf:"sip"`
}

type SIPConfig struct {
	LocalID    string `koanf:"local_id"`
	LocalIP    string `koanf:"local_ip"`
	LocalPort  int    `koanf:"local_port"`
	RTPPortMin int    `koanf:"rtp_port_min"`
	RTPPortMax int    `koanf:"rtp_port_max"`
}

type SessionConfig struct {
	AllowShared       bool          `koanf:"allow_shared"`
	DisconnectTimeout time.Duration `koanf:"disconnect_timeout"`
}

type EventConfig struct {
	Retention       time.Duration `koanf:"retention"`
	MemoryRetention int           `koanf:"memory_retention"`
	ExtraTypes      []string      `koanf:"extra_types"`
	DedupSize       int           `koanf:"dedup_size"`
	DedupTTL        time.Duration `koanf:"dedup_ttl"`
}

type HealthConfig struct {
	Interval  time.Duration `koanf:"interval"`
	Workers   int           `koanf:"workers"`
	MaxJitter time.Duration `koanf:"max_jitter"`
}

// CryptoConfig holds the master keys that seal device passwords at rest.
// Keys is a JSON array of {"kid","material"}; both empty stores plaintext.
type CryptoConfig struct {
	Keys      string `koanf:"keys"`
	ActiveKID string `koanf:"active_kid"`
}

type DeviceConfig struct {
	SeedFile string `koanf:"seed_file"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimit:       600,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		NATS: NATSConfig{
			IngestSubject:  "detections.ingest",
			IngestRate:     500,
			IngestBurst:    50,
			PublishRetries: 3,
		},
		Adapters: AdapterConfig{
			Timeout:          5 * time.Second,
			BreakerThreshold: 3,
			BreakerOpen:      30 * time.Second,
			SIP: SIPConfig{
				LocalID:    "34020000002000000001",
				RTPPortMin: 30000,
				RTPPortMax: 30100,
			},
		},
		Sessions: SessionConfig{
			DisconnectTimeout: 5 * time.Second,
		},
		Events: EventConfig{
			Retention:       7 * 24 * time.Hour,
			MemoryRetention: 100000,
			DedupSize:       10000,
			DedupTTL:        10 * time.Minute,
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
			Workers:  16,
		},
	}
}
