package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const configPathEnv = "SOMATIC_CONFIG"

// Config holds settings for both the ingestion API and the relay worker.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Queue    QueueConfig    `yaml:"queue"`
	Delivery DeliveryConfig `yaml:"delivery"`
	IPIntel  IPIntelConfig  `yaml:"ipintel"`
	Admin    AdminConfig    `yaml:"admin"`
	Limits   LimitsConfig   `yaml:"limits"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port      string `yaml:"port"`
	RelayPort string `yaml:"relayPort"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

type PostgresConfig struct {
	URL string `yaml:"url"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// QueueConfig drives the client-side submission queue.
type QueueConfig struct {
	Backend         string        `yaml:"backend"` // memory, file, redis
	Dir             string        `yaml:"dir"`
	Namespace       string        `yaml:"namespace"`
	MaxRetries      int           `yaml:"maxRetries"`
	MinBackoff      time.Duration `yaml:"minBackoff"`
	MaxBackoff      time.Duration `yaml:"maxBackoff"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
	InitialDelay    time.Duration `yaml:"initialDelay"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	MaxAge          time.Duration `yaml:"maxAge"`
	MaxLength       int           `yaml:"maxLength"`
	MaxPayloadSize  int           `yaml:"maxPayloadSize"`
}

type DeliveryConfig struct {
	BaseURL       string        `yaml:"baseUrl"`
	Timeout       time.Duration `yaml:"timeout"`
	ProbeInterval time.Duration `yaml:"probeInterval"`
}

type IPIntelConfig struct {
	Enabled         bool          `yaml:"enabled"`
	CacheTTL        time.Duration `yaml:"cacheTtl"`
	ProviderTimeout time.Duration `yaml:"providerTimeout"`
	Deadline        time.Duration `yaml:"deadline"`
	IPAPIURL        string        `yaml:"ipApiUrl"`
	IPInfoURL       string        `yaml:"ipInfoUrl"`
	IPInfoToken     string        `yaml:"ipInfoToken"`
	IPWhoURL        string        `yaml:"ipWhoUrl"`
}

type AdminConfig struct {
	Password          string        `yaml:"password"`
	MaxFailedAttempts int           `yaml:"maxFailedAttempts"`
	LockoutDuration   time.Duration `yaml:"lockoutDuration"`
}

// RateLimitConfig allows Requests per Window for each client IP.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type LimitsConfig struct {
	API   RateLimitConfig `yaml:"api"`
	Admin RateLimitConfig `yaml:"admin"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load returns defaults, overlaid by the YAML file named in SOMATIC_CONFIG
// and finally by environment variables.
func Load() Config {
	cfg := Default()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			cfg = Default()
		}
	}

	cfg.applyEnv()
	return cfg
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:   ServerConfig{Port: "8080", RelayPort: "8081"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		RabbitMQ: RabbitMQConfig{Exchange: "visits"},
		Queue: QueueConfig{
			Backend:         "file",
			Dir:             "./data/queue",
			Namespace:       "somatic",
			MaxRetries:      5,
			MinBackoff:      2 * time.Second,
			MaxBackoff:      5 * time.Minute,
			SweepInterval:   30 * time.Second,
			InitialDelay:    3 * time.Second,
			CleanupInterval: time.Hour,
			MaxAge:          7 * 24 * time.Hour,
			MaxLength:       100,
			MaxPayloadSize:  256 << 10,
		},
		Delivery: DeliveryConfig{
			BaseURL:       "http://localhost:8080",
			Timeout:       25 * time.Second,
			ProbeInterval: 15 * time.Second,
		},
		IPIntel: IPIntelConfig{
			Enabled:         true,
			CacheTTL:        600 * time.Second,
			ProviderTimeout: 3 * time.Second,
			Deadline:        8 * time.Second,
			IPAPIURL:        "http://ip-api.com",
			IPInfoURL:       "https://ipinfo.io",
			IPWhoURL:        "https://ipwho.is",
		},
		Admin: AdminConfig{MaxFailedAttempts: 5, LockoutDuration: 15 * time.Minute},
		Limits: LimitsConfig{
			API:   RateLimitConfig{Requests: 50, Window: 5 * time.Minute},
			Admin: RateLimitConfig{Requests: 10, Window: time.Minute},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.RelayPort = getEnv("RELAY_PORT", c.Server.RelayPort)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Postgres.URL = getEnv("DB_URL", c.Postgres.URL)
	c.RabbitMQ.URL = getEnv("RABBITMQ_URL", c.RabbitMQ.URL)
	c.RabbitMQ.Exchange = getEnv("RABBITMQ_EXCHANGE", c.RabbitMQ.Exchange)

	c.Queue.Backend = strings.ToLower(getEnv("QUEUE_BACKEND", c.Queue.Backend))
	c.Queue.Dir = getEnv("QUEUE_DIR", c.Queue.Dir)
	c.Queue.Namespace = getEnv("QUEUE_NAMESPACE", c.Queue.Namespace)
	c.Queue.MaxRetries = getEnvInt("QUEUE_MAX_RETRIES", c.Queue.MaxRetries)
	c.Queue.MinBackoff = getEnvDuration("QUEUE_MIN_BACKOFF", c.Queue.MinBackoff)
	c.Queue.MaxBackoff = getEnvDuration("QUEUE_MAX_BACKOFF", c.Queue.MaxBackoff)
	c.Queue.SweepInterval = getEnvDuration("QUEUE_SWEEP_INTERVAL", c.Queue.SweepInterval)
	c.Queue.InitialDelay = getEnvDuration("QUEUE_INITIAL_DELAY", c.Queue.InitialDelay)
	c.Queue.CleanupInterval = getEnvDuration("QUEUE_CLEANUP_INTERVAL", c.Queue.CleanupInterval)
	c.Queue.MaxAge = getEnvDuration("QUEUE_MAX_AGE", c.Queue.MaxAge)
	c.Queue.MaxLength = getEnvInt("QUEUE_MAX_LENGTH", c.Queue.MaxLength)
	c.Queue.MaxPayloadSize = getEnvInt("QUEUE_MAX_PAYLOAD_SIZE", c.Queue.MaxPayloadSize)

	c.Delivery.BaseURL = strings.TrimRight(getEnv("BACKEND_URL", c.Delivery.BaseURL), "/")
	c.Delivery.Timeout = getEnvDuration("DELIVERY_TIMEOUT", c.Delivery.Timeout)
	c.Delivery.ProbeInterval = getEnvDuration("DELIVERY_PROBE_INTERVAL", c.Delivery.ProbeInterval)

	c.IPIntel.Enabled = getEnvBool("IPINTEL_ENABLED", c.IPIntel.Enabled)
	c.IPIntel.CacheTTL = getEnvDuration("IPINTEL_CACHE_TTL", c.IPIntel.CacheTTL)
	c.IPIntel.ProviderTimeout = getEnvDuration("IPINTEL_PROVIDER_TIMEOUT", c.IPIntel.ProviderTimeout)
	c.IPIntel.Deadline = getEnvDuration("IPINTEL_DEADLINE", c.IPIntel.Deadline)
	c.IPIntel.IPAPIURL = getEnv("IPAPI_URL", c.IPIntel.IPAPIURL)
	c.IPIntel.IPInfoURL = getEnv("IPINFO_URL", c.IPIntel.IPInfoURL)
	c.IPIntel.IPInfoToken = getEnv("IPINFO_TOKEN", c.IPIntel.IPInfoToken)
	c.IPIntel.IPWhoURL = getEnv("IPWHO_URL", c.IPIntel.IPWhoURL)

	c.Admin.Password = getEnv("ADMIN_PASSWORD", c.Admin.Password)
	c.Admin.MaxFailedAttempts = getEnvInt("ADMIN_MAX_FAILED_ATTEMPTS", c.Admin.MaxFailedAttempts)
	c.Admin.LockoutDuration = getEnvDuration("ADMIN_LOCKOUT_DURATION", c.Admin.LockoutDuration)
	c.Limits.API.Requests = getEnvInt("RATE_LIMIT_API_REQUESTS", c.Limits.API.Requests)
	c.Limits.API.Window = getEnvDuration("RATE_LIMIT_API_WINDOW", c.Limits.API.Window)
	c.Limits.Admin.Requests = getEnvInt("RATE_LIMIT_ADMIN_REQUESTS", c.Limits.Admin.Requests)
	c.Limits.Admin.Window = getEnvDuration("RATE_LIMIT_ADMIN_WINDOW", c.Limits.Admin.Window)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, err := fmt.Sscanf(v, "%d", &n)
		if err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration accepts Go duration strings ("30s") or plain seconds ("30").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
