package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration. Defaults cover a local dev
// run with in-memory stores; DATABASE_URL switches the whole stack to
// PostgreSQL.
type Config struct {
	Addr           string
	PublicBaseURL  string
	DatabaseURL    string
	MigrateOnStart bool
	RedisAddr      string
	AdminAPIKey    string
	JWTSecret      string
	SessionTTL     time.Duration

	GrantTTL           time.Duration
	GrantMaxDownloads  int
	GrantWindowStart   int
	GrantWindowEnd     int
	GrantStageInterval time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	AMQPURL      string
	AMQPExchange string

	AttestorURL    string
	AttestorAPIKey string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseTLS    bool
	DownloadURLTTL time.Duration

	SweepInterval       time.Duration
	DispatchInterval    time.Duration
	DispatchBatchSize   int
	DispatchMaxAttempts int
	DispatchBackoff     time.Duration
	DispatchBackoffCap  time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
}

// configFile mirrors the YAML schema. It is separate from Config so
// runtime-only derivations stay internal.
type configFile struct {
	Addr           string `yaml:"addr"`
	PublicBaseURL  string `yaml:"public_base_url"`
	DatabaseURL    string `yaml:"database_url"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
	RedisAddr      string `yaml:"redis_addr"`
	AdminAPIKey    string `yaml:"admin_api_key"`
	JWTSecret      string `yaml:"jwt_secret"`
	SessionTTL     string `yaml:"session_ttl"`
	Grant struct {
		TTL           string `yaml:"ttl"`
		MaxDownloads  int    `yaml:"max_downloads"`
		WindowStart   *int   `yaml:"window_start"`
		WindowEnd     *int   `yaml:"window_end"`
		StageInterval string `yaml:"stage_interval"`
	} `yaml:"grant"`
	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"smtp"`
	AMQP struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"amqp"`
	Attestor struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
	} `yaml:"attestor"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseTLS    bool   `yaml:"use_tls"`
		URLTTL    string `yaml:"url_ttl"`
	} `yaml:"minio"`
	Sweep struct {
		Interval string `yaml:"interval"`
	} `yaml:"sweep"`
	Dispatch struct {
		Interval    string `yaml:"interval"`
		BatchSize   int    `yaml:"batch_size"`
		MaxAttempts int    `yaml:"max_attempts"`
		Backoff     string `yaml:"backoff"`
		BackoffCap  string `yaml:"backoff_cap"`
	} `yaml:"dispatch"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// Load resolves configuration in priority order: defaults, then the YAML
// file (path argument or CONFIG_FILE), then environment variables. A .env
// file in the working directory is folded into the environment first.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:                ":8080",
		PublicBaseURL:       "http://localhost:8080",
		SessionTTL:          12 * time.Hour,
		GrantTTL:            72 * time.Hour,
		GrantMaxDownloads:   5,
		GrantWindowStart:    0,
		GrantWindowEnd:      23,
		GrantStageInterval:  24 * time.Hour,
		AMQPExchange:        "docgrant.notifications",
		DownloadURLTTL:      15 * time.Minute,
		SweepInterval:       5 * time.Minute,
		DispatchInterval:    2 * time.Second,
		DispatchBatchSize:   50,
		DispatchMaxAttempts: 5,
		DispatchBackoff:     30 * time.Second,
		DispatchBackoffCap:  time.Hour,
		RateLimitRPS:        10,
		RateLimitBurst:      20,
	}

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		var f configFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
		applyFile(&cfg, f)
	}

	cfg.Addr = envOrDefault("ADDR", cfg.Addr)
	cfg.PublicBaseURL = envOrDefault("PUBLIC_BASE_URL", cfg.PublicBaseURL)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.MigrateOnStart = envBool("MIGRATE_ON_START", cfg.MigrateOnStart)
	cfg.RedisAddr = envOrDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.AdminAPIKey = envOrDefault("ADMIN_API_KEY", cfg.AdminAPIKey)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.SessionTTL = envDuration("SESSION_TTL", cfg.SessionTTL)

	cfg.GrantTTL = envDuration("GRANT_TTL", cfg.GrantTTL)
	cfg.GrantMaxDownloads = envInt("GRANT_MAX_DOWNLOADS", cfg.GrantMaxDownloads)
	cfg.GrantWindowStart = envInt("GRANT_WINDOW_START", cfg.GrantWindowStart)
	cfg.GrantWindowEnd = envInt("GRANT_WINDOW_END", cfg.GrantWindowEnd)
	cfg.GrantStageInterval = envDuration("GRANT_STAGE_INTERVAL", cfg.GrantStageInterval)

	cfg.SMTPHost = envOrDefault("SMTP_HOST", cfg.SMTPHost)
	cfg.SMTPPort = envInt("SMTP_PORT", cfg.SMTPPort)
	cfg.SMTPUsername = envOrDefault("SMTP_USERNAME", cfg.SMTPUsername)
	cfg.SMTPPassword = envOrDefault("SMTP_PASSWORD", cfg.SMTPPassword)
	cfg.SMTPFrom = envOrDefault("SMTP_FROM", cfg.SMTPFrom)

	cfg.AMQPURL = envOrDefault("AMQP_URL", cfg.AMQPURL)
	cfg.AMQPExchange = envOrDefault("AMQP_EXCHANGE", cfg.AMQPExchange)

	cfg.AttestorURL = envOrDefault("ATTESTOR_URL", cfg.AttestorURL)
	cfg.AttestorAPIKey = envOrDefault("ATTESTOR_API_KEY", cfg.AttestorAPIKey)

	cfg.MinIOEndpoint = envOrDefault("MINIO_ENDPOINT", cfg.MinIOEndpoint)
	cfg.MinIOAccessKey = envOrDefault("MINIO_ACCESS_KEY", cfg.MinIOAccessKey)
	cfg.MinIOSecretKey = envOrDefault("MINIO_SECRET_KEY", cfg.MinIOSecretKey)
	cfg.MinIOBucket = envOrDefault("MINIO_BUCKET", cfg.MinIOBucket)
	cfg.MinIOUseTLS = envBool("MINIO_USE_TLS", cfg.MinIOUseTLS)
	cfg.DownloadURLTTL = envDuration("DOWNLOAD_URL_TTL", cfg.DownloadURLTTL)

	cfg.SweepInterval = envDuration("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.DispatchInterval = envDuration("DISPATCH_INTERVAL", cfg.DispatchInterval)
	cfg.DispatchBatchSize = envInt("DISPATCH_BATCH_SIZE", cfg.DispatchBatchSize)
	cfg.DispatchMaxAttempts = envInt("DISPATCH_MAX_ATTEMPTS", cfg.DispatchMaxAttempts)
	cfg.DispatchBackoff = envDuration("DISPATCH_BACKOFF", cfg.DispatchBackoff)
	cfg.DispatchBackoffCap = envDuration("DISPATCH_BACKOFF_CAP", cfg.DispatchBackoffCap)

	cfg.RateLimitRPS = envFloat("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = envInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the keys each enabled subsystem needs. Subsystems whose
// anchor key is empty stay disabled and skip their checks.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr must not be empty")
	}
	if c.GrantWindowStart < 0 || c.GrantWindowEnd > 23 || c.GrantWindowStart > c.GrantWindowEnd {
		return fmt.Errorf("config: grant window %d-%d is not a valid hour range", c.GrantWindowStart, c.GrantWindowEnd)
	}
	if c.GrantMaxDownloads <= 0 {
		return fmt.Errorf("config: grant max downloads must be positive")
	}
	if c.MinIOEndpoint != "" {
		if c.MinIOAccessKey == "" || c.MinIOSecretKey == "" || c.MinIOBucket == "" {
			return fmt.Errorf("config: minio endpoint set but access key, secret key or bucket missing")
		}
	}
	if c.SMTPHost != "" {
		if c.SMTPFrom == "" {
			return fmt.Errorf("config: smtp host set but from address missing")
		}
		if c.SMTPPort <= 0 {
			return fmt.Errorf("config: smtp host set but port missing")
		}
	}
	if c.DispatchBatchSize <= 0 || c.DispatchMaxAttempts <= 0 {
		return fmt.Errorf("config: dispatch batch size and max attempts must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: rate limit rps and burst must be positive")
	}
	return nil
}

func applyFile(cfg *Config, f configFile) {
	setString(&cfg.Addr, f.Addr)
	setString(&cfg.PublicBaseURL, f.PublicBaseURL)
	setString(&cfg.DatabaseURL, f.DatabaseURL)
	if f.MigrateOnStart {
		cfg.MigrateOnStart = true
	}
	setString(&cfg.RedisAddr, f.RedisAddr)
	setString(&cfg.AdminAPIKey, f.AdminAPIKey)
	setString(&cfg.JWTSecret, f.JWTSecret)
	setDuration(&cfg.SessionTTL, f.SessionTTL)

	setDuration(&cfg.GrantTTL, f.Grant.TTL)
	if f.Grant.MaxDownloads > 0 {
		cfg.GrantMaxDownloads = f.Grant.MaxDownloads
	}
	if f.Grant.WindowStart != nil {
		cfg.GrantWindowStart = *f.Grant.WindowStart
	}
	if f.Grant.WindowEnd != nil {
		cfg.GrantWindowEnd = *f.Grant.WindowEnd
	}
	setDuration(&cfg.GrantStageInterval, f.Grant.StageInterval)

	setString(&cfg.SMTPHost, f.SMTP.Host)
	if f.SMTP.Port > 0 {
		cfg.SMTPPort = f.SMTP.Port
	}
	setString(&cfg.SMTPUsername, f.SMTP.Username)
	setString(&cfg.SMTPPassword, f.SMTP.Password)
	setString(&cfg.SMTPFrom, f.SMTP.From)

	setString(&cfg.AMQPURL, f.AMQP.URL)
	setString(&cfg.AMQPExchange, f.AMQP.Exchange)

	setString(&cfg.AttestorURL, f.Attestor.URL)
	setString(&cfg.AttestorAPIKey, f.Attestor.APIKey)

	setString(&cfg.MinIOEndpoint, f.MinIO.Endpoint)
	setString(&cfg.MinIOAccessKey, f.MinIO.AccessKey)
	setString(&cfg.MinIOSecretKey, f.MinIO.SecretKey)
	setString(&cfg.MinIOBucket, f.MinIO.Bucket)
	if f.MinIO.UseTLS {
		cfg.MinIOUseTLS = true
	}
	setDuration(&cfg.DownloadURLTTL, f.MinIO.URLTTL)

	setDuration(&cfg.SweepInterval, f.Sweep.Interval)
	setDuration(&cfg.DispatchInterval, f.Dispatch.Interval)
	if f.Dispatch.BatchSize > 0 {
		cfg.DispatchBatchSize = f.Dispatch.BatchSize
	}
	if f.Dispatch.MaxAttempts > 0 {
		cfg.DispatchMaxAttempts = f.Dispatch.MaxAttempts
	}
	setDuration(&cfg.DispatchBackoff, f.Dispatch.Backoff)
	setDuration(&cfg.DispatchBackoffCap, f.Dispatch.BackoffCap)

	if f.RateLimit.RPS > 0 {
		cfg.RateLimitRPS = f.RateLimit.RPS
	}
	if f.RateLimit.Burst > 0 {
		cfg.RateLimitBurst = f.RateLimit.Burst
	}
}

// --- helpers ---

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

// envOrDefault returns an env var when present, otherwise the provided fallback.
func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt parses integer env vars with safe fallback on empty/invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

// envBool parses common boolean env forms while keeping a deterministic fallback.
func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

// envDuration accepts time.ParseDuration strings such as "90s" or "1h30m".
func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
