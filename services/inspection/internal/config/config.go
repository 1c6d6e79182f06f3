package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with LEMMA_CONFIG.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string `yaml:"port"`
	LogLevel       string `yaml:"logLevel"`
	DatabaseDriver string `yaml:"databaseDriver"`
	DatabaseURL    string `yaml:"databaseURL"`

	RedisAddr          string `yaml:"redisAddr"`
	RedisPassword      string `yaml:"redisPassword"`
	RelayChannelPrefix string `yaml:"relayChannelPrefix"`

	EventRateLimitPerMinute int      `yaml:"eventRateLimitPerMinute"`
	ChatRateLimitPerMinute  int      `yaml:"chatRateLimitPerMinute"`
	TrustedProxies          []string `yaml:"trustedProxies"`

	StreamTimeout     string `yaml:"streamTimeout"`
	HeartbeatInterval string `yaml:"heartbeatInterval"`
	SocketIdleTimeout string `yaml:"socketIdleTimeout"`
	SubscriberBuffer  int    `yaml:"subscriberBuffer"`
	MaxBodyBytes      int64  `yaml:"maxBodyBytes"`

	AdminUsername string `yaml:"adminUsername"`
	AdminPassword string `yaml:"adminPassword"`
	JWTSecret     string `yaml:"jwtSecret"`
	JWTTTL        string `yaml:"jwtTTL"`

	MinioEndpoint   string `yaml:"minioEndpoint"`
	MinioAccessKey  string `yaml:"minioAccessKey"`
	MinioSecretKey  string `yaml:"minioSecretKey"`
	MinioBucket     string `yaml:"minioBucket"`
	MinioUseSSL     bool   `yaml:"minioUseSSL"`
	ArchiveLinkTTL  string `yaml:"archiveLinkTTL"`
	ReportFont      string `yaml:"reportFont"`
	ReportLatinFont string `yaml:"reportLatinFont"`
}

// Durations holds the parsed duration settings.
type Durations struct {
	StreamTimeout     time.Duration
	HeartbeatInterval time.Duration
	SocketIdleTimeout time.Duration
	JWTTTL            time.Duration
	ArchiveLinkTTL    time.Duration
}

func defaults() FileConfig {
	return FileConfig{
		Port:                    "5001",
		LogLevel:                "info",
		DatabaseDriver:          "sqlite",
		DatabaseURL:             "lemma_check_house.db",
		RelayChannelPrefix:      "lemma:realtime:",
		EventRateLimitPerMinute: 30,
		ChatRateLimitPerMinute:  120,
		StreamTimeout:           "30m",
		HeartbeatInterval:       "25s",
		SocketIdleTimeout:       "2m",
		SubscriberBuffer:        32,
		MaxBodyBytes:            32 << 20,
		AdminUsername:           "admin",
		JWTTTL:                  "12h",
		MinioBucket:             "lemma-reports",
		ArchiveLinkTTL:          "24h",
		ReportFont:              "Microsoft JhengHei",
		ReportLatinFont:         "Arial",
	}
}

// Load reads config from path. An empty path uses LEMMA_CONFIG or ConfigPath;
// a missing default file leaves the defaults in place.
func Load(path string) (FileConfig, error) {
	cfg := defaults()
	explicit := path != ""
	if !explicit {
		if v := os.Getenv("LEMMA_CONFIG"); v != "" {
			path, explicit = v, true
		} else {
			path = ConfigPath
		}
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.DatabaseDriver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}
	if v := os.Getenv("LEMMA_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("LEMMA_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("LEMMA_CHAT_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChatRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LEMMA_EVENT_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventRateLimitPerMinute = n
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	switch cfg.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: databaseDriver must be sqlite or postgres, got %q", cfg.DatabaseDriver)
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.EventRateLimitPerMinute < 0 || cfg.ChatRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.SubscriberBuffer <= 0 {
		return errors.New("config: subscriberBuffer must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return errors.New("config: maxBodyBytes must be > 0")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "") {
		return errors.New("config: minioAccessKey, minioSecretKey and minioBucket are required when minioEndpoint is set")
	}
	if _, err := ParseDurations(cfg); err != nil {
		return err
	}
	return nil
}

// ParseDurations parses the duration fields of cfg.
func ParseDurations(cfg FileConfig) (Durations, error) {
	var d Durations
	var err error
	if d.StreamTimeout, err = parseDuration("streamTimeout", cfg.StreamTimeout); err != nil {
		return d, err
	}
	if d.HeartbeatInterval, err = parseDuration("heartbeatInterval", cfg.HeartbeatInterval); err != nil {
		return d, err
	}
	if d.SocketIdleTimeout, err = parseDuration("socketIdleTimeout", cfg.SocketIdleTimeout); err != nil {
		return d, err
	}
	if d.JWTTTL, err = parseDuration("jwtTTL", cfg.JWTTTL); err != nil {
		return d, err
	}
	if d.ArchiveLinkTTL, err = parseDuration("archiveLinkTTL", cfg.ArchiveLinkTTL); err != nil {
		return d, err
	}
	if d.HeartbeatInterval >= d.StreamTimeout {
		return d, errors.New("config: heartbeatInterval must be shorter than streamTimeout")
	}
	return d, nil
}

func parseDuration(name, value string) (time.Duration, error) {
	dur, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", name, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("config: %s must be > 0", name)
	}
	return dur, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
