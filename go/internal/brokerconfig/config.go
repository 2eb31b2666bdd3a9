package brokerconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable pointing at an optional YAML config file.
const FileEnv = "BROKER_CONFIG"

// Config holds every broker setting. Environment variables win over the YAML
// file, which wins over defaults.
type Config struct {
	Port string `yaml:"port"`

	ControllerTokenSecret string   `yaml:"controller_token_secret"`
	DeviceTokenSecret     string   `yaml:"device_token_secret"`
	VerificationToken     string   `yaml:"verification_token"`
	AllowedOrigins        []string `yaml:"allowed_origins"`

	TLSCertPath string `yaml:"tls_cert_path"`
	TLSKeyPath  string `yaml:"tls_key_path"`

	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	RateLimitRequests int           `yaml:"rate_limit_requests"`

	ExpiryGrace  time.Duration `yaml:"expiry_grace"`
	TimerCeiling time.Duration `yaml:"timer_ceiling"`

	WSWriteTimeout   time.Duration `yaml:"ws_write_timeout"`
	WSReadTimeout    time.Duration `yaml:"ws_read_timeout"`
	WSPingInterval   time.Duration `yaml:"ws_ping_interval"`
	WSMaxMessageSize int64         `yaml:"ws_max_message_size"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:              "8080",
		NATSSubjectPrefix: "botlink.sessions",
		RateLimitWindow:   15 * time.Minute,
		RateLimitRequests: 100,
		ExpiryGrace:       time.Second,
		TimerCeiling:      2147483647 * time.Millisecond,
		WSWriteTimeout:    10 * time.Second,
		WSReadTimeout:     60 * time.Second,
		WSPingInterval:    30 * time.Second,
		WSMaxMessageSize:  64 * 1024,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment. It does not validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.ControllerTokenSecret = getEnv("CLIENT_TOKEN_SECRET", cfg.ControllerTokenSecret)
	cfg.DeviceTokenSecret = getEnv("BOT_TOKEN_SECRET", cfg.DeviceTokenSecret)
	cfg.VerificationToken = getEnv("VERIFICATION_TOKEN", cfg.VerificationToken)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}

	cfg.TLSCertPath = getEnv("SSL_CERT_PATH", cfg.TLSCertPath)
	cfg.TLSKeyPath = getEnv("SSL_KEY_PATH", cfg.TLSKeyPath)

	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSSubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)

	cfg.RateLimitWindow = getEnvAsDuration("RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.RateLimitRequests = getEnvAsInt("RATE_LIMIT_REQUESTS", cfg.RateLimitRequests)

	cfg.ExpiryGrace = getEnvAsDuration("EXPIRY_GRACE", cfg.ExpiryGrace)
	cfg.TimerCeiling = getEnvAsDuration("TIMER_CEILING", cfg.TimerCeiling)

	cfg.WSWriteTimeout = getEnvAsDuration("WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)
	cfg.WSReadTimeout = getEnvAsDuration("WS_READ_TIMEOUT", cfg.WSReadTimeout)
	cfg.WSPingInterval = getEnvAsDuration("WS_PING_INTERVAL", cfg.WSPingInterval)
	cfg.WSMaxMessageSize = int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", int(cfg.WSMaxMessageSize)))

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
}

// Validate reports every missing required setting at once.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.ControllerTokenSecret) == "" {
		missing = append(missing, "CLIENT_TOKEN_SECRET")
	}
	if strings.TrimSpace(c.DeviceTokenSecret) == "" {
		missing = append(missing, "BOT_TOKEN_SECRET")
	}
	if strings.TrimSpace(c.VerificationToken) == "" {
		missing = append(missing, "VERIFICATION_TOKEN")
	}
	if len(c.AllowedOrigins) == 0 {
		missing = append(missing, "ALLOWED_ORIGINS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("SSL_CERT_PATH and SSL_KEY_PATH must be set together")
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return errors.New("rate limit window and request count must be positive")
	}

	var invalid []string
	if c.WSWriteTimeout <= 0 {
		invalid = append(invalid, "WS_WRITE_TIMEOUT")
	}
	if c.WSReadTimeout <= 0 {
		invalid = append(invalid, "WS_READ_TIMEOUT")
	}
	if c.WSPingInterval <= 0 {
		invalid = append(invalid, "WS_PING_INTERVAL")
	}
	if c.WSMaxMessageSize <= 0 {
		invalid = append(invalid, "WS_MAX_MESSAGE_SIZE")
	}
	if len(invalid) > 0 {
		return fmt.Errorf("configuration must be positive: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// TLSEnabled reports whether a certificate and key are configured
func (c Config) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring non-integer setting")
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid duration setting")
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
