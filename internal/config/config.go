package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the dispatch server.
// Precedence, lowest first: defaults, CONFIG_FILE (YAML), .env, process env.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"http_read_timeout"`
	WriteTimeout    time.Duration `yaml:"http_write_timeout"`
	IdleTimeout     time.Duration `yaml:"http_idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"http_shutdown_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisGeoKey   string `yaml:"redis_geo_key"`

	KafkaBrokers     []string `yaml:"kafka_brokers"`
	KafkaTopic       string   `yaml:"kafka_topic"`
	KafkaEventsTopic string   `yaml:"kafka_events_topic"`

	PGDSN         string `yaml:"pg_dsn"`
	RunMigrations bool   `yaml:"migrate"`

	JWTSecret string        `yaml:"jwt_secret"`
	JWTTTL    time.Duration `yaml:"jwt_ttl"`

	MatchWindowMin       int           `yaml:"match_window_min"`
	MatchDeadlineMin     int           `yaml:"match_deadline_min"`
	DriverReplyTimeout   time.Duration `yaml:"driver_reply_timeout"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	SweepConcurrency     int           `yaml:"sweep_concurrency"`
	DurationToleranceMin int           `yaml:"duration_tolerance_min"`

	LogLevel string `yaml:"log_level"`
}

func (c ServerConfig) MatchWindow() time.Duration {
	return time.Duration(c.MatchWindowMin) * time.Minute
}

func (c ServerConfig) MatchDeadline() time.Duration {
	return time.Duration(c.MatchDeadlineMin) * time.Minute
}

func (c ServerConfig) DurationTolerance() time.Duration {
	return time.Duration(c.DurationToleranceMin) * time.Minute
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "drivers_geo",
		KafkaTopic:           "driver-locations",
		KafkaEventsTopic:     "booking-events",
		JWTTTL:               24 * time.Hour,
		MatchWindowMin:       90,
		MatchDeadlineMin:     15,
		DriverReplyTimeout:   10 * time.Minute,
		SweepInterval:        15 * time.Minute,
		SweepConcurrency:     8,
		DurationToleranceMin: 15,
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	loadDotEnv(&errs)
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	setDurationFromEnv(&cfg.JWTTTL, "JWT_TTL", &errs)

	setIntFromEnv(&cfg.MatchWindowMin, "MATCH_WINDOW_MIN", &errs)
	setIntFromEnv(&cfg.MatchDeadlineMin, "MATCH_DEADLINE_MIN", &errs)
	setDurationFromEnv(&cfg.DriverReplyTimeout, "DRIVER_REPLY_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setIntFromEnv(&cfg.SweepConcurrency, "SWEEP_CONCURRENCY", &errs)
	setIntFromEnv(&cfg.DurationToleranceMin, "DURATION_TOLERANCE_MIN", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if c.MatchWindowMin <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_WINDOW_MIN must be > 0"))
	}
	if c.MatchDeadlineMin < 0 {
		errs = append(errs, fmt.Errorf("MATCH_DEADLINE_MIN must be >= 0"))
	}
	if c.MatchDeadlineMin >= c.MatchWindowMin {
		errs = append(errs, fmt.Errorf("MATCH_DEADLINE_MIN (%d) must be < MATCH_WINDOW_MIN (%d)", c.MatchDeadlineMin, c.MatchWindowMin))
	}
	if c.DriverReplyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_REPLY_TIMEOUT must be > 0"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	if c.SweepConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_CONCURRENCY must be > 0"))
	}
	if c.DurationToleranceMin < 0 {
		errs = append(errs, fmt.Errorf("DURATION_TOLERANCE_MIN must be >= 0"))
	}
	return errs
}

// ConsumerConfig configures the location consumer process.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	MetricsAddr   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	var errs []error
	loadDotEnv(&errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	return cfg, errors.Join(errs...)
}

// loadDotEnv reads .env (or DOTENV_FILE) into the process env without
// overriding variables that are already set. A missing file is fine.
func loadDotEnv(errs *[]error) {
	path := ".env"
	if v := strings.TrimSpace(os.Getenv("DOTENV_FILE")); v != "" {
		path = v
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		*errs = append(*errs, fmt.Errorf("load %s: %w", path, err))
	}
}

func loadYAML(path string, cfg *ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
