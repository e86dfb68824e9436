package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

type Config struct {
	Port           string   `envconfig:"PORT" default:"8080"`
	Environment    string   `envconfig:"APP_ENV" default:"development"`
	StoreDriver    string   `envconfig:"STORE_DRIVER" default:"mongo"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:5173"`

	Mongo     MongoConfig
	JWT       JWTConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Log       LogConfig
	Matcher   MatcherConfig
	Tracking  TrackingConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig
}

type MongoConfig struct {
	URI      string `envconfig:"MONGO_URI"`
	Database string `envconfig:"MONGO_DATABASE" default:"transport"`
}

type JWTConfig struct {
	Secret string        `envconfig:"JWT_SECRET"`
	Expiry time.Duration `envconfig:"JWT_EXPIRY" default:"24h"`
}

// RedisConfig holds connection settings for the shared Redis client.
type RedisConfig struct {
	Enabled             bool          `envconfig:"REDIS_ENABLED" default:"false"`
	URL                 string        `envconfig:"REDIS_URL"`
	Host                string        `envconfig:"REDIS_HOST" default:"localhost"`
	Port                string        `envconfig:"REDIS_PORT" default:"6379"`
	Password            string        `envconfig:"REDIS_PASSWORD"`
	DB                  int           `envconfig:"REDIS_DB" default:"0"`
	PoolSize            int           `envconfig:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns        int           `envconfig:"REDIS_MIN_IDLE_CONNS" default:"2"`
	MaxRetries          int           `envconfig:"REDIS_MAX_RETRIES" default:"3"`
	RetryDelay          time.Duration `envconfig:"REDIS_RETRY_DELAY" default:"100ms"`
	DialTimeout         time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout         time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout        time.Duration `envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
	PoolTimeout         time.Duration `envconfig:"REDIS_POOL_TIMEOUT" default:"4s"`
	HealthCheckInterval time.Duration `envconfig:"REDIS_HEALTH_CHECK_INTERVAL" default:"30s"`
}

type KafkaConfig struct {
	Brokers          []string `envconfig:"KAFKA_BROKERS"`
	Topic            string   `envconfig:"KAFKA_TOPIC" default:"transport-events"`
	PublishSnapshots bool     `envconfig:"KAFKA_PUBLISH_SNAPSHOTS" default:"false"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

type MatcherConfig struct {
	SuggestionLimit    int               `envconfig:"MATCHER_SUGGESTION_LIMIT" default:"3"`
	ExpiryWarningDays  int               `envconfig:"MATCHER_EXPIRY_WARNING_DAYS" default:"30"`
	MinExperienceYears ExperienceByClass `envconfig:"MATCHER_MIN_EXPERIENCE_YEARS" default:"bus:3,truck:3,van:2,car:1"`
	CandidateCacheTTL  time.Duration     `envconfig:"MATCHER_CANDIDATE_CACHE_TTL" default:"15s"`
}

type TrackingConfig struct {
	AssumedSpeedKmh     float64       `envconfig:"TRACKING_ASSUMED_SPEED_KMH" default:"30"`
	MovementThresholdKm float64       `envconfig:"TRACKING_MOVEMENT_THRESHOLD_KM" default:"0.01"`
	PathHistoryLimit    int           `envconfig:"TRACKING_PATH_HISTORY_LIMIT" default:"50"`
	MinReportedSpeedKmh float64       `envconfig:"TRACKING_MIN_REPORTED_SPEED_KMH" default:"5"`
	ClosedRetention     time.Duration `envconfig:"TRACKING_CLOSED_RETENTION" default:"10m"`
	PersistInterval     time.Duration `envconfig:"TRACKING_PERSIST_INTERVAL" default:"5s"`
	DeliveryInterval    time.Duration `envconfig:"TRACKING_DELIVERY_INTERVAL" default:"4s"`
	SnapshotCacheTTL    time.Duration `envconfig:"TRACKING_SNAPSHOT_CACHE_TTL" default:"30m"`
}

type WebSocketConfig struct {
	SendBuffer     int           `envconfig:"WS_SEND_BUFFER" default:"16"`
	PongWait       time.Duration `envconfig:"WS_PONG_WAIT" default:"60s"`
	PingInterval   time.Duration `envconfig:"WS_PING_INTERVAL" default:"54s"`
	WriteWait      time.Duration `envconfig:"WS_WRITE_WAIT" default:"10s"`
	HealthInterval time.Duration `envconfig:"WS_HEALTH_INTERVAL" default:"30s"`
}

type RateLimitConfig struct {
	Enabled            bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	DefaultPerMinute   int  `envconfig:"RATE_LIMIT_DEFAULT_PER_MINUTE" default:"120"`
	LocationsPerMinute int  `envconfig:"RATE_LIMIT_LOCATIONS_PER_MINUTE" default:"30"`
}

// ExperienceByClass maps a vehicle class to the minimum driving experience in years.
// Decoded from "class:years" pairs separated by commas.
type ExperienceByClass map[string]int

func (e *ExperienceByClass) Decode(value string) error {
	out := make(ExperienceByClass)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		class, years, ok := strings.Cut(pair, ":")
		if !ok {
			return fmt.Errorf("invalid experience entry %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(years))
		if err != nil || n < 0 {
			return fmt.Errorf("invalid experience years for %q", class)
		}
		out[strings.ToLower(strings.TrimSpace(class))] = n
	}
	*e = out
	return nil
}

// Load reads an optional .env file and decodes the environment into Config.
func Load() (*Config, error) {
	// .env is optional; real deployments inject the environment directly
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, EnvDevelopment)
}

func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StoreMongo:
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("MONGO_URI is required when STORE_DRIVER=mongo"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if c.JWT.Secret == "" && !c.IsDevelopment() {
		errs = append(errs, errors.New("JWT_SECRET is required outside development"))
	}
	if c.Matcher.SuggestionLimit < 1 {
		errs = append(errs, errors.New("MATCHER_SUGGESTION_LIMIT must be positive"))
	}
	if c.Matcher.ExpiryWarningDays < 0 {
		errs = append(errs, errors.New("MATCHER_EXPIRY_WARNING_DAYS must not be negative"))
	}
	if c.Tracking.AssumedSpeedKmh <= 0 {
		errs = append(errs, errors.New("TRACKING_ASSUMED_SPEED_KMH must be positive"))
	}
	if c.Tracking.MovementThresholdKm < 0 {
		errs = append(errs, errors.New("TRACKING_MOVEMENT_THRESHOLD_KM must not be negative"))
	}
	if c.Tracking.PathHistoryLimit < 1 {
		errs = append(errs, errors.New("TRACKING_PATH_HISTORY_LIMIT must be at least 1"))
	}
	if c.Tracking.DeliveryInterval < time.Second || c.Tracking.DeliveryInterval > 5*time.Second {
		errs = append(errs, errors.New("TRACKING_DELIVERY_INTERVAL must be between 1s and 5s"))
	}
	if c.WebSocket.SendBuffer < 1 {
		errs = append(errs, errors.New("WS_SEND_BUFFER must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.DefaultPerMinute < 1 || c.RateLimit.LocationsPerMinute < 1) {
		errs = append(errs, errors.New("rate limits must be positive when RATE_LIMIT_ENABLED"))
	}

	return errors.Join(errs...)
}
