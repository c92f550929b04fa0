package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// 存储和 feed 的可选实现
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
)

// Config 结构体用于存储从配置文件、.env 和环境变量加载的配置
type Config struct {
	AppEnv     string `yaml:"app_env"` // development/production
	LogLevel   string `yaml:"log_level"`
	ServerPort string `yaml:"server_port"`

	DBDriver   string `yaml:"db_driver"` // mysql/postgres/memory
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBName     string `yaml:"db_name"`

	FeedDriver    string `yaml:"feed_driver"` // redis/memory
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"redis_key_prefix"`

	JWTSecret         string `yaml:"jwt_secret"`
	TicketExpiryHours int    `yaml:"ticket_expiry_hours"`

	PresenceTTL           time.Duration `yaml:"presence_ttl"`
	SubscribeTimeout      time.Duration `yaml:"subscribe_timeout"`
	SnapshotSchedule      string        `yaml:"snapshot_schedule"`
	PresenceSweepInterval time.Duration `yaml:"presence_sweep_interval"`

	CORSAllowedOrigin string        `yaml:"cors_allowed_origin"`
	RateLimitMax      int           `yaml:"rate_limit_max"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	WSFramesPerSecond float64       `yaml:"ws_frames_per_second"`
}

// UsesRedis feed 走 Redis 时，限流和任务队列也用同一个 Redis
func (c *Config) UsesRedis() bool { return c.FeedDriver == DriverRedis }

// LoadConfig 加载配置。path 非空时先读 YAML 文件，再加载 .env (如果存在)，
// 非空的环境变量覆盖文件里的值，最后补默认值并校验。
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	_ = godotenv.Load() // 忽略错误，允许只使用环境变量

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.AppEnv, "APP_ENV")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.ServerPort, "SERVER_PORT")
	setString(&c.DBDriver, "DB_DRIVER")
	setString(&c.DBUser, "DB_USER")
	setString(&c.DBPassword, "DB_PASSWORD")
	setString(&c.DBHost, "DB_HOST")
	setString(&c.DBPort, "DB_PORT")
	setString(&c.DBName, "DB_NAME")
	setString(&c.FeedDriver, "FEED_DRIVER")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setString(&c.KeyPrefix, "REDIS_KEY_PREFIX")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.SnapshotSchedule, "SNAPSHOT_SCHEDULE")
	setString(&c.CORSAllowedOrigin, "CORS_ALLOWED_ORIGIN")

	if err := setInt(&c.RedisDB, "REDIS_DB"); err != nil {
		return err
	}
	if err := setInt(&c.TicketExpiryHours, "TICKET_EXPIRY_HOURS"); err != nil {
		return err
	}
	if err := setInt(&c.RateLimitMax, "RATE_LIMIT_MAX"); err != nil {
		return err
	}
	if err := setDuration(&c.PresenceTTL, "PRESENCE_TTL"); err != nil {
		return err
	}
	if err := setDuration(&c.SubscribeTimeout, "SUBSCRIBE_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.PresenceSweepInterval, "PRESENCE_SWEEP_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.RateLimitWindow, "RATE_LIMIT_WINDOW"); err != nil {
		return err
	}
	if v := os.Getenv("WS_FRAMES_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("environment variable WS_FRAMES_PER_SECOND must be a number: %w", err)
		}
		c.WSFramesPerSecond = f
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.AppEnv == "" {
		c.AppEnv = "development"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ServerPort == "" {
		c.ServerPort = "8080"
	}
	if c.DBDriver == "" {
		c.DBDriver = DriverMySQL
	}
	if c.FeedDriver == "" {
		c.FeedDriver = DriverRedis
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "cc:"
	}
	if c.TicketExpiryHours <= 0 {
		c.TicketExpiryHours = 24
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 30 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 5 * time.Second
	}
	if c.SnapshotSchedule == "" {
		c.SnapshotSchedule = "@every 5m"
	}
	if c.PresenceSweepInterval <= 0 {
		c.PresenceSweepInterval = time.Minute
	}
	if c.CORSAllowedOrigin == "" {
		c.CORSAllowedOrigin = "http://localhost:3000" // 开发默认
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = 100
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Second
	}
	if c.WSFramesPerSecond == 0 {
		c.WSFramesPerSecond = 30
	}
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case DriverMySQL, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q (want mysql, postgres or memory)", c.DBDriver)
	}
	switch c.FeedDriver {
	case DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("unsupported FEED_DRIVER %q (want redis or memory)", c.FeedDriver)
	}
	if c.UsesRedis() && c.RedisAddr == "" {
		return fmt.Errorf("environment variable REDIS_ADDR must be set")
	}
	if c.DBDriver != DriverMemory && c.DBUser == "" {
		return fmt.Errorf("environment variable DB_USER must be set for %s", c.DBDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("environment variable JWT_SECRET must be set")
	}
	if c.PresenceSweepInterval <= 0 {
		return fmt.Errorf("presence sweep interval must be positive")
	}

	// 验证日志级别
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", c.LogLevel)
		c.LogLevel = "info" // 修正配置值
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("environment variable %s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("environment variable %s must be a duration like 30s: %w", key, err)
	}
	*dst = d
	return nil
}
