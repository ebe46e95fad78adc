package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Security  SecurityConfig  `mapstructure:"security"`
	Companion CompanionConfig `mapstructure:"companion"`
	Messaging MessagingConfig `mapstructure:"messaging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"`
	// AdminIPs restricts /api/admin to these client IPs or CIDR prefixes.
	// Empty allows all.
	AdminIPs []string `mapstructure:"admin_ips"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // memory | sqlite | mysql | postgres
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	PostgresDSN  string        `mapstructure:"postgres_dsn"`
	MaxOpen      int           `mapstructure:"max_open"`
	MaxIdle      int           `mapstructure:"max_idle"`
	MaxLife      time.Duration `mapstructure:"max_life"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AllowedOrigins lists the WebSocket/SSE/CORS origins that are permitted.
	// An empty slice allows all origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// CompanionConfig configures the AI companion proxy.
type CompanionConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIVersion      string        `mapstructure:"api_version"`
	Model           string        `mapstructure:"model"`
	APIKey          string        `mapstructure:"api_key"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type MessagingConfig struct {
	PageSize    int `mapstructure:"page_size"`
	MaxPageSize int `mapstructure:"max_page_size"`
	MaxLength   int `mapstructure:"max_length"`
}

type SchedulerConfig struct {
	MilestoneScanInterval time.Duration `mapstructure:"milestone_scan_interval"`
	UpcomingWindowDays    int           `mapstructure:"upcoming_window_days"`
}

// Load reads config from the given YAML file path. A missing file is not an
// error: defaults plus BLOOM_* environment variables are used instead.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("bloom")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	_ = v.BindEnv("companion.api_key", "BLOOM_COMPANION_API_KEY", "GEMINI_API_KEY")

	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/bloom.db")
	v.SetDefault("database.max_open", 50)
	v.SetDefault("database.max_idle", 10)
	v.SetDefault("database.max_life", "1h")
	v.SetDefault("database.query_timeout", "5s")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.bcrypt_cost", 12)
	v.SetDefault("security.rate_limit_rps", 50)
	v.SetDefault("security.rate_limit_burst", 100)
	v.SetDefault("companion.base_url", "https://generativelanguage.googleapis.com/")
	v.SetDefault("companion.api_version", "v1beta")
	v.SetDefault("companion.model", "gemini-1.5-flash-latest")
	v.SetDefault("companion.temperature", 0.7)
	v.SetDefault("companion.max_output_tokens", 500)
	v.SetDefault("companion.history_limit", 10)
	v.SetDefault("companion.timeout", "30s")
	v.SetDefault("messaging.page_size", 50)
	v.SetDefault("messaging.max_page_size", 200)
	v.SetDefault("messaging.max_length", 4000)
	v.SetDefault("scheduler.milestone_scan_interval", "1h")
	v.SetDefault("scheduler.upcoming_window_days", 30)
}

func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || errors.Is(err, fs.ErrNotExist)
}
