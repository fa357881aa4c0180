package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	Debug       bool     `mapstructure:"debug"`
}

type AuthConfig struct {
	JWTSecret          string `mapstructure:"jwt_secret"`
	AccessTokenMinutes int    `mapstructure:"access_token_minutes"`
	BcryptCost         int    `mapstructure:"bcrypt_cost"`
}

// StoreConfig selects the persistence backend. Backend is "sqlite" or
// "postgres"; the unused half is ignored.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`

	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers   []string `mapstructure:"brokers"`
	PushTopic string   `mapstructure:"push_topic"`
}

type S3Config struct {
	Region string `mapstructure:"region"`
	Bucket string `mapstructure:"bucket"`
}

type ChatConfig struct {
	HistoryPageSize  int           `mapstructure:"history_page_size"`
	MaxContentLength int           `mapstructure:"max_content_length"`
	SeenDebounce     time.Duration `mapstructure:"seen_debounce"`
	TypingTTL        time.Duration `mapstructure:"typing_ttl"`
}

type Config struct {
	Env      string       `mapstructure:"env"`
	LogLevel string       `mapstructure:"log_level"`
	Server   ServerConfig `mapstructure:"server"`
	Auth     AuthConfig   `mapstructure:"auth"`
	Store    StoreConfig  `mapstructure:"store"`
	Redis    RedisConfig  `mapstructure:"redis"`
	Kafka    KafkaConfig  `mapstructure:"kafka"`
	S3       S3Config     `mapstructure:"s3"`
	Chat     ChatConfig   `mapstructure:"chat"`
}

// Load reads the optional config file at path, overlays environment
// variables (CHATSYNC_SERVER_PORT and so on), and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if c.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required")
	}
	switch c.Store.Backend {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("store.backend must be sqlite or postgres, got %q", c.Store.Backend)
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("server.debug", false)

	v.SetDefault("auth.access_token_minutes", 60*24)
	v.SetDefault("auth.bcrypt_cost", 0)

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "chatsync.db")
	v.SetDefault("store.postgres_host", "localhost")
	v.SetDefault("store.postgres_port", 5432)
	v.SetDefault("store.postgres_user", "postgres")
	v.SetDefault("store.postgres_password", "postgres")
	v.SetDefault("store.postgres_db", "chatsync")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.push_topic", "push.message")

	v.SetDefault("chat.history_page_size", 50)
	v.SetDefault("chat.max_content_length", 5000)
	v.SetDefault("chat.seen_debounce", 300*time.Millisecond)
	v.SetDefault("chat.typing_ttl", 3*time.Second)
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PostgresURL assembles the pgx connection string from the store settings.
func (c *Config) PostgresURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Store.PostgresUser, c.Store.PostgresPassword),
		Host:     fmt.Sprintf("%s:%d", c.Store.PostgresHost, c.Store.PostgresPort),
		Path:     c.Store.PostgresDB,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
