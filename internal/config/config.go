package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

const (
	StorageFile     = "file"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"

	AttachmentsLocal = "local"
	AttachmentsS3    = "s3"

	// DefaultMaxMessageBytes leaves room for several minutes of base64 voice audio.
	DefaultMaxMessageBytes = 64 << 20
	minMessageBytes        = 64 << 10
)

type Config struct {
	Server      ServerConfig
	GRPC        GRPCConfig
	Logging     LoggingConfig
	Storage     StorageConfig
	Database    DatabaseConfig
	Attachments AttachmentsConfig
	Chat        ChatConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
}

type ServerConfig struct {
	Host string
	Port string
}

type GRPCConfig struct {
	ReflectionEnabled bool
	ShutdownTimeout   time.Duration
	MaxMessageBytes   int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type StorageConfig struct {
	Driver          string
	DataDir         string
	SQLitePath      string
	IORetries       int
	IORetryInterval time.Duration
	IORetryMaxTime  time.Duration
	WatchExternal   bool
	WatchDebounce   time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type AttachmentsConfig struct {
	Driver string
	Dir    string
	S3     S3Config
}

type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type ChatConfig struct {
	Timezone         string
	TimestampFormat  string
	SearchMaxResults int
}

type AuthConfig struct {
	Users      map[string]string
	SessionTTL time.Duration
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "50055")
	v.SetDefault("grpc.reflection_enabled", false)
	v.SetDefault("grpc.shutdown_timeout", 10*time.Second)
	v.SetDefault("grpc.max_message_bytes", DefaultMaxMessageBytes)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("storage.driver", StorageFile)
	v.SetDefault("storage.data_dir", "chat_data")
	v.SetDefault("storage.sqlite_path", "chat_data/whisper.db")
	v.SetDefault("storage.io_retries", 3)
	v.SetDefault("storage.io_retry_interval", 20*time.Millisecond)
	v.SetDefault("storage.io_retry_max_time", 2*time.Second)
	v.SetDefault("storage.watch_external", false)
	v.SetDefault("storage.watch_debounce", 100*time.Millisecond)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "whisper")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("attachments.driver", AttachmentsLocal)
	v.SetDefault("attachments.dir", "chat_data/attachments")

	v.SetDefault("chat.timezone", "Asia/Karachi")
	v.SetDefault("chat.timestamp_format", "2006-01-02 03:04 PM")
	v.SetDefault("chat.search_max_results", 5)

	v.SetDefault("auth.session_ttl", 12*time.Hour)

	v.SetDefault("ratelimit.rps", 10.0)
	v.SetDefault("ratelimit.burst", 20)
}

// New returns a viper instance reading config.yaml from the given directories
// (./config and /app/config when none are given), with env overrides such as
// STORAGE_DRIVER for storage.driver.
func New(paths ...string) *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./config", "/app/config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)
	return v
}

// Load reads the config file and decodes it. A missing file is an error.
func Load(paths ...string) (*Config, error) {
	v := New(paths...)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetString("server.port"),
		},
		GRPC: GRPCConfig{
			ReflectionEnabled: v.GetBool("grpc.reflection_enabled"),
			ShutdownTimeout:   v.GetDuration("grpc.shutdown_timeout"),
			MaxMessageBytes:   v.GetInt("grpc.max_message_bytes"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Storage: StorageConfig{
			Driver:          v.GetString("storage.driver"),
			DataDir:         v.GetString("storage.data_dir"),
			SQLitePath:      v.GetString("storage.sqlite_path"),
			IORetries:       v.GetInt("storage.io_retries"),
			IORetryInterval: v.GetDuration("storage.io_retry_interval"),
			IORetryMaxTime:  v.GetDuration("storage.io_retry_max_time"),
			WatchExternal:   v.GetBool("storage.watch_external"),
			WatchDebounce:   v.GetDuration("storage.watch_debounce"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			DBName:   v.GetString("database.dbname"),
			SSLMode:  v.GetString("database.sslmode"),
		},
		Attachments: AttachmentsConfig{
			Driver: v.GetString("attachments.driver"),
			Dir:    v.GetString("attachments.dir"),
			S3: S3Config{
				Bucket:          v.GetString("attachments.s3.bucket"),
				Region:          v.GetString("attachments.s3.region"),
				Prefix:          v.GetString("attachments.s3.prefix"),
				Endpoint:        v.GetString("attachments.s3.endpoint"),
				AccessKeyID:     v.GetString("attachments.s3.access_key_id"),
				SecretAccessKey: v.GetString("attachments.s3.secret_access_key"),
				UsePathStyle:    v.GetBool("attachments.s3.use_path_style"),
			},
		},
		Chat: ChatConfig{
			Timezone:         v.GetString("chat.timezone"),
			TimestampFormat:  v.GetString("chat.timestamp_format"),
			SearchMaxResults: v.GetInt("chat.search_max_results"),
		},
		Auth: AuthConfig{
			Users:      v.GetStringMapString("auth.users"),
			SessionTTL: v.GetDuration("auth.session_ttl"),
		},
		RateLimit: RateLimitConfig{
			RPS:   v.GetFloat64("ratelimit.rps"),
			Burst: v.GetInt("ratelimit.burst"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageFile, StorageSQLite, StoragePostgres:
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Attachments.Driver {
	case AttachmentsLocal:
	case AttachmentsS3:
		if c.Attachments.S3.Bucket == "" {
			return fmt.Errorf("config: attachments.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("config: unknown attachments.driver %q", c.Attachments.Driver)
	}
	if _, err := time.LoadLocation(c.Chat.Timezone); err != nil {
		return fmt.Errorf("config: chat.timezone: %w", err)
	}
	if c.GRPC.MaxMessageBytes < minMessageBytes {
		return fmt.Errorf("config: grpc.max_message_bytes must be at least %d", minMessageBytes)
	}
	if len(c.Auth.Users) != 2 {
		return fmt.Errorf("config: auth.users must list exactly two users, got %d", len(c.Auth.Users))
	}
	return nil
}
