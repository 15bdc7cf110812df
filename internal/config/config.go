package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// AppConfig represents the main application configuration
type AppConfig struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Queues   QueueConfig    `mapstructure:"queues"`
	Database DatabaseConfig `mapstructure:"database"`
	Tables   TableConfig    `mapstructure:"tables"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Rescan   RescanConfig   `mapstructure:"rescan"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// BrokerConfig represents the AMQP broker connection settings
type BrokerConfig struct {
	URL               string        `mapstructure:"url"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	VHost             string        `mapstructure:"vhost"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	Prefetch          int           `mapstructure:"prefetch"`
	ConnectionName    string        `mapstructure:"connection_name"`
	DeadLetterSuffix  string        `mapstructure:"dead_letter_suffix"`
}

// AMQPURL returns the broker URL, building it from parts when no URL is set
func (b BrokerConfig) AMQPURL() string {
	if b.URL != "" {
		return b.URL
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(b.User, b.Password),
		Host:   fmt.Sprintf("%s:%d", b.Host, b.Port),
	}
	if b.VHost != "" && b.VHost != "/" {
		u.Path = "/" + strings.TrimPrefix(b.VHost, "/")
	}
	return u.String()
}

// QueueConfig names the durable queues of the pipeline
type QueueConfig struct {
	SongUploads string `mapstructure:"song_uploads"`
	ScanJobs    string `mapstructure:"scan_jobs"`
	Misc        string `mapstructure:"misc"`
}

// TableConfig names the metadata store tables
type TableConfig struct {
	SourceFiles  string `mapstructure:"source_files"`
	SongMetadata string `mapstructure:"song_metadata"`
	Mappings     string `mapstructure:"song_metadata_mappings"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	LockRetry time.Duration `mapstructure:"lock_retry"`
}

// StorageConfig represents the object store the uploads land in
type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	PublicURL string `mapstructure:"public_url"`
}

// ProbeConfig configures the external media prober
type ProbeConfig struct {
	FFProbePath string        `mapstructure:"ffprobe_path"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// WorkerConfig controls the worker process
type WorkerConfig struct {
	Roles              []string      `mapstructure:"roles"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	SerializePerSource bool          `mapstructure:"serialize_per_source"`
	LockWait           time.Duration `mapstructure:"lock_wait"`
	MetricsAddress     string        `mapstructure:"metrics_address"`
}

// HasRole reports whether the worker should run the given role
func (w WorkerConfig) HasRole(role string) bool {
	for _, r := range w.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// RescanConfig controls the rescan fan-out
type RescanConfig struct {
	BatchSize   int     `mapstructure:"batch_size"`
	PublishRate float64 `mapstructure:"publish_rate"`
	Schedule    string  `mapstructure:"schedule"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	UploadLimitMB int           `mapstructure:"upload_limit_mb"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	TriggerLimit  int           `mapstructure:"trigger_limit"`
	TriggerWindow time.Duration `mapstructure:"trigger_window"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig represents OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	UseOTLP     bool   `mapstructure:"use_otlp"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

const (
	RoleIngest = "ingest"
	RoleScan   = "scan"
	RoleRescan = "rescan"
)

// ConfigLoader loads AppConfig from file, environment and defaults
type ConfigLoader struct {
	viper *viper.Viper
}

// NewConfigLoader creates a loader with its own viper instance
func NewConfigLoader() *ConfigLoader {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("SHPOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return &ConfigLoader{viper: v}
}

// SetConfigFile points the loader at an explicit config file
func (l *ConfigLoader) SetConfigFile(path string) {
	if path != "" {
		l.viper.SetConfigFile(path)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.url", "")
	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 5672)
	v.SetDefault("broker.user", "guest")
	v.SetDefault("broker.password", "guest")
	v.SetDefault("broker.vhost", "/")
	v.SetDefault("broker.reconnect_interval", 15*time.Second)
	v.SetDefault("broker.dial_timeout", 10*time.Second)
	v.SetDefault("broker.prefetch", 1)
	v.SetDefault("broker.connection_name", "shpotify")
	v.SetDefault("broker.dead_letter_suffix", ".dead")

	v.SetDefault("queues.song_uploads", "song_uploads")
	v.SetDefault("queues.scan_jobs", "scan_jobs")
	v.SetDefault("queues.misc", "misc")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "library")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "library.db")
	v.SetDefault("database.max_open_conns", DefaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", DefaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", DefaultConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", DefaultConnMaxIdleTime)

	v.SetDefault("tables.source_files", "source_files")
	v.SetDefault("tables.song_metadata", "song_metadata")
	v.SetDefault("tables.song_metadata_mappings", "song_metadata_mappings")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 2*time.Minute)
	v.SetDefault("redis.lock_retry", 100*time.Millisecond)

	v.SetDefault("storage.endpoint", "localhost:19000")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "sourcefiles")
	v.SetDefault("storage.public_url", "http://localhost:19000")

	v.SetDefault("probe.ffprobe_path", "ffprobe")
	v.SetDefault("probe.timeout", time.Duration(0))

	v.SetDefault("worker.roles", []string{RoleIngest, RoleScan, RoleRescan})
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.serialize_per_source", false)
	v.SetDefault("worker.lock_wait", 30*time.Second)
	v.SetDefault("worker.metrics_address", ":9091")

	v.SetDefault("rescan.batch_size", 500)
	v.SetDefault("rescan.publish_rate", 0.0)
	v.SetDefault("rescan.schedule", "")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.upload_limit_mb", 100)
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.trigger_limit", 30)
	v.SetDefault("server.trigger_window", time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.use_otlp", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "shpotify")
}

// Load reads the configuration file (if any), applies environment overrides and validates the result
func (l *ConfigLoader) Load() (*AppConfig, error) {
	if err := l.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, using defaults
	}

	var config AppConfig
	if err := l.viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// LoadConfig loads application configuration from the default locations
func LoadConfig(path string) (*AppConfig, error) {
	loader := NewConfigLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// validateConfig validates the configuration values
func validateConfig(config *AppConfig) error {
	if config.Broker.ReconnectInterval <= 0 {
		return fmt.Errorf("broker reconnect interval must be positive")
	}
	if config.Broker.Prefetch < 0 {
		return fmt.Errorf("broker prefetch cannot be negative")
	}
	if config.Broker.DeadLetterSuffix == "" {
		return fmt.Errorf("broker dead letter suffix cannot be empty")
	}

	queues := map[string]string{
		"song_uploads": config.Queues.SongUploads,
		"scan_jobs":    config.Queues.ScanJobs,
		"misc":         config.Queues.Misc,
	}
	seen := make(map[string]string, len(queues))
	for key, name := range queues {
		if name == "" {
			return fmt.Errorf("queue name %s cannot be empty", key)
		}
		if other, ok := seen[name]; ok {
			return fmt.Errorf("queues %s and %s share the name %q", other, key, name)
		}
		seen[name] = key
	}

	if config.Tables.SourceFiles == "" || config.Tables.SongMetadata == "" || config.Tables.Mappings == "" {
		return fmt.Errorf("table names cannot be empty")
	}

	if err := validateDatabaseConfig(&config.Database); err != nil {
		return err
	}

	if config.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker max attempts must be at least 1")
	}
	for _, role := range config.Worker.Roles {
		switch strings.ToLower(role) {
		case RoleIngest, RoleScan, RoleRescan:
		default:
			return fmt.Errorf("unknown worker role %q", role)
		}
	}

	if config.Rescan.BatchSize <= 0 {
		return fmt.Errorf("rescan batch size must be positive")
	}
	if config.Rescan.PublishRate < 0 {
		return fmt.Errorf("rescan publish rate cannot be negative")
	}
	if config.Rescan.Schedule != "" {
		if _, err := cron.ParseStandard(config.Rescan.Schedule); err != nil {
			return fmt.Errorf("invalid rescan schedule %q: %w", config.Rescan.Schedule, err)
		}
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if config.Server.UploadLimitMB <= 0 {
		return fmt.Errorf("upload limit must be positive")
	}
	if config.Server.TriggerLimit < 0 {
		return fmt.Errorf("trigger limit cannot be negative")
	}
	if config.Server.TriggerLimit > 0 && config.Server.TriggerWindow <= 0 {
		return fmt.Errorf("trigger window must be positive when a trigger limit is set")
	}

	if config.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket cannot be empty")
	}

	return nil
}
