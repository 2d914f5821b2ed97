package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Consumer    ConsumerConfig    `mapstructure:"consumer"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	BlobStore   BlobStoreConfig   `mapstructure:"blobstore"`
	Certificate CertificateConfig `mapstructure:"certificate"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type QueueConfig struct {
	URL            string        `mapstructure:"url"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type ConsumerConfig struct {
	Queues            []string      `mapstructure:"queues"`
	CertificateQueues []string      `mapstructure:"certificate_queues"`
	TickPeriod        time.Duration `mapstructure:"tick_period"`
	JitterMax         time.Duration `mapstructure:"jitter_max"`
	LeaseKey          string        `mapstructure:"lease_key"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	PostBatchSize     int           `mapstructure:"post_batch_size"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds the PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BlobStoreConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	UseSSL    bool          `mapstructure:"use_ssl"`
	Bucket    string        `mapstructure:"bucket"`
	Prefix    string        `mapstructure:"prefix"`
	URLExpiry time.Duration `mapstructure:"url_expiry"`
}

type CertificateConfig struct {
	TemplatePath string `mapstructure:"template_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8060)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("queue.url", "http://localhost:18040")
	v.SetDefault("queue.username", "")
	v.SetDefault("queue.password", "")
	v.SetDefault("queue.request_timeout", "30s")
	v.SetDefault("consumer.queues", []string{"certificates"})
	v.SetDefault("consumer.certificate_queues", []string{"certificates"})
	v.SetDefault("consumer.tick_period", "1m")
	v.SetDefault("consumer.jitter_max", "100ms")
	v.SetDefault("consumer.lease_key", "gradeflow:consumer:lease")
	v.SetDefault("consumer.lease_ttl", "10m")
	v.SetDefault("consumer.post_batch_size", 100)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gradeflow")
	v.SetDefault("database.password", "gradeflow")
	v.SetDefault("database.database", "gradeflow")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("blobstore.endpoint", "localhost:9000")
	v.SetDefault("blobstore.use_ssl", false)
	v.SetDefault("blobstore.bucket", "gradeflow-certificates")
	v.SetDefault("blobstore.prefix", "certificates")
	v.SetDefault("blobstore.url_expiry", "168h")
	v.SetDefault("certificate.template_path", "templates/certificate-template.svg")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gradeflow")
	}

	// Environment variables override
	v.SetEnvPrefix("GRADEFLOW")
	v.AutomaticEnv()

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if len(c.Consumer.Queues) == 0 {
		return fmt.Errorf("consumer.queues must name at least one queue")
	}
	for _, q := range c.Consumer.CertificateQueues {
		if !contains(c.Consumer.Queues, q) {
			return fmt.Errorf("certificate queue %q is not in consumer.queues", q)
		}
	}
	if c.Consumer.LeaseTTL <= 0 {
		return fmt.Errorf("consumer.lease_ttl must be positive")
	}
	if c.Queue.RequestTimeout <= 0 {
		return fmt.Errorf("queue.request_timeout must be positive")
	}
	return nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
