package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Redis      RedisConfig      `yaml:"redis"`
	Storage    StorageConfig    `yaml:"storage"`
	Stream     StreamConfig     `yaml:"stream"`
	Conversion ConversionConfig `yaml:"conversion"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and queue configuration
type RabbitMQConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	VHost             string        `yaml:"vhost"`
	QueueName         string        `yaml:"queue_name"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// RedisConfig holds Redis connection configuration for the status bus
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds shared file storage configuration
type StorageConfig struct {
	SharedDir     string `yaml:"shared_dir"`
	MaxUploadSize int64  `yaml:"max_upload_size"`
}

// StreamConfig holds status streaming configuration
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CloseGraceDelay   time.Duration `yaml:"close_grace_delay"`
}

// ConversionConfig holds conversion job defaults
type ConversionConfig struct {
	DefaultSlideWidth  int `yaml:"default_slide_width"`
	DefaultSlideHeight int `yaml:"default_slide_height"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// applyDefaults fills in values that may be omitted from the config file
func (c *Config) applyDefaults() {
	if c.RabbitMQ.QueueName == "" {
		c.RabbitMQ.QueueName = "conversion_queue"
	}
	if c.RabbitMQ.ReconnectInterval <= 0 {
		c.RabbitMQ.ReconnectInterval = 5 * time.Second
	}
	if c.Storage.MaxUploadSize <= 0 {
		c.Storage.MaxUploadSize = 10 << 20 // 10 MiB
	}
	if c.Stream.HeartbeatInterval <= 0 {
		c.Stream.HeartbeatInterval = 30 * time.Second
	}
	if c.Stream.CloseGraceDelay <= 0 {
		c.Stream.CloseGraceDelay = time.Second
	}
	if c.Conversion.DefaultSlideWidth <= 0 {
		c.Conversion.DefaultSlideWidth = 16
	}
	if c.Conversion.DefaultSlideHeight <= 0 {
		c.Conversion.DefaultSlideHeight = 9
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.QueueName == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if c.Redis.Port < MinPort || c.Redis.Port > MaxPort {
		return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Redis.Port, MinPort, MaxPort)
	}

	if c.Storage.SharedDir == "" {
		return fmt.Errorf("storage shared_dir is required")
	}

	return nil
}
