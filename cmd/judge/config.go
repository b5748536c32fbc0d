package main

import (
	"fmt"
	"os"
	"time"

	"arbiter/internal/common/cache"
	"arbiter/internal/common/db"
	"arbiter/internal/common/mq"
	"arbiter/internal/common/storage"
	"arbiter/internal/judge/sandbox/engine"
	"arbiter/internal/judge/worker"
	"arbiter/internal/outbox"
	"arbiter/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMetaTTL         = 30 * time.Second
	defaultFetchTimeout    = 10 * time.Second
	defaultStaleClaim      = 60 * time.Second
	defaultReclaimInterval = 30 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// DatabaseConfig holds MySQL settings.
type DatabaseConfig struct {
	DSN                string        `yaml:"dsn"`
	MaxOpenConnections int           `yaml:"maxOpenConnections"`
	MaxIdleConnections int           `yaml:"maxIdleConnections"`
	ConnMaxLifetime    time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime    time.Duration `yaml:"connMaxIdleTime"`
}

func (c DatabaseConfig) toMySQLConfig() *db.MySQLConfig {
	cfg := db.DefaultMySQLConfig()
	cfg.DSN = c.DSN
	if c.MaxOpenConnections > 0 {
		cfg.MaxOpenConnections = c.MaxOpenConnections
	}
	if c.MaxIdleConnections > 0 {
		cfg.MaxIdleConnections = c.MaxIdleConnections
	}
	if c.ConnMaxLifetime > 0 {
		cfg.ConnMaxLifetime = c.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime > 0 {
		cfg.ConnMaxIdleTime = c.ConnMaxIdleTime
	}
	return cfg
}

// RedisConfig holds Redis settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

func (c RedisConfig) toCacheConfig() *cache.RedisConfig {
	cfg := cache.DefaultRedisConfig()
	cfg.Addr = c.Addr
	cfg.Password = c.Password
	cfg.DB = c.DB
	if c.PoolSize > 0 {
		cfg.PoolSize = c.PoolSize
	}
	return cfg
}

// KafkaConfig holds Kafka settings for the dispatch queue.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
}

func (c KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      c.Brokers,
		ClientID:     c.ClientID,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}

// RabbitConfig holds RabbitMQ settings for domain events.
type RabbitConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// BlobConfig holds blob store settings.
type BlobConfig struct {
	Bucket     string        `yaml:"bucket"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries uint64        `yaml:"maxRetries"`
}

// ProblemConfig holds content service client settings.
type ProblemConfig struct {
	BaseURL string        `yaml:"baseURL"`
	MetaTTL time.Duration `yaml:"metaTTL"`
}

// SandboxConfig holds sandbox engine settings.
type SandboxConfig struct {
	BoxRoot              string `yaml:"boxRoot"`
	CgroupRoot           string `yaml:"cgroupRoot"`
	SeccompDir           string `yaml:"seccompDir"`
	HelperPath           string `yaml:"helperPath"`
	RootFS               string `yaml:"rootFS"`
	DisableNetwork       bool   `yaml:"disableNetwork"`
	StdoutStderrMaxBytes int64  `yaml:"stdoutStderrMaxBytes"`
	EnableSeccomp        bool   `yaml:"enableSeccomp"`
	EnableCgroup         bool   `yaml:"enableCgroup"`
	EnableNamespaces     bool   `yaml:"enableNamespaces"`
}

func (c SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		BoxRoot:              c.BoxRoot,
		CgroupRoot:           c.CgroupRoot,
		SeccompDir:           c.SeccompDir,
		HelperPath:           c.HelperPath,
		StdoutStderrMaxBytes: c.StdoutStderrMaxBytes,
		EnableSeccomp:        c.EnableSeccomp,
		EnableCgroup:         c.EnableCgroup,
		EnableNamespaces:     c.EnableNamespaces,
	}
}

// JudgeWorkerConfig holds worker pool settings.
type JudgeWorkerConfig struct {
	WorkerName        string        `yaml:"workerName"`
	Slots             int           `yaml:"slots"`
	DispatchTopic     string        `yaml:"dispatchTopic"`
	MaxRetries        int           `yaml:"maxRetries"`
	RetryDelay        time.Duration `yaml:"retryDelay"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	StaleClaimAfter   time.Duration `yaml:"staleClaimAfter"`
	ReclaimInterval   time.Duration `yaml:"reclaimInterval"`
	MaxCodeBytes      int           `yaml:"maxCodeBytes"`
}

func (c JudgeWorkerConfig) toPoolConfig(consumerGroup string) worker.PoolConfig {
	return worker.PoolConfig{
		WorkerName:        c.WorkerName,
		Slots:             c.Slots,
		DispatchTopic:     c.DispatchTopic,
		ConsumerGroup:     consumerGroup,
		MaxRetries:        c.MaxRetries,
		RetryDelay:        c.RetryDelay,
		HeartbeatInterval: c.HeartbeatInterval,
		ShutdownTimeout:   c.ShutdownTimeout,
	}
}

// AppConfig holds the judge service config.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Database DatabaseConfig      `yaml:"database"`
	Redis    RedisConfig         `yaml:"redis"`
	Kafka    KafkaConfig         `yaml:"kafka"`
	Rabbit   RabbitConfig        `yaml:"rabbit"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Blob     BlobConfig          `yaml:"blob"`
	Problem  ProblemConfig       `yaml:"problem"`
	Sandbox  SandboxConfig       `yaml:"sandbox"`
	Worker   JudgeWorkerConfig   `yaml:"worker"`
	Outbox   outbox.Config       `yaml:"outbox"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Rabbit.URL == "" {
		return nil, fmt.Errorf("rabbit url is required")
	}
	if cfg.MinIO.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	if cfg.Problem.BaseURL == "" {
		return nil, fmt.Errorf("problem baseURL is required")
	}
	if cfg.Sandbox.BoxRoot == "" {
		return nil, fmt.Errorf("sandbox boxRoot is required")
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Rabbit.Exchange == "" {
		cfg.Rabbit.Exchange = "arbiter.events"
	}
	if cfg.Blob.Bucket == "" {
		cfg.Blob.Bucket = cfg.MinIO.Bucket
	}
	if cfg.Blob.Timeout == 0 {
		cfg.Blob.Timeout = defaultFetchTimeout
	}
	if cfg.Problem.MetaTTL == 0 {
		cfg.Problem.MetaTTL = defaultMetaTTL
	}
	if cfg.Worker.WorkerName == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "judge"
		}
		cfg.Worker.WorkerName = host
	}
	if cfg.Worker.StaleClaimAfter == 0 {
		cfg.Worker.StaleClaimAfter = defaultStaleClaim
	}
	if cfg.Worker.ReclaimInterval == 0 {
		cfg.Worker.ReclaimInterval = defaultReclaimInterval
	}
	cfg.Outbox.SetDefaults()
	if cfg.Worker.DispatchTopic == "" {
		cfg.Worker.DispatchTopic = cfg.Outbox.DispatchTopic
	}
	return &cfg, nil
}
