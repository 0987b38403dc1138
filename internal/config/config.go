package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"OpenProver/internal/auth"
	xerrors "OpenProver/internal/errors"
	"OpenProver/pkg/logger"
)

// 环境变量名称。
const (
	EnvServiceURL        = "PROOF_SERVICE_URL"
	EnvProofTimeout      = "PROOF_TIMEOUT_SECS"
	EnvBatchProofTimeout = "PROOF_BATCH_TIMEOUT_SECS"
)

// DefaultProofTimeout 为单证明与批量证明的默认超时时间。
const DefaultProofTimeout = time.Hour

// Config 描述了 OpenProver 在启动阶段需要加载的核心配置。
type Config struct {
	Prover   ProverConfig   `yaml:"prover"`
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	JobStore JobStoreConfig `yaml:"job_store"`
	JobQueue JobQueueConfig `yaml:"job_queue"`
	Alerting AlertingConfig `yaml:"alerting"`
	Log      logger.Config  `yaml:"log"`
}

// ProverConfig 描述远程证明服务的地址与轮询预算。
type ProverConfig struct {
	ServiceURL         string        `yaml:"service_url"`
	SingleProofTimeout time.Duration `yaml:"single_proof_timeout"`
	BatchProofTimeout  time.Duration `yaml:"batch_proof_timeout"`
	HTTPTimeout        time.Duration `yaml:"http_timeout"`
	// RateLimit 为每秒请求数上限，0 表示不限速。
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// ServerConfig 控制任务 API 服务的监听地址。
type ServerConfig struct {
	Address string      `yaml:"address"`
	Auth    auth.Config `yaml:"auth"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// JobStoreConfig 描述任务状态的持久化后端。
type JobStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxRetries      int           `yaml:"max_retries"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// JobQueueConfig 描述任务队列。
type JobQueueConfig struct {
	Driver   string         `yaml:"driver"`
	Workers  int            `yaml:"workers"`
	Size     int            `yaml:"size"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 为 Redis 队列参数。
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Queue     string        `yaml:"queue"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 为 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Load 解析指定路径的 YAML 配置，再叠加 .env 与环境变量。
// path 为空时仅使用环境变量与默认值。
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
		}
	}

	envFile := ".env"
	if path != "" {
		envFile = filepath.Join(filepath.Dir(path), ".env")
	}
	// .env 不存在时忽略；已有环境变量不会被覆盖。
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "加载 .env 失败")
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 用环境变量覆盖证明服务相关配置。
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvServiceURL); ok && strings.TrimSpace(v) != "" {
		c.Prover.ServiceURL = strings.TrimSpace(v)
	}
	for env, dst := range map[string]*time.Duration{
		EnvProofTimeout:      &c.Prover.SingleProofTimeout,
		EnvBatchProofTimeout: &c.Prover.BatchProofTimeout,
	} {
		raw, ok := lookup(env)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		secs, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("%s 不是合法的秒数", env))
		}
		*dst = time.Duration(secs) * time.Second
	}
	return nil
}

// defaults 返回预置超时的配置。超时在解析 YAML 与环境变量之前写入，
// 这样显式配置的 0 会保留下来并由 Validate 拒绝，而不是被默认值替换。
func defaults() Config {
	return Config{Prover: ProverConfig{
		SingleProofTimeout: DefaultProofTimeout,
		BatchProofTimeout:  DefaultProofTimeout,
	}}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Prover.HTTPTimeout <= 0 {
		c.Prover.HTTPTimeout = 30 * time.Second
	}
	if c.Prover.RateBurst <= 0 {
		c.Prover.RateBurst = 1
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.JobStore.Driver == "" {
		c.JobStore.Driver = "memory"
	}
	if c.JobStore.MaxRetries <= 0 {
		c.JobStore.MaxRetries = 1
	}
	if c.JobQueue.Driver == "" {
		c.JobQueue.Driver = "memory"
	}
	if c.JobQueue.Workers <= 0 {
		c.JobQueue.Workers = 4
	}
	if c.JobQueue.Size <= 0 {
		c.JobQueue.Size = 1024
	}
	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}
}

// Validate 检查必填项。证明服务地址缺失属于启动期致命错误。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Prover.ServiceURL) == "" {
		return xerrors.New(xerrors.CodeConfiguration, "未配置证明服务地址",
			xerrors.WithMetadata("env", EnvServiceURL))
	}
	if _, err := url.Parse(c.Prover.ServiceURL); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "证明服务地址不合法")
	}
	// 超时为 0 时轮询预算为 0，调用会立即超时。
	if c.Prover.SingleProofTimeout <= 0 {
		return xerrors.New(xerrors.CodeConfiguration, "单证明超时必须大于 0",
			xerrors.WithMetadata("env", EnvProofTimeout))
	}
	if c.Prover.BatchProofTimeout <= 0 {
		return xerrors.New(xerrors.CodeConfiguration, "批量证明超时必须大于 0",
			xerrors.WithMetadata("env", EnvBatchProofTimeout))
	}
	switch c.JobStore.Driver {
	case "memory", "mysql":
	default:
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的任务存储驱动: %s", c.JobStore.Driver))
	}
	switch c.JobQueue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的队列驱动: %s", c.JobQueue.Driver))
	}
	return nil
}
