package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name        string        `mapstructure:"name"`
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	APIPass     string        `mapstructure:"api_password"`
	UseSandbox  bool          `mapstructure:"use_sandbox"`
	Simulation  bool          `mapstructure:"simulation"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	Retry       RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// Horizon 返回一次完整重试过程的最坏耗时。
func (r RetryConfig) Horizon(sendTimeout time.Duration) time.Duration {
	total := time.Duration(r.MaxAttempts) * sendTimeout
	delay := r.MinDelay
	for i := 1; i < r.MaxAttempts; i++ {
		if delay > r.MaxDelay {
			delay = r.MaxDelay
		}
		total += delay
		delay *= 2
	}
	return total
}

// BudgetConfig 为单个限频窗口。
type BudgetConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// RateLimitConfig 管理分类与账户级额度。
type RateLimitConfig struct {
	MaxWait time.Duration           `mapstructure:"max_wait"`
	Account BudgetConfig            `mapstructure:"account"`
	Default BudgetConfig            `mapstructure:"default"`
	Classes map[string]BudgetConfig `mapstructure:"classes"`
}

// IdempotencyConfig 管理幂等记录的保留与对账。
type IdempotencyConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	Shards         int           `mapstructure:"shards"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	ReconcileAfter time.Duration `mapstructure:"reconcile_after"`
	Persist        bool          `mapstructure:"persist"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控接口，Port 为 0 时不启动。
type MonitorConfig struct {
	Port      int  `mapstructure:"port"`
	Persisted bool `mapstructure:"persisted"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if !c.Exchange.Simulation && !strings.EqualFold(c.Exchange.Name, "okx") {
		err = multierr.Append(err, fmt.Errorf("exchange.name 暂不支持 %q", c.Exchange.Name))
	}
	if !c.Exchange.Simulation && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "" || c.Exchange.APIPass == "") {
		err = multierr.Append(err, errors.New("实盘交易需要配置 api_key、api_secret 与 api_password"))
	}
	if c.Exchange.SendTimeout <= 0 {
		err = multierr.Append(err, errors.New("exchange.send_timeout 必须大于0"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.RateLimit.MaxWait <= 0 {
		err = multierr.Append(err, errors.New("ratelimit.max_wait 必须大于0"))
	}
	if c.RateLimit.Account.Limit < 0 || c.RateLimit.Account.Window < 0 {
		err = multierr.Append(err, errors.New("ratelimit.account 不能为负"))
	}
	for name, budget := range c.RateLimit.Classes {
		if budget.Limit <= 0 || budget.Window <= 0 {
			err = multierr.Append(err, fmt.Errorf("ratelimit.classes.%s 的 limit 与 window 必须大于0", name))
		}
	}
	if c.Idempotency.TTL <= 0 {
		err = multierr.Append(err, errors.New("idempotency.ttl 必须大于0"))
	}
	if horizon := c.Exchange.Retry.Horizon(c.Exchange.SendTimeout); c.Idempotency.TTL > 0 && c.Idempotency.TTL < horizon {
		err = multierr.Append(err, fmt.Errorf("idempotency.ttl 不能小于最长重试时间 %s", horizon))
	}
	if c.Idempotency.Shards <= 0 {
		err = multierr.Append(err, errors.New("idempotency.shards 必须大于0"))
	}
	if c.Idempotency.SweepInterval <= 0 {
		err = multierr.Append(err, errors.New("idempotency.sweep_interval 必须大于0"))
	}
	if c.Idempotency.ReconcileAfter <= 0 {
		err = multierr.Append(err, errors.New("idempotency.reconcile_after 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		err = multierr.Append(err, errors.New("monitor.port 必须位于[0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
