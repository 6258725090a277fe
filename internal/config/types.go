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
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Oracles   []OracleConfig  `mapstructure:"oracles"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OracleConfig 描述单个顾问模型的调用参数。
// 配置列表的顺序即共识裁决时的优先级顺序：一致建议的具体参数
// 永远取自排位最靠前的参与模型。
type OracleConfig struct {
	Name    string        `mapstructure:"name"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PairConfig 描述单个交易对的行情采集参数。
type PairConfig struct {
	Symbol        string `mapstructure:"symbol"`
	ShortInterval string `mapstructure:"short_interval"`
	LongInterval  string `mapstructure:"long_interval"`
	KlineLimit    int    `mapstructure:"kline_limit"`
}

// TradingConfig 控制交易决策的边界参数。
type TradingConfig struct {
	Pairs               []PairConfig `mapstructure:"pairs"`
	ConfidenceThreshold float64      `mapstructure:"confidence_threshold"`
	MinLeverage         int          `mapstructure:"min_leverage"`
	MaxLeverage         int          `mapstructure:"max_leverage"`
	MinPositionSize     float64      `mapstructure:"min_position_size"`
	MaxPositionSize     float64      `mapstructure:"max_position_size"`
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

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	Mode     string        `mapstructure:"mode"`
	Interval time.Duration `mapstructure:"interval"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

const (
	// ModeSingle 表示只运行一个交易周期后退出。
	ModeSingle = "single"
	// ModeContinuous 表示按固定间隔持续运行。
	ModeContinuous = "continuous"
)

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
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

	if len(c.Oracles) == 0 {
		err = multierr.Append(err, errors.New("oracles 至少需要配置一个顾问模型"))
	}
	seen := make(map[string]struct{}, len(c.Oracles))
	for i, oracle := range c.Oracles {
		if oracle.Name == "" {
			err = multierr.Append(err, fmt.Errorf("oracles[%d].name 不能为空", i))
			continue
		}
		key := strings.ToLower(oracle.Name)
		if _, dup := seen[key]; dup {
			err = multierr.Append(err, fmt.Errorf("oracles[%d].name 重复: %s", i, oracle.Name))
		}
		seen[key] = struct{}{}
		if oracle.APIKey == "" {
			err = multierr.Append(err, fmt.Errorf("oracles[%d].api_key 不能为空", i))
		}
		if oracle.Model == "" {
			err = multierr.Append(err, fmt.Errorf("oracles[%d].model 不能为空", i))
		}
		if oracle.Timeout <= 0 {
			err = multierr.Append(err, fmt.Errorf("oracles[%d].timeout 必须大于0", i))
		}
	}

	if len(c.Trading.Pairs) == 0 {
		err = multierr.Append(err, errors.New("trading.pairs 至少需要配置一个交易对"))
	}
	for i, pair := range c.Trading.Pairs {
		if pair.Symbol == "" {
			err = multierr.Append(err, fmt.Errorf("trading.pairs[%d].symbol 不能为空", i))
		}
		if pair.ShortInterval == "" || pair.LongInterval == "" {
			err = multierr.Append(err, fmt.Errorf("trading.pairs[%d] 缺少K线周期配置", i))
		}
		if pair.KlineLimit <= 0 {
			err = multierr.Append(err, fmt.Errorf("trading.pairs[%d].kline_limit 必须大于0", i))
		}
	}
	if c.Trading.ConfidenceThreshold < 0 || c.Trading.ConfidenceThreshold > 1 {
		err = multierr.Append(err, errors.New("trading.confidence_threshold 必须位于[0,1]"))
	}
	if c.Trading.MinLeverage <= 0 || c.Trading.MaxLeverage < c.Trading.MinLeverage {
		err = multierr.Append(err, errors.New("trading.min_leverage/max_leverage 配置非法"))
	}
	if c.Trading.MinPositionSize <= 0 || c.Trading.MaxPositionSize < c.Trading.MinPositionSize {
		err = multierr.Append(err, errors.New("trading.min_position_size/max_position_size 配置非法"))
	}
	if c.Trading.MaxPositionSize > 1 {
		err = multierr.Append(err, errors.New("trading.max_position_size 不能超过1"))
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

	switch c.Scheduler.Mode {
	case ModeSingle, ModeContinuous:
	default:
		err = multierr.Append(err, fmt.Errorf("scheduler.mode 取值非法: %s", c.Scheduler.Mode))
	}
	if c.Scheduler.Mode == ModeContinuous && c.Scheduler.Interval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.interval 必须大于0"))
	}

	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
