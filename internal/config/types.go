package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了执行核心运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Symbols   []SymbolConfig  `mapstructure:"symbols"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Router    RouterConfig    `mapstructure:"router"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Autonomy  AutonomyConfig  `mapstructure:"autonomy"`
	Server    ServerConfig    `mapstructure:"server"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 描述经纪商连接信息。
type BrokerConfig struct {
	Name        string        `mapstructure:"name"`
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	APIPass     string        `mapstructure:"api_password"`
	Wallet      string        `mapstructure:"wallet_address"`
	PrivateKey  string        `mapstructure:"private_key"`
	UseSandbox  bool          `mapstructure:"use_sandbox"`
	Simulation  bool          `mapstructure:"simulation"`
	Magic       int64         `mapstructure:"magic"`
	Deviation   int           `mapstructure:"deviation"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// SessionConfig 描述交易时段窗口（UTC）。
type SessionConfig struct {
	TradeStartUTC string `mapstructure:"trade_start_utc"`
	TradeEndUTC   string `mapstructure:"trade_end_utc"`
	BlockOnClosed bool   `mapstructure:"block_on_closed"`
}

// SymbolConfig 将规范符号映射到经纪商别名。
// ContractSize 为每手合约的基础单位数，缺省按1处理。
type SymbolConfig struct {
	Canonical    string        `mapstructure:"canonical"`
	Aliases      []string      `mapstructure:"aliases"`
	ContractSize float64       `mapstructure:"contract_size"`
	Session      SessionConfig `mapstructure:"session"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	MinRiskReward       float64 `mapstructure:"min_risk_reward"`
	MinTradeRisk        float64 `mapstructure:"min_trade_risk"`
	MaxTradeRisk        float64 `mapstructure:"max_trade_risk"`
	MaxDailyRisk        float64 `mapstructure:"max_daily_risk"`
	MaxTradesPerDay     int     `mapstructure:"max_trades_per_day"`
	MaxSymbolExposure   float64 `mapstructure:"max_symbol_exposure"`
	MaxDailyLoss        float64 `mapstructure:"max_daily_loss"`
	DailyLossResetHour  int     `mapstructure:"daily_loss_reset_hour"`
	EnableDailyStopLoss bool    `mapstructure:"enable_daily_stop_loss"`
}

// RetryConfig 统一控制提交重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"`
}

// RouterConfig 控制订单路由行为。
type RouterConfig struct {
	Retry RetryConfig `mapstructure:"retry"`
}

// ReconcileConfig 控制对账轮询。
type ReconcileConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MissingGrace time.Duration `mapstructure:"missing_grace"`
	DealLookback time.Duration `mapstructure:"deal_lookback"`
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

// AutonomyConfig 控制自治循环节奏。
type AutonomyConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	AutoStart bool          `mapstructure:"auto_start"`
}

// ServerConfig 控制运维接口。
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Broker.Name == "" {
		err = multierr.Append(err, errors.New("broker.name 不能为空"))
	}
	if c.Broker.CallTimeout <= 0 {
		err = multierr.Append(err, errors.New("broker.call_timeout 必须大于0"))
	}
	if c.Broker.Deviation < 0 {
		err = multierr.Append(err, errors.New("broker.deviation 不能为负"))
	}
	if len(c.Symbols) == 0 {
		err = multierr.Append(err, errors.New("symbols 至少配置一个交易符号"))
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, sym := range c.Symbols {
		if sym.Canonical == "" {
			err = multierr.Append(err, errors.New("symbols.canonical 不能为空"))
			continue
		}
		if seen[sym.Canonical] {
			err = multierr.Append(err, fmt.Errorf("symbols.canonical %q 重复定义", sym.Canonical))
		}
		seen[sym.Canonical] = true
	}
	if c.Risk.MinRiskReward <= 0 {
		err = multierr.Append(err, errors.New("risk.min_risk_reward 必须大于0"))
	}
	if c.Risk.MinTradeRisk <= 0 || c.Risk.MinTradeRisk > 1 {
		err = multierr.Append(err, errors.New("risk.min_trade_risk 必须位于(0,1]"))
	}
	if c.Risk.MaxTradeRisk <= 0 || c.Risk.MaxTradeRisk > 1 {
		err = multierr.Append(err, errors.New("risk.max_trade_risk 必须位于(0,1]"))
	}
	if c.Risk.MinTradeRisk > c.Risk.MaxTradeRisk {
		err = multierr.Append(err, errors.New("risk.min_trade_risk 不能大于 max_trade_risk"))
	}
	if c.Risk.MaxDailyRisk <= 0 || c.Risk.MaxDailyRisk > 1 {
		err = multierr.Append(err, errors.New("risk.max_daily_risk 必须位于(0,1]"))
	}
	if c.Risk.MaxTradesPerDay <= 0 {
		err = multierr.Append(err, errors.New("risk.max_trades_per_day 必须大于0"))
	}
	if c.Risk.MaxSymbolExposure <= 0 {
		err = multierr.Append(err, errors.New("risk.max_symbol_exposure 必须大于0"))
	}
	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss > 1 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss 必须位于(0,1]"))
	}
	if c.Risk.EnableDailyStopLoss && (c.Risk.DailyLossResetHour < 0 || c.Risk.DailyLossResetHour > 23) {
		err = multierr.Append(err, errors.New("risk.daily_loss_reset_hour 必须位于[0,23]"))
	}
	if c.Router.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("router.retry.max_attempts 必须大于0"))
	}
	if c.Router.Retry.BaseDelay <= 0 || c.Router.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("router.retry.delay 必须为正"))
	}
	if c.Router.Retry.BaseDelay > c.Router.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("router.retry.base_delay 不能大于 max_delay"))
	}
	if c.Router.Retry.Multiplier < 1 {
		err = multierr.Append(err, errors.New("router.retry.multiplier 不能小于1"))
	}
	if c.Router.Retry.Jitter < 0 || c.Router.Retry.Jitter > 1 {
		err = multierr.Append(err, errors.New("router.retry.jitter 必须位于[0,1]"))
	}
	if c.Reconcile.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("reconcile.poll_interval 必须大于0"))
	}
	if c.Reconcile.MissingGrace <= 0 {
		err = multierr.Append(err, errors.New("reconcile.missing_grace 必须大于0"))
	}
	if c.Reconcile.DealLookback <= 0 {
		err = multierr.Append(err, errors.New("reconcile.deal_lookback 必须大于0"))
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
	if c.Autonomy.Interval <= 0 {
		err = multierr.Append(err, errors.New("autonomy.interval 必须大于0"))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
