package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "exec"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("broker.name", "hyperliquid")
	v.SetDefault("broker.use_sandbox", false)
	v.SetDefault("broker.simulation", false)
	v.SetDefault("broker.magic", 86412)
	v.SetDefault("broker.deviation", 10)
	v.SetDefault("broker.call_timeout", "10s")

	v.SetDefault("risk.min_risk_reward", 2.0)
	v.SetDefault("risk.min_trade_risk", 0.0025)
	v.SetDefault("risk.max_trade_risk", 0.01)
	v.SetDefault("risk.max_daily_risk", 0.03)
	v.SetDefault("risk.max_trades_per_day", 5)
	v.SetDefault("risk.max_symbol_exposure", 1.0)
	v.SetDefault("risk.max_daily_loss", 0.03)
	v.SetDefault("risk.daily_loss_reset_hour", 0)
	v.SetDefault("risk.enable_daily_stop_loss", true)

	v.SetDefault("router.retry.max_attempts", 5)
	v.SetDefault("router.retry.base_delay", "500ms")
	v.SetDefault("router.retry.max_delay", "8s")
	v.SetDefault("router.retry.multiplier", 2.0)
	v.SetDefault("router.retry.jitter", 0.2)

	v.SetDefault("reconcile.poll_interval", "30s")
	v.SetDefault("reconcile.missing_grace", "90s")
	v.SetDefault("reconcile.deal_lookback", "24h")

	v.SetDefault("database.path", "data/exec_core.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("autonomy.interval", "15m")
	v.SetDefault("autonomy.auto_start", false)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8721)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
