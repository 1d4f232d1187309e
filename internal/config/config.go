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
	envPrefix         = "tradecore"
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

// 交易所文档中各接口的默认额度，窗口均为2秒。
var defaultClasses = map[string]int{
	"place":               60,
	"batch_place":         300,
	"amend":               60,
	"batch_amend":         300,
	"cancel":              60,
	"batch_cancel":        300,
	"close_position":      20,
	"place_algo":          20,
	"cancel_algo":         20,
	"cancel_advance_algo": 20,
	"order_details":       60,
	"orders_pending":      60,
	"orders_history":      40,
	"orders_archive":      20,
	"fills":               60,
	"fills_archive":       10,
	"algo_pending":        20,
	"algo_history":        20,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "okx")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.simulation", false)
	v.SetDefault("exchange.send_timeout", "10s")
	v.SetDefault("exchange.retry.max_attempts", 3)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("ratelimit.max_wait", "5s")
	v.SetDefault("ratelimit.account.limit", 1000)
	v.SetDefault("ratelimit.account.window", "2s")
	v.SetDefault("ratelimit.default.limit", 20)
	v.SetDefault("ratelimit.default.window", "2s")
	for class, limit := range defaultClasses {
		v.SetDefault("ratelimit.classes."+class+".limit", limit)
		v.SetDefault("ratelimit.classes."+class+".window", "2s")
	}

	v.SetDefault("idempotency.ttl", "10m")
	v.SetDefault("idempotency.shards", 16)
	v.SetDefault("idempotency.sweep_interval", "30s")
	v.SetDefault("idempotency.reconcile_after", "1m")
	v.SetDefault("idempotency.persist", true)

	v.SetDefault("database.path", "data/tradecore.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.port", 0)
	v.SetDefault("monitor.persisted", true)
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
