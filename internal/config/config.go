package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DefaultCompletionRule 订单完工判定：数量达标且所有工序完成 (无工序视为完成)
const DefaultCompletionRule = "produced >= required && steps_done"

// QualityConfig 质检请求的投递方式
// RemoteEndpoint 为空时写入本地数据库
type QualityConfig struct {
	RemoteEndpoint string `mapstructure:"remote_endpoint"`
	TimeoutMs      int    `mapstructure:"timeout_ms"`
}

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	ListenAddr     string        `mapstructure:"listen_addr"`      // HTTP / WebSocket 监听地址
	DBPath         string        `mapstructure:"db_path"`          // SQLite 数据库文件
	JournalPath    string        `mapstructure:"journal_path"`     // 会话日志 (重启恢复用)
	TickIntervalMs int           `mapstructure:"tick_interval_ms"` // 显示时钟的刷新间隔
	CompletionRule string        `mapstructure:"completion_rule"`  // 订单完工规则 (expr 语法)
	Stations       []string      `mapstructure:"stations"`         // 本服务承载的工站 ID
	Quality        QualityConfig `mapstructure:"quality"`
}

// LoadConfig 加载配置
// 查找顺序: 显式路径 > 当前目录的 config.yaml；文件不存在时使用默认值
// 环境变量 MES_* 覆盖文件中的值 (例如 MES_DB_PATH, MES_QUALITY_REMOTE_ENDPOINT)
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// 设置默认值
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "mes.db")
	v.SetDefault("journal_path", "sessions.wal")
	v.SetDefault("tick_interval_ms", 1000)
	v.SetDefault("completion_rule", DefaultCompletionRule)
	v.SetDefault("stations", []string{"ST-01"})
	v.SetDefault("quality.remote_endpoint", "")
	v.SetDefault("quality.timeout_ms", 5000)

	v.SetEnvPrefix("MES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if cfg.TickIntervalMs <= 0 {
		return nil, fmt.Errorf("tick_interval_ms 必须大于 0, 得到 %d", cfg.TickIntervalMs)
	}
	if len(cfg.Stations) == 0 {
		return nil, errors.New("至少需要配置一个工站")
	}
	return &cfg, nil
}
