package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig 应用基础信息
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// HTTPConfig HTTP 服务配置（API / 指标 / WebSocket 推送共用一个端口）
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// ScanFeedConfig 扫描上行（BLE 扫描进程推送采样）TCP 配置
type ScanFeedConfig struct {
	Addr        string        `mapstructure:"addr"`
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	MaxLineSize int           `mapstructure:"maxLineSize"`
	RatePerSec  int           `mapstructure:"ratePerSec"`
	Burst       int           `mapstructure:"burst"`
}

// EngineConfig 近场判定引擎参数（构造期固定，运行期不可变）
type EngineConfig struct {
	EnterThreshold  float64       `mapstructure:"enterThreshold"`  // dBm，进入 near 所需的平滑信号强度
	ExitThreshold   float64       `mapstructure:"exitThreshold"`   // dBm，退回 far 的阈值，必须低于 enterThreshold
	AlphaNear       float64       `mapstructure:"alphaNear"`       // near 状态下 EWMA 新样本权重（更平滑）
	AlphaFar        float64       `mapstructure:"alphaFar"`        // far 状态下 EWMA 新样本权重（更灵敏）
	WindowDuration  time.Duration `mapstructure:"windowDuration"`  // 滚动到达窗口长度
	PacketsRequired int           `mapstructure:"packetsRequired"` // 窗口内最少报文数
	ExpiryTimeout   time.Duration `mapstructure:"expiryTimeout"`   // 超过该时长无采样即视为离开
}

// PublishConfig 快照推送节奏
type PublishConfig struct {
	TickInterval   time.Duration `mapstructure:"tickInterval"`   // 快照广播周期
	ExpiryInterval time.Duration `mapstructure:"expiryInterval"` // 过期扫描周期
}

// RegistryConfig 配对设备清单文件
type RegistryConfig struct {
	Path   string `mapstructure:"path"`
	Watch  bool   `mapstructure:"watch"`
	Strict bool   `mapstructure:"strict"` // true 时拒绝清单外设备的采样
}

// RedisConfig Redis 快照发布配置（可选的第二路传输）
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Channel      string        `mapstructure:"channel"`
	DialTimeout  time.Duration `mapstructure:"dialTimeout"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// WSConfig WebSocket 推送配置
type WSConfig struct {
	Path            string `mapstructure:"path"`
	WriteBufferSize int    `mapstructure:"writeBufferSize"`
	SendQueueSize   int    `mapstructure:"sendQueueSize"`
}

// AuthConfig HTTP API 认证配置
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"apiKeys"`
}

// LumberjackConfig 日志滚动（lumberjack）配置
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig 日志级别与输出配置
type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

// MetricsConfig Prometheus 指标暴露配置
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Config 顶层配置结构
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	ScanFeed ScanFeedConfig `mapstructure:"scanfeed"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Publish  PublishConfig  `mapstructure:"publish"`
	Registry RegistryConfig `mapstructure:"registry"`
	Redis    RedisConfig    `mapstructure:"redis"`
	WS       WSConfig       `mapstructure:"ws"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// Load 从 YAML/TOML/JSON 文件与环境变量加载配置。
// 若 path 为空，则尝试从环境变量 PROX_CONFIG 读取；否则回退到 configs/example.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = os.Getenv("PROX_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("example")
		v.SetConfigType("yaml")
	}

	// 默认值
	setDefaults(v)

	// 环境变量覆盖：前缀 PROX_，并将点号替换为下划线
	v.SetEnvPrefix("PROX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 搜索模式下允许缺少配置文件，依赖默认值与环境变量；
		// 显式指定的路径读不到则属于致命错误
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置约束。引擎参数非法属于致命错误，拒绝启动。
func (c *Config) Validate() error {
	e := c.Engine
	if e.EnterThreshold <= e.ExitThreshold {
		return fmt.Errorf("config: engine.enterThreshold (%.1f) must be greater than engine.exitThreshold (%.1f)",
			e.EnterThreshold, e.ExitThreshold)
	}
	if e.AlphaNear <= 0 || e.AlphaNear > 1 {
		return fmt.Errorf("config: engine.alphaNear %.2f out of range (0,1]", e.AlphaNear)
	}
	if e.AlphaFar <= 0 || e.AlphaFar > 1 {
		return fmt.Errorf("config: engine.alphaFar %.2f out of range (0,1]", e.AlphaFar)
	}
	if e.PacketsRequired < 1 {
		return fmt.Errorf("config: engine.packetsRequired must be >= 1, got %d", e.PacketsRequired)
	}
	if e.WindowDuration <= 0 {
		return fmt.Errorf("config: engine.windowDuration must be positive")
	}
	if e.ExpiryTimeout <= e.WindowDuration {
		return fmt.Errorf("config: engine.expiryTimeout (%s) must exceed engine.windowDuration (%s)",
			e.ExpiryTimeout, e.WindowDuration)
	}
	if c.Publish.TickInterval <= 0 {
		return fmt.Errorf("config: publish.tickInterval must be positive")
	}
	if c.Publish.ExpiryInterval <= 0 {
		return fmt.Errorf("config: publish.expiryInterval must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "proximity-server")
	v.SetDefault("app.env", "dev")

	v.SetDefault("http.addr", ":8770")
	v.SetDefault("http.readTimeout", "5s")
	v.SetDefault("http.writeTimeout", "10s")

	v.SetDefault("scanfeed.addr", ":7946")
	v.SetDefault("scanfeed.readTimeout", "30s")
	v.SetDefault("scanfeed.maxLineSize", 4096)
	v.SetDefault("scanfeed.ratePerSec", 200)
	v.SetDefault("scanfeed.burst", 400)

	v.SetDefault("engine.enterThreshold", -65.0)
	v.SetDefault("engine.exitThreshold", -69.0)
	v.SetDefault("engine.alphaNear", 0.3)
	v.SetDefault("engine.alphaFar", 0.8)
	v.SetDefault("engine.windowDuration", "4s")
	v.SetDefault("engine.packetsRequired", 4)
	v.SetDefault("engine.expiryTimeout", "12s")

	v.SetDefault("publish.tickInterval", "200ms")
	v.SetDefault("publish.expiryInterval", "1s")

	v.SetDefault("registry.path", "configs/devices.yaml")
	v.SetDefault("registry.watch", true)
	v.SetDefault("registry.strict", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "proximity:snapshots")
	v.SetDefault("redis.dialTimeout", "3s")
	v.SetDefault("redis.readTimeout", "2s")
	v.SetDefault("redis.writeTimeout", "2s")

	v.SetDefault("ws.path", "/ws")
	v.SetDefault("ws.writeBufferSize", 4096)
	v.SetDefault("ws.sendQueueSize", 16)

	v.SetDefault("auth.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.filename", "logs/proximity-server.log")
	v.SetDefault("logging.file.maxSize", 100)
	v.SetDefault("logging.file.maxBackups", 7)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}
