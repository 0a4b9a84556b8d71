package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Log        LogConfig        `mapstructure:"log"`
	API        APIConfig        `mapstructure:"api"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Session    SessionConfig    `mapstructure:"session"`
	Agent      AgentConfig      `mapstructure:"agent"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig 后端 REST 地址，推送通道地址由它推导
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ConnectionConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	AutoReconnect        bool          `mapstructure:"auto_reconnect"`
}

type PollerConfig struct {
	BaseInterval  time.Duration `mapstructure:"base_interval"`
	MinInterval   time.Duration `mapstructure:"min_interval"`
	MaxInterval   time.Duration `mapstructure:"max_interval"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
}

// ReconcileConfig 乐观消息去重窗口，是启发式值而非精确一次保证
type ReconcileConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

type SessionConfig struct {
	FileURLTimeout       time.Duration `mapstructure:"file_url_timeout"`
	RequestSweepInterval time.Duration `mapstructure:"request_sweep_interval"`
}

// AgentConfig 仅用于开发后端的模拟执行
type AgentConfig struct {
	StepDelay  time.Duration `mapstructure:"step_delay"`
	RequestTTL time.Duration `mapstructure:"request_ttl"`
}

var cfg *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.max_header_bytes", 1<<20)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Origin", "Content-Type", "Authorization"})
	v.SetDefault("cors.exposed_headers", []string{"Content-Length"})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 43200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("api.base_url", "http://127.0.0.1:8080")
	v.SetDefault("api.timeout", 15*time.Second)

	v.SetDefault("connection.heartbeat_interval", 30*time.Second)
	v.SetDefault("connection.reconnect_delay", 3*time.Second)
	v.SetDefault("connection.max_reconnect_attempts", 5)
	v.SetDefault("connection.handshake_timeout", 10*time.Second)
	v.SetDefault("connection.write_timeout", 10*time.Second)
	v.SetDefault("connection.auto_reconnect", true)

	v.SetDefault("poller.base_interval", 2*time.Second)
	v.SetDefault("poller.min_interval", time.Second)
	v.SetDefault("poller.max_interval", 30*time.Second)
	v.SetDefault("poller.backoff_factor", 2.0)

	v.SetDefault("reconcile.dedup_window", 10*time.Second)

	v.SetDefault("session.file_url_timeout", 5*time.Second)
	v.SetDefault("session.request_sweep_interval", time.Second)

	v.SetDefault("agent.step_delay", 500*time.Millisecond)
	v.SetDefault("agent.request_ttl", 5*time.Minute)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load 读取配置文件；路径为空时只使用默认值和环境变量
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return nil, err
	}

	cfg = loaded
	return cfg, nil
}

// Default 返回纯默认配置，不读磁盘也不读环境变量
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		panic(err)
	}
	return c
}

func Get() *Config {
	if cfg == nil {
		return Default()
	}
	return cfg
}
