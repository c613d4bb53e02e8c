package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 是所有环境变量的统一前缀，例如 SNMPDASH_BACKEND_URL。
const EnvPrefix = "SNMPDASH"

// Config 汇总服务运行时所需的全部配置。
type Config struct {
	Addr string

	BackendURL     string
	CSRFCookieName string
	RequestTimeout time.Duration

	SessionKey  []byte
	CSRFKey     []byte
	DBPath      string
	IdleTimeout time.Duration

	PollInterval time.Duration
	ResetDelay   time.Duration

	LoginRate  float64
	LoginBurst int

	LogLevel  string
	LogFormat string

	Probe ProbeConfig
}

// ProbeConfig 控制管理端口探测。
type ProbeConfig struct {
	Enabled     bool
	Ports       []int
	Timeout     time.Duration
	Concurrency int
	Workers     int
	Interval    time.Duration
}

// SetDefaults 写入全部默认值。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("backend.url", "http://localhost:8000/api/")
	v.SetDefault("backend.csrf_cookie", "csrftoken")
	v.SetDefault("backend.timeout", 15*time.Second)
	v.SetDefault("session.key", "0123456789abcdef0123456789abcdef")
	v.SetDefault("session.idle_timeout", 30*time.Minute)
	v.SetDefault("csrf.key", "abcdef0123456789abcdef0123456789")
	v.SetDefault("db.path", "data/snmpdash.db")
	v.SetDefault("dashboard.poll_interval", 100*time.Second)
	v.SetDefault("discovery.reset_delay", 5*time.Second)
	v.SetDefault("login.rate", 0.2)
	v.SetDefault("login.burst", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("probe.enabled", false)
	v.SetDefault("probe.ports", "22,23,80,443,830")
	v.SetDefault("probe.timeout", 2*time.Second)
	v.SetDefault("probe.concurrency", 50)
	v.SetDefault("probe.workers", 2)
	v.SetDefault("probe.interval", 0)
}

// New 创建绑定了默认值与环境变量的 viper 实例。
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load 读取可选的配置文件与环境变量，返回校验后的配置。
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper 从已填充的 viper 实例构建配置。
func FromViper(v *viper.Viper) (*Config, error) {
	ports, err := ParsePorts(v.GetString("probe.ports"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Addr:           strings.TrimSpace(v.GetString("http.addr")),
		BackendURL:     strings.TrimSpace(v.GetString("backend.url")),
		CSRFCookieName: strings.TrimSpace(v.GetString("backend.csrf_cookie")),
		RequestTimeout: v.GetDuration("backend.timeout"),
		SessionKey:     []byte(v.GetString("session.key")),
		CSRFKey:        []byte(v.GetString("csrf.key")),
		DBPath:         strings.TrimSpace(v.GetString("db.path")),
		IdleTimeout:    v.GetDuration("session.idle_timeout"),
		PollInterval:   v.GetDuration("dashboard.poll_interval"),
		ResetDelay:     v.GetDuration("discovery.reset_delay"),
		LoginRate:      v.GetFloat64("login.rate"),
		LoginBurst:     v.GetInt("login.burst"),
		LogLevel:       strings.ToLower(strings.TrimSpace(v.GetString("log.level"))),
		LogFormat:      strings.ToLower(strings.TrimSpace(v.GetString("log.format"))),
		Probe: ProbeConfig{
			Enabled:     v.GetBool("probe.enabled"),
			Ports:       ports,
			Timeout:     v.GetDuration("probe.timeout"),
			Concurrency: v.GetInt("probe.concurrency"),
			Workers:     v.GetInt("probe.workers"),
			Interval:    v.GetDuration("probe.interval"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置的一致性，并把后端地址规范为以 / 结尾。
func (c *Config) Validate() error {
	if len(c.SessionKey) < 32 {
		return fmt.Errorf("session key must be at least 32 bytes, got %d", len(c.SessionKey))
	}
	if len(c.CSRFKey) < 32 {
		return fmt.Errorf("csrf key must be at least 32 bytes, got %d", len(c.CSRFKey))
	}
	if c.Addr == "" {
		return errors.New("http address must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("db path must not be empty")
	}
	if c.CSRFCookieName == "" {
		return errors.New("backend csrf cookie name must not be empty")
	}

	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("backend url %q must be an absolute http(s) url", c.BackendURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	c.BackendURL = u.String()

	if c.RequestTimeout <= 0 {
		return errors.New("backend timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("dashboard poll interval must be positive")
	}
	if c.ResetDelay < 0 {
		return errors.New("discovery reset delay must not be negative")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("session idle timeout must be positive")
	}
	if c.LoginRate <= 0 || c.LoginBurst <= 0 {
		return errors.New("login rate and burst must be positive")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}

	if c.Probe.Enabled {
		if len(c.Probe.Ports) == 0 {
			return errors.New("probe ports must not be empty")
		}
		if c.Probe.Concurrency <= 0 {
			return errors.New("probe concurrency must be positive")
		}
		if c.Probe.Workers <= 0 {
			return errors.New("probe workers must be positive")
		}
		if c.Probe.Timeout <= 0 {
			return errors.New("probe timeout must be positive")
		}
		if c.Probe.Interval < 0 {
			return errors.New("probe interval must not be negative")
		}
	}
	return nil
}

// ParsePorts 解析逗号分隔的端口列表。
func ParsePorts(raw string) ([]int, error) {
	var ports []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("invalid probe port %q", part)
		}
		ports = append(ports, n)
	}
	return ports, nil
}
