package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix 所有环境变量覆盖项的前缀
const EnvPrefix = "BOTHOST_"

const (
	SecretBackendSQLite = "sqlite"
	SecretBackendBadger = "badger"

	EmbeddedModeInProcess = "inprocess"
	EmbeddedModeProcess   = "process"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
	JSON       bool   `yaml:"json"`
}

// QuotaConfig 租户配额策略
type QuotaConfig struct {
	FreeDuration         time.Duration `yaml:"free_duration"`         // free 实例自动停止时长
	FreeMaxInstances     int           `yaml:"free_max_instances"`    // 0 = 不限制
	PremiumMaxInstances  int           `yaml:"premium_max_instances"` // 0 = 不限制
	StartsPerMinute      int           `yaml:"starts_per_minute"`     // 每个 owner 每分钟允许的 start 次数，0 = 不限制
	RestartPremiumOnBoot bool          `yaml:"restart_premium_on_boot"`
}

// WorkerConfig 执行器配置
type WorkerConfig struct {
	WorkRoot         string        `yaml:"work_root"`
	Python           string        `yaml:"python"`
	EmbeddedMode     string        `yaml:"embedded_mode"` // inprocess | process
	BotRunnerBin     string        `yaml:"botrunner_bin"`
	EvalTimeout      time.Duration `yaml:"eval_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	KillGrace        time.Duration `yaml:"kill_grace"`
	EnvDenyPrefixes  []string      `yaml:"env_deny_prefixes"`
}

// PlatformConfig 消息平台地址
type PlatformConfig struct {
	GatewayURL string `yaml:"gateway_url"`
	APIURL     string `yaml:"api_url"`
}

// Config 服务配置。优先级：命令行 flag > 环境变量 > 配置文件 > 默认值
type Config struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
	DBPath        string `yaml:"db_path"`

	SecretBackend string `yaml:"secret_backend"` // sqlite | badger
	BadgerPath    string `yaml:"badger_path"`
	BadgerKey     string `yaml:"badger_key"`
	MasterKey     string `yaml:"master_key"`
	Passphrase    string `yaml:"passphrase"`

	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	LogMaxLines      int           `yaml:"log_max_lines"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`

	Quota    QuotaConfig    `yaml:"quota"`
	Worker   WorkerConfig   `yaml:"worker"`
	Platform PlatformConfig `yaml:"platform"`
	Log      LogConfig      `yaml:"log"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Listen:           ":8080",
		MetricsListen:    "",
		DBPath:           "data/bothost.db",
		SecretBackend:    SecretBackendSQLite,
		BadgerPath:       "data/secrets",
		FetchTimeout:     10 * time.Second,
		LogMaxLines:      0,
		SubscriberBuffer: 256,
		Quota: QuotaConfig{
			FreeDuration:        90 * time.Minute,
			FreeMaxInstances:    3,
			PremiumMaxInstances: 7,
			StartsPerMinute:     10,
		},
		Worker: WorkerConfig{
			WorkRoot:         "data/bots",
			Python:           "python3",
			EmbeddedMode:     EmbeddedModeInProcess,
			BotRunnerBin:     "botrunner",
			EvalTimeout:      10 * time.Second,
			HandshakeTimeout: 30 * time.Second,
			KillGrace:        5 * time.Second,
			EnvDenyPrefixes:  []string{EnvPrefix},
		},
		Platform: PlatformConfig{
			GatewayURL: "wss://gateway.discord.gg/?v=10&encoding=json",
			APIURL:     "https://discord.com/api/v10",
		},
		Log: LogConfig{
			Level:      "info",
			File:       "logs/bothost.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// Load 读取配置文件（可为空）并叠加环境变量。lookup 为 nil 时使用 os.Getenv。
func Load(path string, lookup func(string) string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败 %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败 %s: %w", path, err)
		}
	}
	if lookup == nil {
		lookup = os.Getenv
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) string) error {
	env := envReader{lookup: lookup}
	env.str("LISTEN", &c.Listen)
	env.str("METRICS_LISTEN", &c.MetricsListen)
	env.str("DB", &c.DBPath)
	env.str("SECRET_BACKEND", &c.SecretBackend)
	env.str("BADGER_PATH", &c.BadgerPath)
	env.str("BADGER_KEY", &c.BadgerKey)
	env.str("MASTER_KEY", &c.MasterKey)
	env.str("PASSPHRASE", &c.Passphrase)
	env.dur("FETCH_TIMEOUT", &c.FetchTimeout)
	env.int("LOG_MAX_LINES", &c.LogMaxLines)
	env.int("SUBSCRIBER_BUFFER", &c.SubscriberBuffer)

	env.dur("FREE_DURATION", &c.Quota.FreeDuration)
	env.int("FREE_MAX_INSTANCES", &c.Quota.FreeMaxInstances)
	env.int("PREMIUM_MAX_INSTANCES", &c.Quota.PremiumMaxInstances)
	env.int("STARTS_PER_MINUTE", &c.Quota.StartsPerMinute)
	env.bool("RESTART_PREMIUM_ON_BOOT", &c.Quota.RestartPremiumOnBoot)

	env.str("WORK_ROOT", &c.Worker.WorkRoot)
	env.str("PYTHON", &c.Worker.Python)
	env.str("EMBEDDED_MODE", &c.Worker.EmbeddedMode)
	env.str("BOTRUNNER_BIN", &c.Worker.BotRunnerBin)
	env.dur("EVAL_TIMEOUT", &c.Worker.EvalTimeout)
	env.dur("HANDSHAKE_TIMEOUT", &c.Worker.HandshakeTimeout)
	env.dur("KILL_GRACE", &c.Worker.KillGrace)
	if v := env.get("ENV_DENY_PREFIXES"); v != "" {
		c.Worker.EnvDenyPrefixes = splitList(v)
	}

	env.str("PLATFORM_GATEWAY_URL", &c.Platform.GatewayURL)
	env.str("PLATFORM_API_URL", &c.Platform.APIURL)

	env.str("LOG_LEVEL", &c.Log.Level)
	env.str("LOG_FILE", &c.Log.File)
	env.bool("LOG_JSON", &c.Log.JSON)
	return env.err
}

// Validate 校验配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen 不能为空")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path 不能为空")
	}
	switch c.SecretBackend {
	case SecretBackendSQLite:
	case SecretBackendBadger:
		if strings.TrimSpace(c.BadgerPath) == "" {
			return fmt.Errorf("secret_backend=badger 需要 badger_path")
		}
	default:
		return fmt.Errorf("secret_backend 必须是 sqlite 或 badger，当前为 %q", c.SecretBackend)
	}
	if strings.TrimSpace(c.MasterKey) == "" && strings.TrimSpace(c.Passphrase) == "" {
		return fmt.Errorf("必须配置 master_key 或 passphrase")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout 必须大于 0")
	}
	if c.LogMaxLines < 0 {
		return fmt.Errorf("log_max_lines 不能为负数")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber_buffer 必须大于 0")
	}
	if c.Quota.FreeDuration <= 0 {
		return fmt.Errorf("quota.free_duration 必须大于 0")
	}
	if c.Quota.FreeMaxInstances < 0 || c.Quota.PremiumMaxInstances < 0 || c.Quota.StartsPerMinute < 0 {
		return fmt.Errorf("quota 限制不能为负数")
	}
	if strings.TrimSpace(c.Worker.WorkRoot) == "" {
		return fmt.Errorf("worker.work_root 不能为空")
	}
	switch c.Worker.EmbeddedMode {
	case EmbeddedModeInProcess, EmbeddedModeProcess:
	default:
		return fmt.Errorf("worker.embedded_mode 必须是 inprocess 或 process，当前为 %q", c.Worker.EmbeddedMode)
	}
	if c.Worker.EvalTimeout <= 0 || c.Worker.HandshakeTimeout <= 0 {
		return fmt.Errorf("worker 超时必须大于 0")
	}
	return nil
}

type envReader struct {
	lookup func(string) string
	err    error
}

func (e *envReader) get(key string) string {
	return strings.TrimSpace(e.lookup(EnvPrefix + key))
}

func (e *envReader) str(key string, dst *string) {
	if v := e.get(key); v != "" {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v := e.get(key)
	if v == "" || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("环境变量 %s%s 不是整数: %q", EnvPrefix, key, v)
		return
	}
	*dst = n
}

func (e *envReader) bool(key string, dst *bool) {
	v := e.get(key)
	if v == "" || e.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = fmt.Errorf("环境变量 %s%s 不是布尔值: %q", EnvPrefix, key, v)
		return
	}
	*dst = b
}

func (e *envReader) dur(key string, dst *time.Duration) {
	v := e.get(key)
	if v == "" || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("环境变量 %s%s 不是时长: %q", EnvPrefix, key, v)
		return
	}
	*dst = d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
