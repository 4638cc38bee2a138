package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-agency/internal/agent"
	"github.com/basket/go-agency/internal/alert"
	"github.com/basket/go-agency/internal/cron"
	otelpkg "github.com/basket/go-agency/internal/otel"
	"github.com/basket/go-agency/internal/persistence"
	"github.com/basket/go-agency/internal/publisher"
)

// BreakerConfig tunes the per-platform circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint `yaml:"failure_threshold"`
	Executions       uint `yaml:"executions"`
	DelaySeconds     int  `yaml:"delay_seconds"`
}

type SchedulerConfig struct {
	TickIntervalSeconds   int           `yaml:"tick_interval_seconds"`
	PublishTimeoutSeconds int           `yaml:"publish_timeout_seconds"`
	MaxParallel           int           `yaml:"max_parallel"`
	BatchSize             int           `yaml:"batch_size"`
	Breaker               BreakerConfig `yaml:"circuit_breaker"`
}

// TickInterval is how often due content is checked.
func (s SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalSeconds) * time.Second
}

// PublishTimeout bounds each platform call.
func (s SchedulerConfig) PublishTimeout() time.Duration {
	return time.Duration(s.PublishTimeoutSeconds) * time.Second
}

type MetricsConfig struct {
	Schedules            []cron.Schedule `yaml:"schedules"`
	CheckIntervalSeconds int             `yaml:"check_interval_seconds"`
	// CollectOnStart runs one hourly cycle when the daemon boots.
	CollectOnStart bool `yaml:"collect_on_start"`
}

// PlatformConfig configures one platform publisher.
type PlatformConfig struct {
	Disabled   bool                  `yaml:"disabled"`
	Endpoint   string                `yaml:"endpoint"`
	Token      string                `yaml:"token"`
	TokenEnv   string                `yaml:"token_env"` // env var holding the token; wins over token
	Guidelines *publisher.Guidelines `yaml:"guidelines,omitempty"`
}

type TelegramConfig struct {
	Token       string  `yaml:"token"`
	ChatIDs     []int64 `yaml:"chat_ids"`
	Enabled     bool    `yaml:"enabled"`
	MinSeverity string  `yaml:"min_severity"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// AllowOrigins lists browser origins accepted on /ws. Empty means same-host only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Scheduler SchedulerConfig           `yaml:"scheduler"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Alerts    alert.Thresholds          `yaml:"alerts"`
	Platforms map[string]PlatformConfig `yaml:"platforms"`
	Telemetry otelpkg.Config            `yaml:"telemetry"`
	Channels  ChannelsConfig            `yaml:"channels"`
	Agents    []agent.Registration      `yaml:"agents"`

	// MessageSchemas maps a message type to a JSON Schema file. Relative
	// paths resolve against HomeDir.
	MessageSchemas map[string]string `yaml:"message_schemas"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect runtime behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|tick=%d|timeout=%d|parallel=%d|alerts=%v|origins=%v",
		c.BindAddr, c.LogLevel, c.DBPath, c.Scheduler.TickIntervalSeconds,
		c.Scheduler.PublishTimeoutSeconds, c.Scheduler.MaxParallel, c.Alerts, c.AllowOrigins)
	for _, s := range c.Metrics.Schedules {
		fmt.Fprintf(h, "|sched=%s:%s", s.Period, s.Expr)
	}
	names := make([]string, 0, len(c.Platforms))
	for name := range c.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := c.Platforms[name]
		fmt.Fprintf(h, "|platform=%s:%t:%s", name, p.Disabled, p.Endpoint)
		if p.Guidelines != nil {
			fmt.Fprintf(h, ":%v", *p.Guidelines)
		}
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// PublisherConfigs resolves the platforms section into publisher options.
func (c Config) PublisherConfigs() (map[persistence.Platform]publisher.PlatformConfig, error) {
	out := make(map[persistence.Platform]publisher.PlatformConfig, len(c.Platforms))
	for name, pc := range c.Platforms {
		p, err := persistence.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("platforms.%s: %w", name, err)
		}
		token := pc.Token
		if pc.TokenEnv != "" {
			if v := os.Getenv(pc.TokenEnv); v != "" {
				token = v
			}
		}
		out[p] = publisher.PlatformConfig{
			Disabled: pc.Disabled,
			Options: publisher.Options{
				Endpoint:   pc.Endpoint,
				Token:      token,
				Guidelines: pc.Guidelines,
			},
		}
	}
	return out, nil
}

// SchemaFiles returns message_schemas with relative paths resolved against HomeDir.
func (c Config) SchemaFiles() map[string]string {
	out := make(map[string]string, len(c.MessageSchemas))
	for msgType, path := range c.MessageSchemas {
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.HomeDir, path)
		}
		out[msgType] = path
	}
	return out
}

// DrainTimeout bounds graceful shutdown.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Scheduler: SchedulerConfig{
			TickIntervalSeconds:   30,
			PublishTimeoutSeconds: 10,
			MaxParallel:           6,
			BatchSize:             100,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Executions:       10,
				DelaySeconds:     30,
			},
		},
		Metrics: MetricsConfig{
			Schedules:            cron.DefaultSchedules(),
			CheckIntervalSeconds: 30,
			CollectOnStart:       true,
		},
		Alerts: alert.DefaultThresholds(),
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{MinSeverity: string(persistence.SeverityHigh)},
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GOAGENCY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goagency")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create goagency home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteStarter writes a config.yaml holding the defaults and the starter
// agents. An existing file is left untouched.
func WriteStarter(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg := defaultConfig()
	cfg.Agents = StarterAgents()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create goagency home: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "goagency.db")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	s := &cfg.Scheduler
	if s.TickIntervalSeconds <= 0 {
		s.TickIntervalSeconds = def.Scheduler.TickIntervalSeconds
	}
	if s.PublishTimeoutSeconds <= 0 {
		s.PublishTimeoutSeconds = def.Scheduler.PublishTimeoutSeconds
	}
	if s.MaxParallel <= 0 {
		s.MaxParallel = def.Scheduler.MaxParallel
	}
	if s.BatchSize <= 0 {
		s.BatchSize = def.Scheduler.BatchSize
	}
	if cfg.Metrics.CheckIntervalSeconds <= 0 {
		cfg.Metrics.CheckIntervalSeconds = def.Metrics.CheckIntervalSeconds
	}
	if cfg.Channels.Telegram.MinSeverity == "" {
		cfg.Channels.Telegram.MinSeverity = def.Channels.Telegram.MinSeverity
	}
}

func validate(cfg *Config) error {
	if err := cfg.Alerts.Validate(); err != nil {
		return fmt.Errorf("alerts: %w", err)
	}
	if err := cron.Validate(cfg.Metrics.Schedules); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	for name := range cfg.Platforms {
		if _, err := persistence.ParsePlatform(name); err != nil {
			return fmt.Errorf("platforms.%s: %w", name, err)
		}
	}
	if sev := persistence.AlertSeverity(cfg.Channels.Telegram.MinSeverity); !sev.Valid() {
		return fmt.Errorf("channels.telegram.min_severity: unknown severity %q", sev)
	}
	for msgType, path := range cfg.MessageSchemas {
		if strings.TrimSpace(msgType) == "" || strings.TrimSpace(path) == "" {
			return errors.New("message_schemas: empty type or path")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOAGENCY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GOAGENCY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOAGENCY_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GOAGENCY_TICK_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.TickIntervalSeconds = v
		}
	}
	if raw := os.Getenv("GOAGENCY_PUBLISH_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.PublishTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GOAGENCY_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
