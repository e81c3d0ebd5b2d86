package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matst80/busbridge/internal/admission"
	"github.com/matst80/busbridge/internal/bridge"
	"github.com/matst80/busbridge/internal/push"
	"github.com/matst80/busbridge/internal/registry"
)

// Config holds all runtime configuration. Values come from an optional YAML
// file first, then from flags explicitly given on the command line.
type Config struct {
	ConfigFile string `yaml:"-"`

	ExternalAddr string `yaml:"external"`
	InternalAddr string `yaml:"internal"`
	MetricsAddr  string `yaml:"metrics"`

	WhitelistFile     string `yaml:"whitelist"`
	WhitelistRedisKey string `yaml:"whitelist_redis_key"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Topic         string `yaml:"topic"`
	StartID       string `yaml:"start_id"`

	PerIPCap        int           `yaml:"per_ip_cap"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ConnRate        int           `yaml:"conn_rate"`
	ConnRateGlobal  int           `yaml:"conn_rate_global"`
	ConnBurst       int           `yaml:"conn_burst"`

	PushInterval time.Duration `yaml:"push_interval"`
	BacklogWarn  int           `yaml:"backlog_warn"`

	SendBuffer        int           `yaml:"send_buffer"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	DeviceIdleTimeout time.Duration `yaml:"device_idle_timeout"`

	Debug         bool   `yaml:"debug"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
}

var cfg Config

// init registers flags into the global flag set. main() parses them via loadConfig.
func init() { registerFlags(flag.CommandLine, &cfg) }

func registerFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.ConfigFile, "config", "", "optional YAML config file; flags given explicitly override it")
	fs.StringVar(&cfg.ExternalAddr, "external", ":9010", "listen address for display/monitoring clients")
	fs.StringVar(&cfg.InternalAddr, "internal", ":9011", "listen address for device uplinks")
	fs.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and ops listen address")
	fs.StringVar(&cfg.WhitelistFile, "whitelist", "whitelist.txt", "whitelist file, one IP per line")
	fs.StringVar(&cfg.WhitelistRedisKey, "whitelist-redis-key", "", "read the whitelist from this Redis set instead of the file")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for the telemetry stream (empty disables the bus)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database")
	fs.StringVar(&cfg.Topic, "topic", "szbus.telemetry", "Redis stream carrying telemetry events")
	fs.StringVar(&cfg.StartID, "start-id", "$", "stream id to start reading from ($ = new events only)")
	fs.IntVar(&cfg.PerIPCap, "per-ip-cap", registry.DefaultPerIPCap, "maximum concurrent external sessions per IP")
	fs.DurationVar(&cfg.RefreshInterval, "refresh-interval", admission.DefaultInterval, "interval between whitelist reloads and sweeps")
	fs.IntVar(&cfg.ConnRate, "conn-rate", 0, "connection attempts per second per IP (0 = unlimited)")
	fs.IntVar(&cfg.ConnRateGlobal, "conn-rate-global", 0, "connection attempts per second overall (0 = unlimited)")
	fs.IntVar(&cfg.ConnBurst, "conn-burst", 5, "connection attempt burst size")
	fs.DurationVar(&cfg.PushInterval, "push-interval", push.DefaultPollInterval, "push worker poll interval")
	fs.IntVar(&cfg.BacklogWarn, "backlog-warn", push.DefaultBacklogWarn, "batch size that triggers a backpressure warning")
	fs.IntVar(&cfg.SendBuffer, "send-buffer", 256, "packets buffered per external client")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", 5*time.Second, "write deadline for external clients")
	fs.DurationVar(&cfg.DeviceIdleTimeout, "device-idle-timeout", 0, "close device connections idle for this long (0 = never)")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	fs.StringVar(&cfg.LogFile, "log-file", "", "also write logs to this file, rotated by size")
	fs.IntVar(&cfg.LogMaxSizeMB, "log-max-size", 100, "log file size in MB before rotation")
	fs.IntVar(&cfg.LogMaxBackups, "log-max-backups", 7, "rotated log files to keep")
}

// loadConfig parses args, then layers the YAML file under the flags that
// were set explicitly.
func loadConfig(fs *flag.FlagSet, args []string, c *Config) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.ConfigFile == "" {
		return c.validate()
	}
	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	raw, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", c.ConfigFile, err)
	}
	for name, val := range explicit {
		if err := fs.Set(name, val); err != nil {
			return fmt.Errorf("reapply flag %s: %w", name, err)
		}
	}
	return c.validate()
}

func (c *Config) validate() error {
	if c.ExternalAddr == "" || c.InternalAddr == "" {
		return fmt.Errorf("external and internal addresses are required")
	}
	if c.WhitelistRedisKey == "" && c.WhitelistFile == "" {
		return fmt.Errorf("a whitelist file or redis key is required")
	}
	if c.WhitelistRedisKey != "" && c.RedisAddr == "" {
		return fmt.Errorf("whitelist-redis-key needs -redis")
	}
	if c.PerIPCap <= 0 {
		return fmt.Errorf("per-ip-cap must be positive, got %d", c.PerIPCap)
	}
	if c.RefreshInterval <= 0 || c.PushInterval <= 0 {
		return fmt.Errorf("refresh and push intervals must be positive")
	}
	return nil
}

func (c *Config) bridgeConfig() bridge.Config {
	return bridge.Config{
		ExternalAddr:      c.ExternalAddr,
		InternalAddr:      c.InternalAddr,
		Topic:             c.Topic,
		PerIPCap:          c.PerIPCap,
		RefreshInterval:   c.RefreshInterval,
		ConnRateGlobal:    c.ConnRateGlobal,
		ConnRatePerIP:     c.ConnRate,
		ConnBurst:         c.ConnBurst,
		PushInterval:      c.PushInterval,
		BacklogWarn:       c.BacklogWarn,
		SendBuffer:        c.SendBuffer,
		WriteTimeout:      c.WriteTimeout,
		DeviceIdleTimeout: c.DeviceIdleTimeout,
	}
}
