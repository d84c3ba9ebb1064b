// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/divert/internal/core"
)

// Diversion modes.
const (
	ModeUser   = "user"
	ModeKernel = "kernel"
)

// Config represents the top-level configuration.
// Maps to the `divert:` root key in YAML.
type Config struct {
	Mode        string           `mapstructure:"mode" yaml:"mode"` // user | kernel
	Interfaces  InterfacesConfig `mapstructure:"interfaces" yaml:"interfaces"`
	Redirect    RedirectConfig   `mapstructure:"redirect" yaml:"redirect"`
	Cache       CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Capture     CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	Kernel      KernelConfig     `mapstructure:"kernel" yaml:"kernel"`
	Attribution string           `mapstructure:"attribution" yaml:"attribution"` // lsof | gopsutil | none
	Policy      PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	Dump        DumpConfig       `mapstructure:"dump" yaml:"dump"`
	Metrics     MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Log         LogConfig        `mapstructure:"log" yaml:"log"`
}

// ─── Interfaces ───

// InterfacesConfig names the capture/injection interfaces.
type InterfacesConfig struct {
	Uplink   string `mapstructure:"uplink" yaml:"uplink"` // Empty = default route interface
	Loopback string `mapstructure:"loopback" yaml:"loopback"`
}

// ─── Redirection ───

// RedirectConfig holds the reserved addresses used for redirection.
type RedirectConfig struct {
	Address      string `mapstructure:"address" yaml:"address"`           // alias that receives redirected traffic
	FakeAddress  string `mapstructure:"fake_address" yaml:"fake_address"` // alias used as the apparent peer
	KernelTarget string `mapstructure:"kernel_target" yaml:"kernel_target"`
}

// Addr returns the parsed redirect address.
func (r RedirectConfig) Addr() netip.Addr { return netip.MustParseAddr(r.Address) }

// FakeAddr returns the parsed fake address.
func (r RedirectConfig) FakeAddr() netip.Addr { return netip.MustParseAddr(r.FakeAddress) }

// KernelTargetAddr returns the parsed redirect target used by the kernel-filter mode.
func (r RedirectConfig) KernelTargetAddr() netip.Addr { return netip.MustParseAddr(r.KernelTarget) }

// ─── Recency cache ───

// CacheConfig bounds the recency cache.
type CacheConfig struct {
	MaxAge     time.Duration `mapstructure:"max_age" yaml:"max_age"`
	MaxEntries int           `mapstructure:"max_entries" yaml:"max_entries"`
}

// ─── Capture ───

// CaptureConfig configures link monitors and injection handles.
type CaptureConfig struct {
	Type         string        `mapstructure:"type" yaml:"type"` // pcap | afpacket
	SnapLen      int           `mapstructure:"snap_len" yaml:"snap_len"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	BufferSizeMB int           `mapstructure:"buffer_size_mb" yaml:"buffer_size_mb"`
	Filter       string        `mapstructure:"filter" yaml:"filter"` // optional BPF expression
	StartTimeout time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
}

// ─── Kernel filter ───

// KernelConfig configures the kernel-filter mode.
type KernelConfig struct {
	ExtensionPath string        `mapstructure:"extension_path" yaml:"extension_path"`
	ControlName   string        `mapstructure:"control_name" yaml:"control_name"`
	QueueNum      uint16        `mapstructure:"queue_num" yaml:"queue_num"`
	Table         string        `mapstructure:"table" yaml:"table"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StartTimeout  time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
	UnloadRetries int           `mapstructure:"unload_retries" yaml:"unload_retries"`
	UnloadDelay   time.Duration `mapstructure:"unload_delay" yaml:"unload_delay"`
}

// ─── Policy ───

// PolicyConfig configures the default diversion policy.
type PolicyConfig struct {
	RedirectAll      bool              `mapstructure:"redirect_all" yaml:"redirect_all"`
	LogICMP          bool              `mapstructure:"log_icmp" yaml:"log_icmp"`
	DefaultListeners map[string]uint16 `mapstructure:"default_listeners" yaml:"default_listeners"` // protocol -> port
	Listeners        []ListenerConfig  `mapstructure:"listeners" yaml:"listeners"`
	Ignore           IgnoreConfig      `mapstructure:"ignore" yaml:"ignore"`
	TableTTL         time.Duration     `mapstructure:"table_ttl" yaml:"table_ttl"`
	TableSize        int               `mapstructure:"table_size" yaml:"table_size"`
}

// ListenerConfig describes a local listener bound to a port.
type ListenerConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Protocol string `mapstructure:"protocol" yaml:"protocol"`
	Port     uint16 `mapstructure:"port" yaml:"port"`
}

// IgnoreConfig lists traffic that must never be diverted.
type IgnoreConfig struct {
	Processes []string            `mapstructure:"processes" yaml:"processes"`
	PIDs      []int               `mapstructure:"pids" yaml:"pids"`
	Hosts     []string            `mapstructure:"hosts" yaml:"hosts"`
	Ports     map[string][]uint16 `mapstructure:"ports" yaml:"ports"` // protocol -> ports
}

// ─── Packet dump ───

// DumpConfig enables writing diverted packets to a pcap file.
type DumpConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Prefix  string `mapstructure:"prefix" yaml:"prefix"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string        `mapstructure:"level" yaml:"level"`     // trace / debug / info / warn / error
	Pattern string        `mapstructure:"pattern" yaml:"pattern"` // %time %level %field %msg %caller %func %goroutine
	Time    string        `mapstructure:"time" yaml:"time"`       // Go time layout
	File    LogFileConfig `mapstructure:"file" yaml:"file"`
}

// LogFileConfig configures the rotating file appender.
type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // files
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `divert: ...`.
type configRoot struct {
	Divert Config `mapstructure:"divert"`
}

// Load loads configuration from file. An empty path loads defaults and environment only.
// The YAML file uses `divert:` as root key; env vars map through the key replacer
// (e.g., key "divert.log.level" -> env "DIVERT_LOG_LEVEL").
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Divert

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

// setDefaults sets default values for configuration.
// All keys use "divert." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("divert.mode", ModeUser)

	v.SetDefault("divert.interfaces.uplink", "")
	v.SetDefault("divert.interfaces.loopback", defaultLoopback())

	v.SetDefault("divert.redirect.address", "192.0.2.123")
	v.SetDefault("divert.redirect.fake_address", "192.0.2.124")
	v.SetDefault("divert.redirect.kernel_target", "127.0.0.1")

	v.SetDefault("divert.cache.max_age", "10s")
	v.SetDefault("divert.cache.max_entries", 0xfff)

	v.SetDefault("divert.capture.type", "pcap")
	v.SetDefault("divert.capture.snap_len", 0xffff)
	v.SetDefault("divert.capture.read_timeout", "100ms")
	v.SetDefault("divert.capture.buffer_size_mb", 8)
	v.SetDefault("divert.capture.filter", "")
	v.SetDefault("divert.capture.start_timeout", "3s")

	v.SetDefault("divert.kernel.extension_path", defaultExtensionPath())
	v.SetDefault("divert.kernel.control_name", "com.mandiant.FakeNetDiverter")
	v.SetDefault("divert.kernel.queue_num", 0)
	v.SetDefault("divert.kernel.table", "divert")
	v.SetDefault("divert.kernel.poll_interval", "5ms")
	v.SetDefault("divert.kernel.start_timeout", "3s")
	v.SetDefault("divert.kernel.unload_retries", 2)
	v.SetDefault("divert.kernel.unload_delay", "1s")

	v.SetDefault("divert.attribution", defaultAttribution())

	v.SetDefault("divert.policy.redirect_all", true)
	v.SetDefault("divert.policy.log_icmp", true)
	v.SetDefault("divert.policy.default_listeners", map[string]uint16{"tcp": 1337, "udp": 1337})
	v.SetDefault("divert.policy.table_ttl", "5m")
	v.SetDefault("divert.policy.table_size", 0xffff)

	v.SetDefault("divert.dump.enabled", false)
	v.SetDefault("divert.dump.prefix", "packets")

	v.SetDefault("divert.metrics.enabled", false)
	v.SetDefault("divert.metrics.listen", ":9091")
	v.SetDefault("divert.metrics.path", "/metrics")

	v.SetDefault("divert.log.level", "info")
	v.SetDefault("divert.log.pattern", "%time [%level] %field %msg\n")
	v.SetDefault("divert.log.time", "2006-01-02 15:04:05.000")
	v.SetDefault("divert.log.file.enabled", false)
	v.SetDefault("divert.log.file.filename", "divert.log")
	v.SetDefault("divert.log.file.max_size", 100)
	v.SetDefault("divert.log.file.max_backups", 5)
	v.SetDefault("divert.log.file.max_age", 30)
	v.SetDefault("divert.log.file.compress", true)
}

func defaultLoopback() string {
	if runtime.GOOS == "linux" {
		return "lo"
	}
	return "lo0"
}

func defaultExtensionPath() string {
	if runtime.GOOS == "darwin" {
		return "/Library/Extensions/FakeNetDiverter.kext"
	}
	return "nfnetlink_queue"
}

func defaultAttribution() string {
	if runtime.GOOS == "darwin" {
		return "lsof"
	}
	return "gopsutil"
}

// ValidateAndApplyDefaults validates the configuration and fills zero values.
func (c *Config) ValidateAndApplyDefaults() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = ModeUser
	}
	if c.Mode != ModeUser && c.Mode != ModeKernel {
		return fmt.Errorf("%w: mode must be %q or %q, got %q", core.ErrConfigInvalid, ModeUser, ModeKernel, c.Mode)
	}

	if c.Interfaces.Loopback == "" {
		c.Interfaces.Loopback = defaultLoopback()
	}

	for name, addr := range map[string]string{
		"redirect.address":       c.Redirect.Address,
		"redirect.fake_address":  c.Redirect.FakeAddress,
		"redirect.kernel_target": c.Redirect.KernelTarget,
	} {
		ip, err := netip.ParseAddr(addr)
		if err != nil || !ip.Is4() {
			return fmt.Errorf("%w: %s must be an IPv4 address, got %q", core.ErrConfigInvalid, name, addr)
		}
	}
	if c.Redirect.Address == c.Redirect.FakeAddress {
		return fmt.Errorf("%w: redirect.address and redirect.fake_address must differ", core.ErrConfigInvalid)
	}

	if c.Cache.MaxAge <= 0 {
		c.Cache.MaxAge = 10 * time.Second
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 0xfff
	}

	switch c.Capture.Type {
	case "":
		c.Capture.Type = "pcap"
	case "pcap", "afpacket":
	default:
		return fmt.Errorf("%w: capture.type must be pcap or afpacket, got %q", core.ErrConfigInvalid, c.Capture.Type)
	}
	if c.Capture.SnapLen <= 0 {
		c.Capture.SnapLen = 0xffff
	}
	if c.Capture.ReadTimeout <= 0 {
		c.Capture.ReadTimeout = 100 * time.Millisecond
	}
	if c.Capture.StartTimeout <= 0 {
		c.Capture.StartTimeout = 3 * time.Second
	}

	if c.Kernel.PollInterval <= 0 {
		c.Kernel.PollInterval = 5 * time.Millisecond
	}
	if c.Kernel.StartTimeout <= 0 {
		c.Kernel.StartTimeout = 3 * time.Second
	}
	if c.Kernel.UnloadRetries <= 0 {
		c.Kernel.UnloadRetries = 2
	}
	if c.Kernel.Table == "" {
		c.Kernel.Table = "divert"
	}

	switch c.Attribution {
	case "lsof", "gopsutil", "none":
	case "":
		c.Attribution = defaultAttribution()
	default:
		return fmt.Errorf("%w: attribution must be lsof, gopsutil or none, got %q", core.ErrConfigInvalid, c.Attribution)
	}

	for proto := range c.Policy.DefaultListeners {
		if _, err := core.ParseProtocol(proto); err != nil {
			return fmt.Errorf("%w: policy.default_listeners: %v", core.ErrConfigInvalid, err)
		}
	}
	for i, l := range c.Policy.Listeners {
		if _, err := core.ParseProtocol(l.Protocol); err != nil {
			return fmt.Errorf("%w: policy.listeners[%d]: %v", core.ErrConfigInvalid, i, err)
		}
		if l.Port == 0 {
			return fmt.Errorf("%w: policy.listeners[%d]: port is required", core.ErrConfigInvalid, i)
		}
	}
	for _, h := range c.Policy.Ignore.Hosts {
		if _, err := netip.ParseAddr(h); err != nil {
			return fmt.Errorf("%w: policy.ignore.hosts: %q is not an address", core.ErrConfigInvalid, h)
		}
	}
	if c.Policy.TableTTL <= 0 {
		c.Policy.TableTTL = 5 * time.Minute
	}
	if c.Policy.TableSize <= 0 {
		c.Policy.TableSize = 0xffff
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	case "":
		c.Log.Level = "info"
	default:
		return fmt.Errorf("%w: log.level %q", core.ErrConfigInvalid, c.Log.Level)
	}

	return nil
}

// ReservedAddrs returns the two loopback aliases owned by the diverter.
func (c *Config) ReservedAddrs() []netip.Addr {
	return []netip.Addr{c.Redirect.Addr(), c.Redirect.FakeAddr()}
}
