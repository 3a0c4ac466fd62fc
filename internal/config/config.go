package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-errors/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	WS       WS       `json:"ws"`
	Log      Log      `json:"log"`
	Provider Provider `json:"provider"`
	Metrics  Metrics  `json:"metrics"`
}

type WS struct {
	URL             string `json:"url"`
	WaitTimeMS      uint   `json:"wait_time_ms" yaml:"wait_time_ms"`
	WatchdogCycleMS uint   `json:"watchdog_cycle_ms" yaml:"watchdog_cycle_ms"`
}

type LogLevel string

const (
	LogLevelError   LogLevel = "Error"
	LogLevelWarning LogLevel = "Warning"
	LogLevelNotice  LogLevel = "Notice"
	LogLevelInfo    LogLevel = "Info"
	LogLevelDebug   LogLevel = "Debug"
)

type LogFormat struct {
	TS       bool `json:"ts"`
	Location bool `json:"location"`
	Function bool `json:"function"`
	Thread   bool `json:"thread"`
}

type Log struct {
	Level  LogLevel  `json:"level"`
	Format LogFormat `json:"format"`
	// Transport log masks gate the transport's frame logging.
	// nil means the transport default.
	TransportInclude *uint32 `json:"transport_include" yaml:"transport_include"`
	TransportExclude *uint32 `json:"transport_exclude" yaml:"transport_exclude"`
}

type Provider struct {
	Disabled bool `json:"disabled"`
}

type HTTPListener struct {
	IPV4Host string `json:"ipv4_host" yaml:"ipv4_host"`
	IPV6Host string `json:"ipv6_host" yaml:"ipv6_host"`
	Port     uint16 `json:"port"`
}

type Metrics struct {
	HTTPListener `yaml:",inline"`
	Enabled      bool `json:"enabled"`
}

//nolint:golint,gochecknoglobals
var (
	ConfigFileKey          = "config"
	WSURLKey               = "ws.url"
	WSWaitTimeKey          = "ws.wait_time_ms"
	WSWatchdogCycleKey     = "ws.watchdog_cycle_ms"
	LogLevelKey            = "log.level"
	LogFormatTSKey         = "log.format.ts"
	LogFormatLocationKey   = "log.format.location"
	LogFormatFunctionKey   = "log.format.function"
	LogFormatThreadKey     = "log.format.thread"
	LogTransportIncludeKey = "log.transport_include"
	LogTransportExcludeKey = "log.transport_exclude"
	ProviderDisabledKey    = "provider.disabled"
	MetricsEnabledKey      = "metrics.enabled"
	MetricsIPV4HostKey     = "metrics.ipv4_host"
	MetricsIPV6HostKey     = "metrics.ipv6_host"
	MetricsPortKey         = "metrics.port"
)

const (
	DefaultConfigPath      = "config.yaml"
	DefaultWSURL           = "ws://127.0.0.1:9998"
	DefaultWaitTimeMS      = 3000
	DefaultWatchdogCycleMS = 500
	DefaultLogLevel        = LogLevelInfo
	DefaultMetricsIPV4Host = "127.0.0.1"
	DefaultMetricsIPV6Host = "::1"
	DefaultMetricsPort     = 8081
)

func RegisterFlags(cmd *cobra.Command) {
	cmd.Flags().StringP(ConfigFileKey, "c", DefaultConfigPath, "Config file path")
	cmd.Flags().String(WSURLKey, DefaultWSURL, "WebSocket URL of the platform service")
	cmd.Flags().Uint(WSWaitTimeKey, DefaultWaitTimeMS, "RPC response timeout in milliseconds")
	cmd.Flags().Uint(WSWatchdogCycleKey, DefaultWatchdogCycleMS, "Watchdog sweep cycle in milliseconds")
	cmd.Flags().String(LogLevelKey, string(DefaultLogLevel), "Log level (Error, Warning, Notice, Info, Debug)")
	cmd.Flags().Bool(LogFormatTSKey, true, "Include timestamps in log output")
	cmd.Flags().Bool(LogFormatLocationKey, false, "Include source location in log output")
	cmd.Flags().Bool(LogFormatFunctionKey, true, "Include function name in log output")
	cmd.Flags().Bool(LogFormatThreadKey, true, "Accepted for compatibility, ignored")
	cmd.Flags().Uint32(LogTransportIncludeKey, 0, "Transport frame log include mask")
	cmd.Flags().Uint32(LogTransportExcludeKey, 0, "Transport frame log exclude mask")
	cmd.Flags().Bool(ProviderDisabledKey, false, "Disable server-callable provider methods")
	cmd.Flags().Bool(MetricsEnabledKey, false, "Enable metrics server")
	cmd.Flags().String(MetricsIPV4HostKey, DefaultMetricsIPV4Host, "Metrics server IPv4 host")
	cmd.Flags().String(MetricsIPV6HostKey, DefaultMetricsIPV6Host, "Metrics server IPv6 host")
	cmd.Flags().Uint16(MetricsPortKey, DefaultMetricsPort, "Metrics server port")
}

var (
	ErrWSURLRequired    = errors.New("WebSocket URL is required")
	ErrWSURLScheme      = errors.New("WebSocket URL must use the ws or wss scheme")
	ErrWaitTimeRequired = errors.New("Wait time must be greater than zero")
	ErrWatchdogCycle    = errors.New("Watchdog cycle must be greater than zero")
	ErrInvalidLogLevel  = errors.New("Log level must be one of Error, Warning, Notice, Info, Debug")
)

func (c *Config) Validate() error {
	if c.WS.URL == "" {
		return ErrWSURLRequired
	}
	parsed, err := url.Parse(c.WS.URL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return ErrWSURLScheme
	}
	if c.WS.WaitTimeMS == 0 {
		return ErrWaitTimeRequired
	}
	if c.WS.WatchdogCycleMS == 0 {
		return ErrWatchdogCycle
	}
	switch c.Log.Level {
	case LogLevelError, LogLevelWarning, LogLevelNotice, LogLevelInfo, LogLevelDebug:
	default:
		return ErrInvalidLogLevel
	}
	return nil
}

func LoadConfig(cmd *cobra.Command) (*Config, error) {
	var config Config

	// Load flags from envs
	ctx, cancel := context.WithCancelCause(cmd.Context())
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if ctx.Err() != nil {
			return
		}
		optName := strings.ReplaceAll(strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_"), ".", "__")
		if val, ok := os.LookupEnv(optName); !f.Changed && ok {
			if err := f.Value.Set(val); err != nil {
				cancel(err)
			}
			f.Changed = true
		}
	})
	if ctx.Err() != nil {
		return &config, fmt.Errorf("failed to load env: %w", context.Cause(ctx))
	}

	configPath, err := cmd.Flags().GetString(ConfigFileKey)
	if err != nil {
		return &config, fmt.Errorf("failed to get config path: %w", err)
	}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return &config, fmt.Errorf("failed to read config: %w", err)
		} else if err == nil {
			if err := yaml.Unmarshal(data, &config); err != nil {
				return &config, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		}
	}

	err = overrideFlags(&config, cmd)
	if err != nil {
		return &config, fmt.Errorf("failed to override flags: %w", err)
	}

	// Defaults
	if config.WS.URL == "" {
		config.WS.URL = DefaultWSURL
	}
	if config.WS.WaitTimeMS == 0 {
		config.WS.WaitTimeMS = DefaultWaitTimeMS
	}
	if config.WS.WatchdogCycleMS == 0 {
		config.WS.WatchdogCycleMS = DefaultWatchdogCycleMS
	}
	if config.Log.Level == "" {
		config.Log.Level = DefaultLogLevel
	}
	if config.Metrics.IPV4Host == "" {
		config.Metrics.IPV4Host = DefaultMetricsIPV4Host
	}
	if config.Metrics.IPV6Host == "" {
		config.Metrics.IPV6Host = DefaultMetricsIPV6Host
	}
	if config.Metrics.Port == 0 {
		config.Metrics.Port = DefaultMetricsPort
	}

	return &config, nil
}

func overrideFlags(config *Config, cmd *cobra.Command) error {
	var err error
	if cmd.Flags().Changed(WSURLKey) {
		config.WS.URL, err = cmd.Flags().GetString(WSURLKey)
		if err != nil {
			return fmt.Errorf("failed to get WebSocket URL: %w", err)
		}
	}

	if cmd.Flags().Changed(WSWaitTimeKey) {
		config.WS.WaitTimeMS, err = cmd.Flags().GetUint(WSWaitTimeKey)
		if err != nil {
			return fmt.Errorf("failed to get wait time: %w", err)
		}
	}

	if cmd.Flags().Changed(WSWatchdogCycleKey) {
		config.WS.WatchdogCycleMS, err = cmd.Flags().GetUint(WSWatchdogCycleKey)
		if err != nil {
			return fmt.Errorf("failed to get watchdog cycle: %w", err)
		}
	}

	if cmd.Flags().Changed(LogLevelKey) {
		level, err := cmd.Flags().GetString(LogLevelKey)
		if err != nil {
			return fmt.Errorf("failed to get log level: %w", err)
		}
		config.Log.Level = LogLevel(level)
	}

	if cmd.Flags().Changed(LogFormatTSKey) {
		config.Log.Format.TS, err = cmd.Flags().GetBool(LogFormatTSKey)
		if err != nil {
			return fmt.Errorf("failed to get log timestamp format: %w", err)
		}
	}

	if cmd.Flags().Changed(LogFormatLocationKey) {
		config.Log.Format.Location, err = cmd.Flags().GetBool(LogFormatLocationKey)
		if err != nil {
			return fmt.Errorf("failed to get log location format: %w", err)
		}
	}

	if cmd.Flags().Changed(LogFormatFunctionKey) {
		config.Log.Format.Function, err = cmd.Flags().GetBool(LogFormatFunctionKey)
		if err != nil {
			return fmt.Errorf("failed to get log function format: %w", err)
		}
	}

	if cmd.Flags().Changed(LogFormatThreadKey) {
		config.Log.Format.Thread, err = cmd.Flags().GetBool(LogFormatThreadKey)
		if err != nil {
			return fmt.Errorf("failed to get log thread format: %w", err)
		}
	}

	if cmd.Flags().Changed(LogTransportIncludeKey) {
		include, err := cmd.Flags().GetUint32(LogTransportIncludeKey)
		if err != nil {
			return fmt.Errorf("failed to get transport include mask: %w", err)
		}
		config.Log.TransportInclude = &include
	}

	if cmd.Flags().Changed(LogTransportExcludeKey) {
		exclude, err := cmd.Flags().GetUint32(LogTransportExcludeKey)
		if err != nil {
			return fmt.Errorf("failed to get transport exclude mask: %w", err)
		}
		config.Log.TransportExclude = &exclude
	}

	if cmd.Flags().Changed(ProviderDisabledKey) {
		config.Provider.Disabled, err = cmd.Flags().GetBool(ProviderDisabledKey)
		if err != nil {
			return fmt.Errorf("failed to get provider disabled: %w", err)
		}
	}

	if cmd.Flags().Changed(MetricsEnabledKey) {
		config.Metrics.Enabled, err = cmd.Flags().GetBool(MetricsEnabledKey)
		if err != nil {
			return fmt.Errorf("failed to get metrics enabled: %w", err)
		}
	}

	if cmd.Flags().Changed(MetricsIPV4HostKey) {
		config.Metrics.IPV4Host, err = cmd.Flags().GetString(MetricsIPV4HostKey)
		if err != nil {
			return fmt.Errorf("failed to get metrics IPv4 host: %w", err)
		}
	}

	if cmd.Flags().Changed(MetricsIPV6HostKey) {
		config.Metrics.IPV6Host, err = cmd.Flags().GetString(MetricsIPV6HostKey)
		if err != nil {
			return fmt.Errorf("failed to get metrics IPv6 host: %w", err)
		}
	}

	if cmd.Flags().Changed(MetricsPortKey) {
		config.Metrics.Port, err = cmd.Flags().GetUint16(MetricsPortKey)
		if err != nil {
			return fmt.Errorf("failed to get metrics port: %w", err)
		}
	}

	return nil
}
