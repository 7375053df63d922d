// Package config handles SDK configuration: defaults, validation,
// loading from YAML files and the environment, and immutable snapshots
// whose differences drive runtime reconfiguration.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fanguyun/edge-sentinel-sdk/internal/logging"
	"github.com/fanguyun/edge-sentinel-sdk/internal/redact"
	"github.com/fanguyun/edge-sentinel-sdk/internal/sampling"
)

// Strategy selects how reported events reach the collector.
type Strategy string

const (
	// StrategyImmediate sends every event as it is reported.
	StrategyImmediate Strategy = "immediate"
	// StrategyBatch caches events and flushes once batchSize are pending,
	// and on the report interval.
	StrategyBatch Strategy = "batch"
	// StrategyPeriodic caches events and flushes on the report interval.
	StrategyPeriodic Strategy = "periodic"
)

// Options is the full configuration surface. Treat values as immutable
// snapshots: derive changed copies with With.
type Options struct {
	AppID     string `koanf:"appId" yaml:"appId"`
	ReportURL string `koanf:"reportUrl" yaml:"reportUrl"`
	UserKey   string `koanf:"userKey" yaml:"userKey"`

	LogLevel      string           `koanf:"logLevel" yaml:"logLevel"`
	DebugMode     bool             `koanf:"debugMode" yaml:"debugMode"`
	DebugCallback logging.Callback `koanf:"-" yaml:"-"`
	MaxLogHistory int              `koanf:"maxLogHistory" yaml:"maxLogHistory"`

	ReportStrategy Strategy      `koanf:"reportStrategy" yaml:"reportStrategy"`
	BatchSize      int           `koanf:"batchSize" yaml:"batchSize"`
	ReportInterval time.Duration `koanf:"reportInterval" yaml:"reportInterval"`
	RequestTimeout time.Duration `koanf:"requestTimeout" yaml:"requestTimeout"`

	EnableOfflineCache  bool          `koanf:"enableOfflineCache" yaml:"enableOfflineCache"`
	CachePath           string        `koanf:"cachePath" yaml:"cachePath,omitempty"`
	MaxCacheSize        int           `koanf:"maxCacheSize" yaml:"maxCacheSize"`
	MaxCacheAge         time.Duration `koanf:"maxCacheAge" yaml:"maxCacheAge"`
	MaxRetries          int           `koanf:"maxRetries" yaml:"maxRetries"`
	ClearCacheOnDestroy bool          `koanf:"clearCacheOnDestroy" yaml:"clearCacheOnDestroy"`

	EnableCompression bool `koanf:"enableCompression" yaml:"enableCompression"`
	CompressionLevel  int  `koanf:"compressionLevel" yaml:"compressionLevel"`

	EnableSampling      bool                        `koanf:"enableSampling" yaml:"enableSampling"`
	SamplingConfig      map[string]sampling.Options `koanf:"samplingConfig" yaml:"samplingConfig,omitempty"`
	DefaultSamplingRate float64                     `koanf:"defaultSamplingRate" yaml:"defaultSamplingRate"`

	SensitiveFields        []string       `koanf:"sensitiveFields" yaml:"sensitiveFields,omitempty"`
	CustomSensitiveHandler redact.Handler `koanf:"-" yaml:"-"`

	EnableOperationTracking      bool          `koanf:"enableOperationTracking" yaml:"enableOperationTracking"`
	OperationInactivityThreshold time.Duration `koanf:"operationInactivityThreshold" yaml:"operationInactivityThreshold"`
	OperationMaxDuration         time.Duration `koanf:"operationMaxDuration" yaml:"operationMaxDuration"`
	OperationCheckInterval       time.Duration `koanf:"operationCheckInterval" yaml:"operationCheckInterval"`
}

// Defaults returns Options with every default applied and the required
// identity fields empty. Start from it rather than from a zero value so
// that boolean defaults such as EnableOfflineCache hold.
func Defaults() Options {
	return Options{
		LogLevel:                     "warn",
		MaxLogHistory:                logging.DefaultMaxHistory,
		ReportStrategy:               StrategyImmediate,
		BatchSize:                    10,
		ReportInterval:               10 * time.Second,
		RequestTimeout:               10 * time.Second,
		EnableOfflineCache:           true,
		MaxCacheSize:                 1000,
		MaxCacheAge:                  7 * 24 * time.Hour,
		MaxRetries:                   3,
		CompressionLevel:             6,
		DefaultSamplingRate:          1,
		OperationInactivityThreshold: 60 * time.Second,
		OperationMaxDuration:         300 * time.Second,
		OperationCheckInterval:       10 * time.Second,
	}
}

// ApplyDefaults fills zero-valued scalar settings. Booleans cannot be
// told apart from an explicit false and are left alone.
func (o Options) ApplyDefaults() Options {
	d := Defaults()
	if o.LogLevel == "" {
		o.LogLevel = d.LogLevel
	}
	if o.MaxLogHistory <= 0 {
		o.MaxLogHistory = d.MaxLogHistory
	}
	if o.ReportStrategy == "" {
		o.ReportStrategy = d.ReportStrategy
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.ReportInterval <= 0 {
		o.ReportInterval = d.ReportInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.MaxCacheSize <= 0 {
		o.MaxCacheSize = d.MaxCacheSize
	}
	if o.MaxCacheAge <= 0 {
		o.MaxCacheAge = d.MaxCacheAge
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.CompressionLevel == 0 {
		o.CompressionLevel = d.CompressionLevel
	}
	if o.OperationInactivityThreshold <= 0 {
		o.OperationInactivityThreshold = d.OperationInactivityThreshold
	}
	if o.OperationMaxDuration <= 0 {
		o.OperationMaxDuration = d.OperationMaxDuration
	}
	if o.OperationCheckInterval <= 0 {
		o.OperationCheckInterval = d.OperationCheckInterval
	}
	return o
}

// Validate reports every problem with o.
func (o Options) Validate() error {
	var errs []error

	if strings.TrimSpace(o.AppID) == "" {
		errs = append(errs, errors.New("appId is required"))
	}
	if strings.TrimSpace(o.UserKey) == "" {
		errs = append(errs, errors.New("userKey is required"))
	}
	if strings.TrimSpace(o.ReportURL) == "" {
		errs = append(errs, errors.New("reportUrl is required"))
	} else if u, err := url.Parse(o.ReportURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("reportUrl %q is not an http(s) URL", o.ReportURL))
	}

	switch o.ReportStrategy {
	case StrategyImmediate, StrategyBatch, StrategyPeriodic:
	default:
		errs = append(errs, fmt.Errorf("unknown reportStrategy %q", o.ReportStrategy))
	}
	if o.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batchSize must be positive, got %d", o.BatchSize))
	}
	if o.ReportInterval <= 0 {
		errs = append(errs, fmt.Errorf("reportInterval must be positive, got %s", o.ReportInterval))
	}
	if o.MaxCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("maxCacheSize must be positive, got %d", o.MaxCacheSize))
	}
	if o.MaxCacheAge <= 0 {
		errs = append(errs, fmt.Errorf("maxCacheAge must be positive, got %s", o.MaxCacheAge))
	}
	if o.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("maxRetries must not be negative, got %d", o.MaxRetries))
	}
	if o.CompressionLevel < 0 || o.CompressionLevel > 9 {
		errs = append(errs, fmt.Errorf("compressionLevel must be within [0,9], got %d", o.CompressionLevel))
	}
	if math.IsNaN(o.DefaultSamplingRate) || o.DefaultSamplingRate < 0 || o.DefaultSamplingRate > 1 {
		errs = append(errs, fmt.Errorf("defaultSamplingRate must be within [0,1], got %v", o.DefaultSamplingRate))
	}
	for eventType, so := range o.SamplingConfig {
		if err := so.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("samplingConfig.%s: %w", eventType, err))
		}
	}
	if o.OperationInactivityThreshold <= 0 || o.OperationMaxDuration <= 0 {
		errs = append(errs, errors.New("operation thresholds must be positive"))
	}

	if _, ok := logging.LookupLevel(o.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("unknown logLevel %q", o.LogLevel))
	}

	return errors.Join(errs...)
}

// Clone returns a copy sharing no slices or maps with o.
func (o Options) Clone() Options {
	o.SensitiveFields = slices.Clone(o.SensitiveFields)
	if o.SamplingConfig != nil {
		sc := make(map[string]sampling.Options, len(o.SamplingConfig))
		for k, v := range o.SamplingConfig {
			sc[k] = v
		}
		o.SamplingConfig = sc
	}
	return o
}

// With returns a copy of o with patch applied.
func (o Options) With(patch func(*Options)) Options {
	next := o.Clone()
	if patch != nil {
		patch(&next)
	}
	return next
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "edge-sentinel"), nil
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "edge-sentinel"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultCachePath returns the default file-backed queue location.
func DefaultCachePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "queue.db"), nil
}

// Save writes o to path as YAML with owner-only permissions. Callback
// fields are not persisted.
func (o Options) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
