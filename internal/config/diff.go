package config

import (
	"reflect"
	"slices"
	"strings"
)

// Changes lists the setting groups that differ between two snapshots.
// Each subsystem reacts only to its own group.
type Changes struct {
	Identity     bool // appId, userKey, reportUrl
	Logging      bool
	Strategy     bool // reportStrategy, batchSize, reportInterval
	OfflineCache bool // enableOfflineCache, cachePath, limits
	Transport    bool // compression, timeout, reportUrl
	Sampling     bool
	Redaction    bool
	Operations   bool
}

// Any reports whether anything changed.
func (c Changes) Any() bool {
	return c.Identity || c.Logging || c.Strategy || c.OfflineCache ||
		c.Transport || c.Sampling || c.Redaction || c.Operations
}

// String lists the changed groups.
func (c Changes) String() string {
	var names []string
	for _, g := range []struct {
		name string
		set  bool
	}{
		{"identity", c.Identity},
		{"logging", c.Logging},
		{"strategy", c.Strategy},
		{"offline_cache", c.OfflineCache},
		{"transport", c.Transport},
		{"sampling", c.Sampling},
		{"redaction", c.Redaction},
		{"operations", c.Operations},
	} {
		if g.set {
			names = append(names, g.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Diff compares two snapshots.
func Diff(prev, next Options) Changes {
	return Changes{
		Identity: prev.AppID != next.AppID ||
			prev.UserKey != next.UserKey ||
			prev.ReportURL != next.ReportURL,
		Logging: prev.LogLevel != next.LogLevel ||
			prev.DebugMode != next.DebugMode ||
			prev.MaxLogHistory != next.MaxLogHistory ||
			!sameFunc(prev.DebugCallback, next.DebugCallback),
		Strategy: prev.ReportStrategy != next.ReportStrategy ||
			prev.BatchSize != next.BatchSize ||
			prev.ReportInterval != next.ReportInterval,
		OfflineCache: prev.EnableOfflineCache != next.EnableOfflineCache ||
			prev.CachePath != next.CachePath ||
			prev.MaxCacheSize != next.MaxCacheSize ||
			prev.MaxCacheAge != next.MaxCacheAge ||
			prev.MaxRetries != next.MaxRetries,
		Transport: prev.ReportURL != next.ReportURL ||
			prev.EnableCompression != next.EnableCompression ||
			prev.CompressionLevel != next.CompressionLevel ||
			prev.RequestTimeout != next.RequestTimeout,
		Sampling: prev.EnableSampling != next.EnableSampling ||
			prev.DefaultSamplingRate != next.DefaultSamplingRate ||
			!reflect.DeepEqual(prev.SamplingConfig, next.SamplingConfig),
		Redaction: !slices.Equal(prev.SensitiveFields, next.SensitiveFields) ||
			!sameFunc(prev.CustomSensitiveHandler, next.CustomSensitiveHandler),
		Operations: prev.EnableOperationTracking != next.EnableOperationTracking ||
			prev.OperationInactivityThreshold != next.OperationInactivityThreshold ||
			prev.OperationMaxDuration != next.OperationMaxDuration ||
			prev.OperationCheckInterval != next.OperationCheckInterval,
	}
}

// sameFunc compares function values by code pointer, so closures of
// the same literal compare equal.
func sameFunc(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.IsNil() || vb.IsNil() {
		return va.IsNil() == vb.IsNil()
	}
	return va.Pointer() == vb.Pointer()
}
