package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, e.g.
// SENTINEL_REPORT_URL or SENTINEL_SAMPLING_CONFIG__ERROR__RATE.
const EnvPrefix = "SENTINEL_"

// Load layers defaults, the YAML file at path (skipped when path is
// empty or missing) and SENTINEL_* environment variables, in that
// order. The result has defaults applied but is not validated.
func Load(path string) (Options, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Options{}, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return Options{}, fmt.Errorf("reading environment: %w", err)
	}

	opts := Defaults()
	if err := k.Unmarshal("", &opts); err != nil {
		return Options{}, fmt.Errorf("parsing config: %w", err)
	}
	return opts.ApplyDefaults(), nil
}

// canonicalKeys maps a folded top-level key (lower case, no
// underscores) onto its koanf tag.
var canonicalKeys = func() map[string]string {
	keys := make(map[string]string)
	t := reflect.TypeOf(Options{})
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("koanf")
		if tag == "" || tag == "-" {
			continue
		}
		keys[fold(tag)] = tag
	}
	return keys
}()

var samplingKeys = map[string]string{
	"rate":               "rate",
	"strategy":           "strategy",
	"consistentkey":      "consistentKey",
	"timewindow":         "timeWindow",
	"maxeventsperwindow": "maxEventsPerWindow",
}

func fold(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", "")
}

// envValue maps an environment variable onto a config key; list
// settings take comma-separated values.
func envValue(name, value string) (string, any) {
	key := envKey(name)
	if key == "sensitiveFields" {
		var fields []string
		for _, f := range strings.Split(value, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		return key, fields
	}
	return key, value
}

// envKey turns SENTINEL_SAMPLING_CONFIG__ERROR__RATE into
// samplingConfig.error.rate. Double underscores separate levels.
func envKey(s string) string {
	parts := strings.Split(strings.TrimPrefix(s, EnvPrefix), "__")
	if key, ok := canonicalKeys[fold(parts[0])]; ok {
		parts[0] = key
	} else {
		parts[0] = fold(parts[0])
	}
	if parts[0] == "samplingConfig" {
		if len(parts) > 1 {
			parts[1] = strings.ToLower(parts[1])
		}
		if len(parts) > 2 {
			if key, ok := samplingKeys[fold(parts[2])]; ok {
				parts[2] = key
			}
		}
	}
	return strings.Join(parts, ".")
}
