package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides, e.g. CALBOT_STORAGE_PATH or
// CALBOT_SCHEDULER_SHARD_ID.
const EnvPrefix = "CALBOT_"

// Longest first so "task_engine" wins over a shorter match.
var envSections = []string{"task_engine", "scheduler", "telegram", "notifier", "logging", "storage", "metrics"}

var envSubsections = map[string][]string{
	"logging": {"file", "chat"},
}

// envKey maps CALBOT_SECTION_FIELD_NAME to "section.field_name". Unknown
// sections map to "" and are skipped by the provider.
func envKey(raw string) string {
	s := strings.ToLower(strings.TrimPrefix(raw, EnvPrefix))
	for _, sec := range envSections {
		rest, ok := strings.CutPrefix(s, sec+"_")
		if !ok || rest == "" {
			continue
		}
		for _, sub := range envSubsections[sec] {
			if field, ok := strings.CutPrefix(rest, sub+"_"); ok && field != "" {
				return sec + "." + sub + "." + field
			}
		}
		return sec + "." + rest
	}
	return ""
}

// ApplyEnv overlays CALBOT_* environment variables onto cfg. Values are
// weakly typed so "8" fills an int and "true" a bool.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	if len(k.Keys()) == 0 {
		return nil
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	return nil
}

// EnvKeys lists the config keys currently overridden from the environment.
func EnvKeys() []string {
	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil
	}
	return k.Keys()
}
