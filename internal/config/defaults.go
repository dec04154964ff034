package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers default values for every config key.
func SetDefaults() {
	viper.SetDefault("gateway.port", 8765)
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.cors_origins", []string{"*"})
	viper.SetDefault("gateway.rate_limit.enabled", true)
	viper.SetDefault("gateway.rate_limit.requests_per_minute", 120)
	viper.SetDefault("gateway.rate_limit.burst", 20)
	viper.SetDefault("gateway.rate_limit.cleanup_interval", 5*time.Minute)

	viper.SetDefault("agent.executable", "")
	viper.SetDefault("agent.adapter", "default")
	viper.SetDefault("agent.grace_period", 5*time.Second)
	viper.SetDefault("agent.lock_dir", "~/.atelier/locks")
	viper.SetDefault("agent.stderr_tail_lines", 20)

	viper.SetDefault("catalog.source", "~/.atelier/tools.yaml")
	viper.SetDefault("catalog.watch", true)

	viper.SetDefault("shim.tool_timeout", 30*time.Second)
	viper.SetDefault("shim.coalesce_window", 50*time.Millisecond)

	viper.SetDefault("policy.sensitive", map[string][]string{
		"destructive": {"delete_*", "remove_*", "clear_*"},
		"export":      {"export_*", "build_*"},
		"rename":      {"rename_*"},
	})

	viper.SetDefault("storage.path", "~/.atelier/data.db")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "auto")
	viper.SetDefault("log.file", "")

	viper.SetDefault("health.schedule", "@every 30s")
}
