// Package config loads the agent's configuration surface (§6 "Configuration
// surface consumed") from defaults, an optional YAML file, and environment
// variables, following station's viper.BindEnv convention.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the immutable configuration surface the agent consumes. It is
// set once at startup.
type Config struct {
	// DownloadsBase is the root directory under which per-deployment sandbox
	// directories are created (§6 "Sandbox layout").
	DownloadsBase string

	// ExtensionsDir is the handler-extensions directory. cmd/agentd run
	// passes it to extension.DemoManager as the directory file downloads are
	// copied from; no handler is loaded from it (handlers are registered in
	// code).
	ExtensionsDir string

	// DatabasePath is the sqlite file backing internal/store.
	DatabasePath string

	// RebootCommand and RestartCommand are shell command lines invoked to
	// initiate a system reboot or agent restart (§6).
	RebootCommand  string
	RestartCommand string

	Debug bool

	TelemetryEnabled  bool
	TelemetryEndpoint string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("downloads_base", "/var/lib/fleetagent/downloads")
	v.SetDefault("extensions_dir", "/var/lib/fleetagent/extensions")
	v.SetDefault("database_path", "/var/lib/fleetagent/agent.db")
	v.SetDefault("reboot_command", "/sbin/reboot")
	v.SetDefault("restart_command", "")
	v.SetDefault("debug", false)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
}

func bindEnv(v *viper.Viper) {
	v.AutomaticEnv()
	v.SetEnvPrefix("FLEETAGENT")

	v.BindEnv("downloads_base", "FLEETAGENT_DOWNLOADS_BASE")
	v.BindEnv("extensions_dir", "FLEETAGENT_EXTENSIONS_DIR")
	v.BindEnv("database_path", "FLEETAGENT_DATABASE_PATH")
	v.BindEnv("reboot_command", "FLEETAGENT_REBOOT_COMMAND")
	v.BindEnv("restart_command", "FLEETAGENT_RESTART_COMMAND")
	v.BindEnv("debug", "FLEETAGENT_DEBUG")
	v.BindEnv("telemetry.enabled", "FLEETAGENT_TELEMETRY_ENABLED")
	v.BindEnv("telemetry.endpoint", "FLEETAGENT_TELEMETRY_ENDPOINT")
}

// Load builds a Config from defaults, an optional YAML file at
// configFilePath (skipped silently if empty or missing), and environment
// variables, in ascending priority order.
func Load(configFilePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if configFilePath != "" {
		data, err := os.ReadFile(configFilePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", configFilePath, err)
			}
		} else {
			var fileValues map[string]interface{}
			if err := yaml.Unmarshal(data, &fileValues); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", configFilePath, err)
			}
			if err := v.MergeConfigMap(fileValues); err != nil {
				return nil, fmt.Errorf("config: merge %s: %w", configFilePath, err)
			}
		}
	}

	cfg := &Config{
		DownloadsBase:     v.GetString("downloads_base"),
		ExtensionsDir:     v.GetString("extensions_dir"),
		DatabasePath:      v.GetString("database_path"),
		RebootCommand:     v.GetString("reboot_command"),
		RestartCommand:    v.GetString("restart_command"),
		Debug:             v.GetBool("debug"),
		TelemetryEnabled:  v.GetBool("telemetry.enabled"),
		TelemetryEndpoint: v.GetString("telemetry.endpoint"),
	}

	if cfg.DownloadsBase == "" {
		return nil, fmt.Errorf("config: downloads_base must not be empty")
	}

	return cfg, nil
}
