package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/canxin121/opencode-studio-sub001/internal/logging"
	"github.com/tidwall/jsonc"
)

// Config is opencode-studio's own server configuration, merged from the
// global config file, a project-local config file, and environment
// variables, in that priority order (later sources win). It is
// deliberately small: the upstream agent's own config schema is out of
// scope here.
type Config struct {
	// Hostname/Port the studio's own HTTP server binds to.
	Hostname string `json:"hostname,omitempty"`
	Port     int    `json:"port,omitempty"`

	// UIPassword, when non-empty, enables password-gated UI sessions.
	UIPassword string `json:"uiPassword,omitempty"`

	// OpenCodePort, when set, means the agent is externally managed and
	// the supervisor must not spawn or kill it.
	OpenCodePort     int    `json:"openCodePort,omitempty"`
	OpenCodeHostname string `json:"openCodeHostname,omitempty"`
	OpenCodeLogLevel string `json:"openCodeLogLevel,omitempty"`

	// CORSAllowedOrigins is the explicit allowlist for cross-origin UI
	// access; same-host requests are always allowed regardless.
	CORSAllowedOrigins []string `json:"corsAllowedOrigins,omitempty"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Hostname:         "127.0.0.1",
		Port:             4096,
		OpenCodeHostname: "127.0.0.1",
		OpenCodeLogLevel: "INFO",
	}
}

// Load loads configuration from multiple sources (priority order):
//  1. Global config (~/.config/opencode-studio/)
//  2. Project config (<directory>/.opencode-studio/)
//  3. Environment variables
func Load(directory string) (*Config, error) {
	cfg := DefaultConfig()

	globalPath := GetPaths().Config
	loadConfigFile(filepath.Join(globalPath, "opencode-studio.json"), cfg)
	loadConfigFile(filepath.Join(globalPath, "opencode-studio.jsonc"), cfg)

	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".opencode-studio", "config.json"), cfg)
		loadConfigFile(filepath.Join(directory, ".opencode-studio", "config.jsonc"), cfg)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// loadConfigFile loads a single config file, merging it into cfg. Missing
// files are not an error; malformed ones are logged and skipped.
func loadConfigFile(path string, cfg *Config) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	// tidwall/jsonc tolerates // and /* */ comments and trailing commas,
	// which the teacher's own config loader hand-stripped with regexes.
	data = jsonc.ToJSON(data)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("failed to parse config file")
		return
	}

	mergeConfig(cfg, &fileConfig)
}

// mergeConfig merges non-zero fields of source into target.
func mergeConfig(target, source *Config) {
	if source.Hostname != "" {
		target.Hostname = source.Hostname
	}
	if source.Port != 0 {
		target.Port = source.Port
	}
	if source.UIPassword != "" {
		target.UIPassword = source.UIPassword
	}
	if source.OpenCodePort != 0 {
		target.OpenCodePort = source.OpenCodePort
	}
	if source.OpenCodeHostname != "" {
		target.OpenCodeHostname = source.OpenCodeHostname
	}
	if source.OpenCodeLogLevel != "" {
		target.OpenCodeLogLevel = source.OpenCodeLogLevel
	}
	if len(source.CORSAllowedOrigins) > 0 {
		target.CORSAllowedOrigins = source.CORSAllowedOrigins
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENCODE_STUDIO_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("OPENCODE_STUDIO_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("OPENCODE_STUDIO_UI_PASSWORD"); v != "" {
		cfg.UIPassword = v
	}
	if v := os.Getenv("OPENCODE_STUDIO_OPENCODE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.OpenCodePort = p
		}
	}
	if v := os.Getenv("OPENCODE_STUDIO_OPENCODE_HOSTNAME"); v != "" {
		cfg.OpenCodeHostname = v
	}
	if v := os.Getenv("OPENCODE_STUDIO_OPENCODE_LOG_LEVEL"); v != "" {
		cfg.OpenCodeLogLevel = v
	}
}

// Save persists the configuration as pretty-printed JSON using a
// temp-file-then-rename write, so a reader never observes a partial file.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
