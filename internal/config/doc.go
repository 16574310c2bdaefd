// Package config loads and persists opencode-studio's own server
// configuration: hostname/port, the UI password, and how to reach the
// upstream opencode agent.
//
// # Configuration Loading
//
// Load implements a three-source merge, later sources winning:
//
//  1. Global config (~/.config/opencode-studio/opencode-studio.json[c])
//  2. Project config (<directory>/.opencode-studio/config.json[c])
//  3. Environment variables (OPENCODE_STUDIO_*)
//
// # Supported Formats
//
// Both JSON and JSONC (JSON with comments / trailing commas) are
// accepted; JSONC is normalized with github.com/tidwall/jsonc before
// unmarshaling.
//
// # Path Management
//
// Paths follows the XDG Base Directory Specification:
//   - Data:   ~/.local/share/opencode-studio  (XDG_DATA_HOME)
//   - Config: ~/.config/opencode-studio        (XDG_CONFIG_HOME)
//   - Cache:  ~/.cache/opencode-studio          (XDG_CACHE_HOME)
//   - State:  ~/.local/state/opencode-studio    (XDG_STATE_HOME)
package config
