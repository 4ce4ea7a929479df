// Copyright 2026 aptguard
//
// On-disk configuration: a TOML document at an XDG-style per-user config
// path, holding the threshold policy and the three rebuilder lists
// (trusted, custom, cached) that feed the merged rebuilder view.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/aptguard/aptguard/pkg/rebuilder"
)

const appDirName = "repro-threshold"
const fileName = "config.toml"

// Config is the full on-disk document. Every field is optional; a
// document missing a table or key loads as that field's zero value.
type Config struct {
	Rules                    Rules                 `toml:"rules"`
	TrustedRebuilders        []rebuilder.Rebuilder  `toml:"trusted_rebuilder"`
	CustomRebuilders         []rebuilder.Rebuilder  `toml:"custom_rebuilder"`
	CachedRebuilderdCommunity []rebuilder.Rebuilder `toml:"cached_rebuilderd_community"`
}

// Rules is the [rules] table: the threshold policy.
type Rules struct {
	RequiredThreshold int      `toml:"required_threshold"`
	BlindlyTrust      []string `toml:"blindly_trust"`
}

// Default returns an empty configuration: zero threshold, no bypassed
// packages, no rebuilders.
func Default() Config {
	return Config{}
}

// DefaultPath resolves the OS-appropriate per-user config file path. It
// follows XDG_DATA_HOME, mirroring dirs::data_local_dir() from the
// original implementation, and falls back to ~/.local/share (~/AppData on
// Windows) when unset.
func DefaultPath() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appDirName, fileName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	base := filepath.Join(".local", "share")
	if runtime.GOOS == "windows" {
		base = "AppData"
	}
	return filepath.Join(home, base, appDirName, fileName), nil
}

// Load reads and parses the TOML document at path. A missing file is not
// an error: it loads as Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save serializes cfg as TOML to path, creating parent directories as
// needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	return nil
}

// MergedRebuilders returns the merged, deduplicated-by-URL rebuilder
// list: trusted entries (active) first, then custom (inactive), then
// cached (inactive), in first-seen order.
func (c Config) MergedRebuilders() []rebuilder.Selectable {
	seen := make(map[string]struct{})
	var out []rebuilder.Selectable

	add := func(list []rebuilder.Rebuilder, active bool) {
		for _, r := range list {
			if _, ok := seen[r.URL]; ok {
				continue
			}
			seen[r.URL] = struct{}{}
			out = append(out, rebuilder.Selectable{Active: active, Item: r})
		}
	}
	add(c.TrustedRebuilders, true)
	add(c.CustomRebuilders, false)
	add(c.CachedRebuilderdCommunity, false)
	return out
}

// ThresholdPolicy projects the [rules] table into a rebuilder.ThresholdPolicy.
func (c Config) ThresholdPolicy() rebuilder.ThresholdPolicy {
	return rebuilder.ThresholdPolicy{
		RequiredThreshold: c.Rules.RequiredThreshold,
		BlindlyTrust:      c.Rules.BlindlyTrust,
	}
}
