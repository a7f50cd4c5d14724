// Package config defines the oxsyncd configuration schema. The config file
// is a JSON document shared with the dashboard: the dashboard fetches it via
// the control API, edits it and posts it back, so field names here are the
// wire contract. Unknown fields are ignored; missing optional fields take
// the documented defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Defaults applied when the corresponding field is absent.
const (
	DefaultIntervalSeconds     = 120
	DefaultBranch              = "main"
	DefaultGitRetryCount       = 3
	DefaultGitRetryDelaySecs   = 10
	DefaultGitTimeoutSeconds   = 30
	DefaultStartupDelaySeconds = 1
)

// PatternList is a set of glob patterns. The JSON form accepts either a
// single string or an array of strings.
type PatternList []string

// UnmarshalJSON accepts "pat" or ["pat", ...].
func (p *PatternList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*p = PatternList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("patterns must be a string or array of strings")
	}
	*p = PatternList(many)
	return nil
}

// Config is the global configuration document.
type Config struct {
	LogPath              string   `json:"LogPath"`
	IntervalSeconds      int      `json:"IntervalSeconds"`
	Branch               string   `json:"Branch"`
	GitRetryCount        int      `json:"GitRetryCount"`
	GitRetryDelaySeconds int      `json:"GitRetryDelaySeconds"`
	GitTimeoutSeconds    int      `json:"GitTimeoutSeconds"`
	StartupDelaySeconds  int      `json:"StartupDelaySeconds"`
	DryRun               bool     `json:"DryRun"`
	ListenAddr           string   `json:"ListenAddr,omitempty"`
	Targets              []Target `json:"Targets"`
}

// Target is one configured destination pair tied to one repo checkout.
type Target struct {
	Name             string      `json:"Name"`
	RepoPath         string      `json:"RepoPath"`
	ServerRoot       string      `json:"ServerRoot"`
	PluginsTarget    string      `json:"PluginsTarget"`
	ConfigTarget     string      `json:"ConfigTarget"`
	Branch           string      `json:"Branch"`
	PluginsPattern   PatternList `json:"PluginsPattern"`
	ConfigPattern    PatternList `json:"ConfigPattern"`
	ExcludePatterns  PatternList `json:"ExcludePatterns"`
	DeleteExtraneous bool        `json:"DeleteExtraneous"`
	Enabled          bool        `json:"Enabled"`
}

// UnmarshalJSON applies the Enabled=true default before decoding.
func (t *Target) UnmarshalJSON(data []byte) error {
	type alias Target
	a := alias{Enabled: true}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = Target(a)
	return nil
}

// Load reads, parses, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses a configuration document, applies defaults and validates it.
// This is the single path used by startup, /api/validate and
// /api/config/save.
func Parse(data []byte) (*Config, error) {
	cfg, errs := Check(data)
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Check parses and validates a candidate document, returning the parsed
// config and the full list of problems. Used by /api/validate and
// /api/config/save, which report every error rather than the first.
func Check(data []byte) (*Config, []string) {
	// Tolerate a UTF-8 BOM; the original config files were written on
	// Windows and may carry one.
	data = []byte(strings.TrimPrefix(string(data), "\xef\xbb\xbf"))

	// Numeric defaults are seeded before decode so an explicit 0 in the
	// document survives where validation allows it (retry count, delays).
	cfg := Config{
		IntervalSeconds:      DefaultIntervalSeconds,
		GitRetryCount:        DefaultGitRetryCount,
		GitRetryDelaySeconds: DefaultGitRetryDelaySecs,
		GitTimeoutSeconds:    DefaultGitTimeoutSeconds,
		StartupDelaySeconds:  DefaultStartupDelaySeconds,
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, []string{fmt.Sprintf("invalid JSON: %v", err)}
	}

	cfg.applyDefaults()
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// applyDefaults fills in the remaining absent fields: strings and the
// per-target derivations. Numerics are handled by the pre-seeded decode in
// Check.
func (c *Config) applyDefaults() {
	if c.Branch == "" {
		c.Branch = DefaultBranch
	}

	for i := range c.Targets {
		t := &c.Targets[i]
		if t.PluginsTarget == "" && t.ServerRoot != "" {
			t.PluginsTarget = filepath.Join(t.ServerRoot, "oxide", "plugins")
		}
		if t.ConfigTarget == "" && t.ServerRoot != "" {
			t.ConfigTarget = filepath.Join(t.ServerRoot, "oxide", "config")
		}
		if t.PluginsPattern == nil {
			t.PluginsPattern = PatternList{"*.cs"}
		}
		if t.ConfigPattern == nil {
			t.ConfigPattern = PatternList{"*.json"}
		}
		if t.ExcludePatterns == nil {
			t.ExcludePatterns = PatternList{}
		}
	}
}

// Validate checks the full configuration and returns every problem found.
// An empty slice means the config is valid.
func (c *Config) Validate() []string {
	var errs []string

	if c.LogPath == "" {
		errs = append(errs, "LogPath is required")
	}
	if c.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("IntervalSeconds must be > 0 (got %d)", c.IntervalSeconds))
	}
	if c.GitRetryCount < 0 {
		errs = append(errs, fmt.Sprintf("GitRetryCount must be >= 0 (got %d)", c.GitRetryCount))
	}
	if c.GitRetryDelaySeconds < 0 {
		errs = append(errs, fmt.Sprintf("GitRetryDelaySeconds must be >= 0 (got %d)", c.GitRetryDelaySeconds))
	}
	if c.GitTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("GitTimeoutSeconds must be > 0 (got %d)", c.GitTimeoutSeconds))
	}
	if c.StartupDelaySeconds < 0 {
		errs = append(errs, fmt.Sprintf("StartupDelaySeconds must be >= 0 (got %d)", c.StartupDelaySeconds))
	}

	if len(c.Targets) == 0 {
		errs = append(errs, "Targets must be a non-empty list")
	}

	seen := make(map[string]bool)
	for i, t := range c.Targets {
		label := t.Name
		if label == "" {
			label = fmt.Sprintf("Targets[%d]", i)
		}

		if strings.TrimSpace(t.Name) == "" {
			errs = append(errs, fmt.Sprintf("%s: Name is required", label))
		} else if seen[t.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate target name", label))
		}
		seen[t.Name] = true

		if t.RepoPath == "" {
			errs = append(errs, fmt.Sprintf("%s: RepoPath is required", label))
		}
		if t.ServerRoot == "" && (t.PluginsTarget == "" || t.ConfigTarget == "") {
			errs = append(errs, fmt.Sprintf("%s: ServerRoot is required unless both targets are set", label))
		}

		for _, dir := range []struct{ name, path string }{
			{"PluginsTarget", t.PluginsTarget},
			{"ConfigTarget", t.ConfigTarget},
		} {
			if dir.path == "" {
				continue
			}
			if !filepath.IsAbs(dir.path) {
				errs = append(errs, fmt.Sprintf("%s: %s must be an absolute path: %s", label, dir.name, dir.path))
			}
			if t.RepoPath != "" && overlaps(dir.path, t.RepoPath) {
				errs = append(errs, fmt.Sprintf("%s: %s must be disjoint from RepoPath", label, dir.name))
			}
		}

		if len(t.PluginsPattern) > 0 && allBlank(t.PluginsPattern) {
			errs = append(errs, fmt.Sprintf("%s: PluginsPattern cannot be empty", label))
		}
		if len(t.ConfigPattern) > 0 && allBlank(t.ConfigPattern) {
			errs = append(errs, fmt.Sprintf("%s: ConfigPattern cannot be empty", label))
		}
	}

	return errs
}

// overlaps reports whether one path is the other or contained in it.
func overlaps(a, b string) bool {
	a = filepath.Clean(a)
	b = filepath.Clean(b)
	if a == b {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(a, b+sep) || strings.HasPrefix(b, a+sep)
}

func allBlank(patterns PatternList) bool {
	for _, p := range patterns {
		if strings.TrimSpace(p) != "" {
			return false
		}
	}
	return true
}

// Sample is the config document written on first run.
var Sample = Config{
	LogPath:              "/var/log/oxsyncd/deploy.log",
	IntervalSeconds:      DefaultIntervalSeconds,
	Branch:               DefaultBranch,
	GitRetryCount:        DefaultGitRetryCount,
	GitRetryDelaySeconds: DefaultGitRetryDelaySecs,
	GitTimeoutSeconds:    DefaultGitTimeoutSeconds,
	StartupDelaySeconds:  DefaultStartupDelaySeconds,
	Targets: []Target{
		{
			Name:            "main",
			RepoPath:        "/srv/oxsyncd/plugins-repo",
			ServerRoot:      "/srv/rust/server",
			PluginsTarget:   "/srv/rust/server/oxide/plugins",
			ConfigTarget:    "/srv/rust/server/oxide/config",
			Branch:          DefaultBranch,
			PluginsPattern:  PatternList{"*.cs"},
			ConfigPattern:   PatternList{"*.json"},
			ExcludePatterns: PatternList{},
			Enabled:         true,
		},
	},
}

// WriteSample writes the sample configuration to path, creating parent
// directories as needed. Used on first run so the operator has a template
// to edit.
func WriteSample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&Sample, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// Write persists cfg to path as indented JSON, the same document shape the
// dashboard round-trips.
func Write(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// BranchFor returns the branch a target tracks, falling back to the global
// default.
func (c *Config) BranchFor(t *Target) string {
	if t.Branch != "" {
		return t.Branch
	}
	return c.Branch
}
