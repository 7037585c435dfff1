// Package settings provides configuration loading for jjagent.
// This package is separate from cli so lower-level packages can read
// configuration without importing the command tree.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/schpet/jjagent/cmd/jjagent/cli/lock"
	"github.com/schpet/jjagent/cmd/jjagent/cli/paths"
	"github.com/schpet/jjagent/cmd/jjagent/cli/session"
)

// Environment overrides.
const (
	// DisableEnvVar turns every hook into a pass-through when truthy.
	DisableEnvVar = "JJAGENT_DISABLE"
	// LockTimeoutEnvVar overrides lock_timeout, e.g. "30s".
	LockTimeoutEnvVar = "JJAGENT_LOCK_TIMEOUT"
)

// Settings represents the .jjagent/settings.json configuration.
type Settings struct {
	// Enabled indicates whether jjagent is active. When false, hooks pass
	// through without touching the repository. Defaults to true.
	Enabled bool `json:"enabled"`

	// LogLevel sets the logging verbosity (debug, info, warn, error).
	// Can be overridden by JJAGENT_LOG_LEVEL environment variable.
	LogLevel string `json:"log_level,omitempty"`

	// LockTimeout is how long a hook waits for the working-copy lock, as a
	// Go duration string. Defaults to 5m.
	LockTimeout string `json:"lock_timeout,omitempty"`

	// LockStaleAfter is how old a lock heartbeat may get before the lock is
	// reclaimed. Defaults to 90s.
	LockStaleAfter string `json:"lock_stale_after,omitempty"`

	// SessionScope is the revset searched for a session's commits.
	// Defaults to mutable().
	SessionScope string `json:"session_scope,omitempty"`

	// Telemetry controls anonymous usage analytics.
	// nil = not configured (off), true = opted in, false = opted out
	Telemetry *bool `json:"telemetry,omitempty"`
}

// Default returns the settings used when no file exists.
func Default() *Settings {
	return &Settings{Enabled: true}
}

// Load loads settings for the current workspace. Outside a workspace it
// returns defaults with environment overrides applied.
func Load() (*Settings, error) {
	root, err := paths.WorkspaceRoot()
	if err != nil {
		s := Default()
		applyEnv(s)
		return s, nil
	}
	return LoadFrom(root)
}

// LoadFrom loads .jjagent/settings.json under root, then applies any
// overrides from .jjagent/settings.local.json and the environment.
func LoadFrom(root string) (*Settings, error) {
	s, err := loadFromFile(paths.SettingsPath(root))
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	localData, err := os.ReadFile(paths.LocalSettingsPath(root)) //nolint:gosec // path is derived from the workspace root
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading local settings file: %w", err)
		}
	} else if err := mergeJSON(s, localData); err != nil {
		return nil, fmt.Errorf("merging local settings: %w", err)
	}

	applyEnv(s)
	return s, nil
}

// loadFromFile loads settings from a specific file path.
// Returns default settings if the file doesn't exist.
func loadFromFile(filePath string) (*Settings, error) {
	s := Default()

	data, err := os.ReadFile(filePath) //nolint:gosec // path is from caller
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("%w", err)
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings file: %w", err)
	}
	return s, nil
}

// mergeJSON merges JSON data into existing settings.
// Only fields present in the JSON override existing settings.
func mergeJSON(s *Settings, data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing JSON: %w", err)
	}

	if enabledRaw, ok := raw["enabled"]; ok {
		var e bool
		if err := json.Unmarshal(enabledRaw, &e); err != nil {
			return fmt.Errorf("parsing enabled field: %w", err)
		}
		s.Enabled = e
	}

	stringFields := []struct {
		key  string
		dest *string
	}{
		{"log_level", &s.LogLevel},
		{"lock_timeout", &s.LockTimeout},
		{"lock_stale_after", &s.LockStaleAfter},
		{"session_scope", &s.SessionScope},
	}
	for _, f := range stringFields {
		fieldRaw, ok := raw[f.key]
		if !ok {
			continue
		}
		var v string
		if err := json.Unmarshal(fieldRaw, &v); err != nil {
			return fmt.Errorf("parsing %s field: %w", f.key, err)
		}
		if v != "" {
			*f.dest = v
		}
	}

	if telemetryRaw, ok := raw["telemetry"]; ok {
		var t bool
		if err := json.Unmarshal(telemetryRaw, &t); err != nil {
			return fmt.Errorf("parsing telemetry field: %w", err)
		}
		s.Telemetry = &t
	}

	return nil
}

func applyEnv(s *Settings) {
	if DisabledByEnv() {
		s.Enabled = false
	}
	if v := os.Getenv(LockTimeoutEnvVar); v != "" {
		s.LockTimeout = v
	}
}

// DisabledByEnv reports whether JJAGENT_DISABLE turns jjagent off.
func DisabledByEnv() bool {
	return isTruthy(os.Getenv(DisableEnvVar))
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// LockOptions converts the lock settings into lock.Options. Invalid
// durations are reported rather than silently replaced.
func (s *Settings) LockOptions() (lock.Options, error) {
	var opts lock.Options
	timeout, err := parseDuration("lock_timeout", s.LockTimeout, lock.DefaultTimeout)
	if err != nil {
		return opts, err
	}
	staleAfter, err := parseDuration("lock_stale_after", s.LockStaleAfter, lock.DefaultStaleAfter)
	if err != nil {
		return opts, err
	}
	opts.Timeout = timeout
	opts.StaleAfter = staleAfter
	return opts, nil
}

// Scope returns the revset used to search for session commits.
func (s *Settings) Scope() string {
	if s.SessionScope == "" {
		return session.DefaultScope
	}
	return s.SessionScope
}

// TelemetryEnabled reports whether the user opted in to telemetry.
func (s *Settings) TelemetryEnabled() bool {
	return s.Telemetry != nil && *s.Telemetry
}

func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", field, value)
	}
	return d, nil
}
