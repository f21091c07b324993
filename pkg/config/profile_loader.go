package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so profiles can spell durations the
// human way ("5m", "24h"). Integer values are taken as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TuningProfile is a named bundle of governance tuning knobs loaded
// from YAML. Profiles let operators ship stricter or looser detection
// and caching behavior per deployment without code changes.
type TuningProfile struct {
	Name      string          `yaml:"name" json:"name"`
	Code      string          `yaml:"code" json:"code"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Detection DetectionConfig `yaml:"detection" json:"detection"`
	Export    ExportConfig    `yaml:"export" json:"export"`
}

// CacheConfig sizes the compiled-policy cache.
type CacheConfig struct {
	MaxSize    int      `yaml:"max_size" json:"max_size"`
	DefaultTTL Duration `yaml:"default_ttl" json:"default_ttl"`
}

// DetectionConfig tunes the violation detector.
type DetectionConfig struct {
	DedupWindow       Duration `yaml:"dedup_window" json:"dedup_window"`
	MinInterval       Duration `yaml:"min_interval" json:"min_interval"`
	AggregationWindow Duration `yaml:"aggregation_window" json:"aggregation_window"`
	PatternThreshold  int      `yaml:"pattern_threshold" json:"pattern_threshold"`
	AutoEscalate      bool     `yaml:"auto_escalate" json:"auto_escalate"`
}

// ExportConfig sets export defaults.
type ExportConfig struct {
	DefaultFormat string `yaml:"default_format" json:"default_format"` // "json" | "json-lines" | "csv" | "cef" | "syslog"
	SignByDefault bool   `yaml:"sign_by_default" json:"sign_by_default"`
	MaxEntries    int    `yaml:"max_entries" json:"max_entries"`
}

// LoadProfile loads a tuning profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*TuningProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile TuningProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*TuningProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TuningProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TuningProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_strict.yaml -> strict
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}
