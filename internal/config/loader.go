package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills API keys left empty in the file from the conventional
// environment variables, so keys can stay out of checked-in configs. Runs
// before validation; an explicit file value always wins.
func applyEnv(cfg *Config) {
	if entry := cfg.Provider.Chunked; entry != nil && entry.APIKey == "" {
		entry.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	if entry := cfg.Provider.Realtime; entry != nil && entry.APIKey == "" {
		entry.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !cfg.Provider.Name.IsValid() {
		errs = append(errs, fmt.Errorf("provider.name %q is invalid; valid values: chunked, realtime, iqra, dual", cfg.Provider.Name))
	} else if cfg.Provider.Name == ProviderDual {
		errs = append(errs, validateDual(cfg)...)
	} else {
		errs = append(errs, validateEntry(cfg, cfg.Provider.Name)...)
	}

	if cfg.Quran.TextPath == "" {
		errs = append(errs, errors.New("quran.text_path is required"))
	}
	if cfg.Quran.WordsPath == "" {
		errs = append(errs, errors.New("quran.words_path is required"))
	}

	if t := cfg.Align.MatchThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("align.match_threshold %.2f is out of range [0, 1]", t))
	}
	if t := cfg.Align.ExactThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("align.exact_threshold %.2f is out of range [0, 1]", t))
	}
	if m, e := cfg.Align.MatchThreshold, cfg.Align.ExactThreshold; m > 0 && e > 0 && m > e {
		errs = append(errs, fmt.Errorf("align.match_threshold %.2f exceeds align.exact_threshold %.2f", m, e))
	}
	if cfg.Align.StrictRunLength < 0 {
		errs = append(errs, fmt.Errorf("align.strict_run_length %d is negative", cfg.Align.StrictRunLength))
	}
	if cfg.Stabilizer.SealThreshold < 0 {
		errs = append(errs, fmt.Errorf("stabilizer.seal_threshold %d is negative", cfg.Stabilizer.SealThreshold))
	}

	return errors.Join(errs...)
}

// validateDual checks the dual block and both named inner backends.
func validateDual(cfg *Config) []error {
	if cfg.Provider.Dual == nil {
		return []error{errors.New("provider.dual is required when provider.name is dual")}
	}

	var errs []error
	for _, role := range []struct {
		label string
		name  ProviderName
	}{
		{"provider.dual.primary", cfg.Provider.Dual.Primary},
		{"provider.dual.secondary", cfg.Provider.Dual.Secondary},
	} {
		switch {
		case role.name == "":
			errs = append(errs, fmt.Errorf("%s is required", role.label))
		case role.name == ProviderDual:
			errs = append(errs, fmt.Errorf("%s must not be dual", role.label))
		case !role.name.IsValid():
			errs = append(errs, fmt.Errorf("%s %q is invalid", role.label, role.name))
		default:
			errs = append(errs, validateEntry(cfg, role.name)...)
		}
	}
	if p, s := cfg.Provider.Dual.Primary, cfg.Provider.Dual.Secondary; p != "" && p == s {
		errs = append(errs, fmt.Errorf("provider.dual primary and secondary are both %q", p))
	}
	return errs
}

// validateEntry checks that the named backend has its configuration block
// with the fields that backend requires.
func validateEntry(cfg *Config, name ProviderName) []error {
	var errs []error
	switch name {
	case ProviderChunked:
		entry := cfg.Provider.Chunked
		if entry == nil {
			return []error{errors.New("provider.chunked block is required")}
		}
		if entry.APIKey == "" {
			errs = append(errs, errors.New("provider.chunked.api_key is required"))
		}
		if entry.BaseURL == "" {
			errs = append(errs, errors.New("provider.chunked.base_url is required"))
		}
	case ProviderRealtime:
		entry := cfg.Provider.Realtime
		if entry == nil {
			return []error{errors.New("provider.realtime block is required")}
		}
		if entry.APIKey == "" {
			errs = append(errs, errors.New("provider.realtime.api_key is required"))
		}
	case ProviderIqra:
		entry := cfg.Provider.Iqra
		if entry == nil {
			return []error{errors.New("provider.iqra block is required")}
		}
		if entry.BaseURL == "" {
			errs = append(errs, errors.New("provider.iqra.base_url is required"))
		}
	}
	return errs
}
