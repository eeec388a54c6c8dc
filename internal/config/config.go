// Package config provides the configuration schema and loader for the Tasmi
// recitation verification engine.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ProviderName selects a transcription backend.
type ProviderName string

const (
	// ProviderChunked is the buffered HTTP batch backend.
	ProviderChunked ProviderName = "chunked"

	// ProviderRealtime is the persistent WebSocket backend with server VAD.
	ProviderRealtime ProviderName = "realtime"

	// ProviderIqra is the recitation-aware WebSocket backend.
	ProviderIqra ProviderName = "iqra"

	// ProviderDual runs two backends in parallel with source-tagged events.
	ProviderDual ProviderName = "dual"
)

// IsValid reports whether p is a recognised provider name.
func (p ProviderName) IsValid() bool {
	switch p {
	case ProviderChunked, ProviderRealtime, ProviderIqra, ProviderDual:
		return true
	}
	return false
}

// Config is the root configuration structure for Tasmi. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity. Defaults to info when empty.
	LogLevel LogLevel `yaml:"log_level"`

	Provider   ProviderConfig   `yaml:"provider"`
	Quran      QuranConfig      `yaml:"quran"`
	Align      AlignConfig      `yaml:"align"`
	Stabilizer StabilizerConfig `yaml:"stabilizer"`
}

// ProviderConfig selects the active transcription backend and holds the
// per-backend configuration blocks.
type ProviderConfig struct {
	// Name selects the backend used for sessions.
	Name ProviderName `yaml:"name"`

	Chunked  *ProviderEntry `yaml:"chunked"`
	Realtime *ProviderEntry `yaml:"realtime"`
	Iqra     *ProviderEntry `yaml:"iqra"`

	// Dual names the two backends composed when Name is "dual".
	Dual *DualConfig `yaml:"dual"`
}

// ProviderEntry is the common configuration block shared by the backend
// types.
type ProviderEntry struct {
	// APIKey is the authentication key for the backend's API, if any. When
	// left empty in the file, the loader fills it from DEEPGRAM_API_KEY
	// (chunked) or OPENAI_API_KEY (realtime).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint. Leave empty to use
	// the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the backend (e.g., "nova-2",
	// "gpt-4o-transcribe").
	Model string `yaml:"model"`

	// Language is the BCP-47 language code. Defaults to "ar".
	Language string `yaml:"language"`

	// Options holds backend-specific values not covered by the standard
	// fields above (e.g., chunk_seconds, rms_threshold, vad thresholds).
	Options map[string]any `yaml:"options"`
}

// DualConfig names the two inner backends of the dual composite. Each must
// have its own configuration block and must not itself be "dual".
type DualConfig struct {
	Primary   ProviderName `yaml:"primary"`
	Secondary ProviderName `yaml:"secondary"`
}

// QuranConfig points at the bundled ground-truth assets.
type QuranConfig struct {
	// TextPath is the one-ayah-per-line text file.
	TextPath string `yaml:"text_path"`

	// WordsPath is the surah → ayah → word-records JSON file.
	WordsPath string `yaml:"words_path"`
}

// AlignConfig tunes the forced aligner. Zero values keep the built-in
// defaults.
type AlignConfig struct {
	// MatchThreshold is the minimum similarity for a word to be accepted.
	MatchThreshold float64 `yaml:"match_threshold"`

	// ExactThreshold separates exact from fuzzy matches.
	ExactThreshold float64 `yaml:"exact_threshold"`

	// Strict enables mismatch reporting after sustained low-similarity runs.
	Strict bool `yaml:"strict"`

	// StrictRunLength is the run length that triggers a mismatch in strict
	// mode.
	StrictRunLength int `yaml:"strict_run_length"`
}

// StabilizerConfig tunes the transcription stabilizer.
type StabilizerConfig struct {
	// SealThreshold is how many trailing words are withheld until more text
	// arrives. Defaults to 1 when zero.
	SealThreshold int `yaml:"seal_threshold"`
}
