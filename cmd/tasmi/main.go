// Command tasmi runs a recitation verification session from the terminal:
// it captures microphone audio, streams it to the configured transcription
// backend, and prints alignment progress and mistakes as they happen.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hifzlab/tasmi/internal/align"
	"github.com/hifzlab/tasmi/internal/config"
	"github.com/hifzlab/tasmi/internal/observe"
	"github.com/hifzlab/tasmi/internal/quran"
	"github.com/hifzlab/tasmi/internal/session"
	"github.com/hifzlab/tasmi/pkg/audio"
	"github.com/hifzlab/tasmi/pkg/provider/transcribe"
	"github.com/hifzlab/tasmi/pkg/provider/transcribe/chunked"
	"github.com/hifzlab/tasmi/pkg/provider/transcribe/dual"
	"github.com/hifzlab/tasmi/pkg/provider/transcribe/iqra"
	"github.com/hifzlab/tasmi/pkg/provider/transcribe/realtime"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	surah := flag.Int("surah", 1, "surah to recite")
	startAyah := flag.Int("start", 1, "first ayah of the selection")
	endAyah := flag.Int("end", 0, "last ayah of the selection (0 = whole surah)")
	flag.Parse()

	// Best-effort .env load so API keys can live outside the config file
	// during development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "err", err)
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tasmi: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tasmi: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.LogLevel))

	slog.Info("tasmi starting",
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "tasmi"})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Quran ground truth ────────────────────────────────────────────────────
	store, err := quran.Load(cfg.Quran.TextPath, cfg.Quran.WordsPath)
	if err != nil {
		slog.Error("failed to load quran assets", "err", err)
		return 1
	}

	sel := quran.Selection{Surah: *surah, StartAyah: *startAyah, EndAyah: *endAyah}
	if sel.EndAyah == 0 {
		sel.EndAyah = quran.AyahCount(sel.Surah)
	}

	// ── Transcription provider ────────────────────────────────────────────────
	provider, err := buildProvider(cfg, sel)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}
	slog.Info("provider created", "name", cfg.Provider.Name)

	// ── Session ───────────────────────────────────────────────────────────────
	streamer := audio.NewStreamer(&audio.PortAudioDevice{})
	sess := session.New(store, streamer, provider,
		session.WithAlignerOptions(alignOptions(cfg.Align)...),
		session.WithSealThreshold(sealThreshold(cfg.Stabilizer)),
		session.WithHighlightFunc(printHighlight),
		session.WithHapticFunc(func() { fmt.Print("\a") }),
	)

	if err := sess.Start(ctx, sel); err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}

	fmt.Printf("reciting surah %d, ayahs %d–%d — press Ctrl+C to finish\n", sel.Surah, sel.StartAyah, sel.EndAyah)

	code := watchStates(ctx, sess)
	sess.Stop()
	return code
}

// watchStates prints session state changes until the session completes, a
// fatal error surfaces, or the user interrupts.
func watchStates(ctx context.Context, sess *session.Session) int {
	for {
		select {
		case st := <-sess.States():
			switch st.Kind {
			case session.MistakeDetected:
				if st.Mistake != nil {
					fmt.Printf("✗ mistake at ayah %d word %d: expected %q, heard %q\n",
						st.Mistake.Ayah, st.Mistake.WordIndex, st.Mistake.Expected.Arabic, st.Mistake.Transcribed)
				}
			case session.Completed:
				fmt.Printf("✓ completed — accuracy %.0f%%, %d mistake(s)\n", st.Accuracy*100, st.ErrorCount)
				return 0
			case session.Error:
				slog.Error("session failed", "message", st.Message)
				return 1
			default:
				slog.Info("session state", "state", st.Kind)
			}
		case <-ctx.Done():
			slog.Info("shutdown signal received, stopping…")
			return 0
		}
	}
}

// printHighlight renders one word-highlight event.
func printHighlight(h session.Highlight) {
	switch h.Status {
	case session.HighlightCorrect:
		fmt.Printf("  %d:%d word %d ✓\n", h.Surah, h.Ayah, h.WordIndex)
	case session.HighlightError:
		fmt.Printf("  %d:%d word %d ✗\n", h.Surah, h.Ayah, h.WordIndex)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProvider constructs the configured transcription backend. For the dual
// composite the two inner backends are built recursively by name.
func buildProvider(cfg *config.Config, sel quran.Selection) (transcribe.Provider, error) {
	return buildNamed(cfg, cfg.Provider.Name, sel)
}

func buildNamed(cfg *config.Config, name config.ProviderName, sel quran.Selection) (transcribe.Provider, error) {
	switch name {
	case config.ProviderChunked:
		entry := cfg.Provider.Chunked
		opts := []chunked.Option{}
		if entry.Model != "" {
			opts = append(opts, chunked.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, chunked.WithLanguage(entry.Language))
		}
		if secs := optInt(entry.Options, "chunk_seconds"); secs > 0 {
			opts = append(opts, chunked.WithChunkSeconds(secs))
		}
		if rms := optFloat(entry.Options, "rms_threshold"); rms > 0 {
			opts = append(opts, chunked.WithRMSThreshold(rms))
		}
		return chunked.New(entry.APIKey, entry.BaseURL, opts...)

	case config.ProviderRealtime:
		entry := cfg.Provider.Realtime
		opts := []realtime.Option{}
		if entry.Model != "" {
			opts = append(opts, realtime.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, realtime.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, realtime.WithBaseURL(entry.BaseURL))
		}
		if threshold := optFloat(entry.Options, "vad_threshold"); threshold > 0 {
			opts = append(opts, realtime.WithVAD(realtime.VADConfig{
				Threshold:         threshold,
				PrefixPaddingMs:   optInt(entry.Options, "vad_prefix_padding_ms"),
				SilenceDurationMs: optInt(entry.Options, "vad_silence_duration_ms"),
			}))
		}
		return realtime.New(entry.APIKey, opts...)

	case config.ProviderIqra:
		entry := cfg.Provider.Iqra
		return iqra.New(entry.BaseURL, iqra.WithPassage(iqra.Passage{
			SurahID:    sel.Surah,
			VerseStart: sel.StartAyah,
			VerseEnd:   sel.EndAyah,
		}))

	case config.ProviderDual:
		primary, err := buildNamed(cfg, cfg.Provider.Dual.Primary, sel)
		if err != nil {
			return nil, fmt.Errorf("dual primary: %w", err)
		}
		secondary, err := buildNamed(cfg, cfg.Provider.Dual.Secondary, sel)
		if err != nil {
			return nil, fmt.Errorf("dual secondary: %w", err)
		}
		return dual.New(
			dual.Inner{Provider: primary, Source: transcribe.Source(cfg.Provider.Dual.Primary)},
			dual.Inner{Provider: secondary, Source: transcribe.Source(cfg.Provider.Dual.Secondary)},
		), nil
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}

// alignOptions translates config into aligner options.
func alignOptions(cfg config.AlignConfig) []align.Option {
	var opts []align.Option
	if cfg.MatchThreshold > 0 {
		opts = append(opts, align.WithMatchThreshold(cfg.MatchThreshold))
	}
	if cfg.ExactThreshold > 0 {
		opts = append(opts, align.WithExactThreshold(cfg.ExactThreshold))
	}
	if cfg.Strict {
		opts = append(opts, align.WithStrictMode(cfg.StrictRunLength))
	}
	return opts
}

func sealThreshold(cfg config.StabilizerConfig) int {
	if cfg.SealThreshold > 0 {
		return cfg.SealThreshold
	}
	return 1
}


// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optInt extracts an int from a backend Options map. Returns 0 if the map is
// nil, the key is absent, or the value is not an integer.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	if v, ok := opts[key].(int); ok {
		return v
	}
	return 0
}

// optFloat extracts a float from a backend Options map, accepting YAML's int
// and float decodings.
func optFloat(opts map[string]any, key string) float64 {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
