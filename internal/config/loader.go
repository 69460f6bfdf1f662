package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidChatBackends lists the known stateless chat backend names.
// Used by [Validate] to reject unrecognised backends.
var ValidChatBackends = []string{"gemini", "openai", "anyllm"}

// ValidAnyLLMProviders lists the any-llm provider names Parlavo has been
// tested with. Unknown names produce a warning, not an error, since any-llm
// gains providers over time.
var ValidAnyLLMProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq",
	"llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
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
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backends — at least one must be usable or no session can start.
	liveConfigured := cfg.Backend.Live.APIKey != ""
	chatConfigured := cfg.Backend.Chat.Primary.Backend != ""
	if !liveConfigured && !chatConfigured {
		slog.Warn("no live or chat backend configured; sessions will not be able to start")
	}
	if !liveConfigured && (cfg.Backend.Live.Model != "" || cfg.Backend.Live.Voice != "") {
		slog.Warn("backend.live has model or voice set but no api_key; voice sessions will be unavailable")
	}

	if chatConfigured {
		errs = append(errs, validateChatBackend("backend.chat.primary", cfg.Backend.Chat.Primary)...)
	}
	for i, fb := range cfg.Backend.Chat.Fallbacks {
		prefix := fmt.Sprintf("backend.chat.fallbacks[%d]", i)
		if fb.Backend == "" {
			errs = append(errs, fmt.Errorf("%s.backend is required", prefix))
			continue
		}
		errs = append(errs, validateChatBackend(prefix, fb)...)
	}
	if !chatConfigured && len(cfg.Backend.Chat.Fallbacks) > 0 {
		errs = append(errs, errors.New("backend.chat.fallbacks is set but backend.chat.primary is not configured"))
	}

	// Storage
	if cfg.Storage.Driver != "" && !cfg.Storage.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: memory, file, postgres", cfg.Storage.Driver))
	}
	if cfg.Storage.Driver == StoragePostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.driver is postgres"))
	}
	if cfg.Storage.Driver == StorageMemory {
		slog.Warn("storage.driver is memory; discussions will be lost on restart")
	}

	// Session timings
	if cfg.Session.DebounceMs < 0 {
		errs = append(errs, fmt.Errorf("session.debounce_ms %d must not be negative", cfg.Session.DebounceMs))
	}
	if cfg.Session.PunctuationDebounceMs < 0 {
		errs = append(errs, fmt.Errorf("session.punctuation_debounce_ms %d must not be negative", cfg.Session.PunctuationDebounceMs))
	}
	if cfg.Session.UserIdleMs < 0 {
		errs = append(errs, fmt.Errorf("session.user_idle_ms %d must not be negative", cfg.Session.UserIdleMs))
	}
	if cfg.Session.PunctuationDebounceMs > 0 && cfg.Session.DebounceMs > 0 &&
		cfg.Session.PunctuationDebounceMs > cfg.Session.DebounceMs {
		slog.Warn("session.punctuation_debounce_ms is longer than session.debounce_ms; punctuated replies will wait longer than unpunctuated ones",
			"punctuation_debounce_ms", cfg.Session.PunctuationDebounceMs,
			"debounce_ms", cfg.Session.DebounceMs,
		)
	}

	return errors.Join(errs...)
}

// validateChatBackend checks one stateless backend entry.
func validateChatBackend(prefix string, b ChatBackendConfig) []error {
	var errs []error

	if !slices.Contains(ValidChatBackends, b.Backend) {
		errs = append(errs, fmt.Errorf("%s.backend %q is invalid; valid values: gemini, openai, anyllm", prefix, b.Backend))
		return errs
	}

	switch b.Backend {
	case "gemini", "openai":
		if b.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for the %s backend", prefix, b.Backend))
		}
	case "anyllm":
		if b.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required for the anyllm backend", prefix))
		} else if !slices.Contains(ValidAnyLLMProviders, b.Provider) {
			slog.Warn("unknown any-llm provider name — may be a typo or a newer provider",
				"entry", prefix,
				"provider", b.Provider,
				"known", ValidAnyLLMProviders,
			)
		}
		if b.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required for the anyllm backend", prefix))
		}
	}

	if b.Backend == "openai" && b.Model == "" {
		errs = append(errs, fmt.Errorf("%s.model is required for the openai backend", prefix))
	}
	if len(b.Models) > 0 && b.Backend != "gemini" {
		slog.Warn("models list is only used by the gemini backend; other backends use model",
			"entry", prefix,
			"backend", b.Backend,
		)
	}

	return errs
}
