package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/parlavo/parlavo/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: chatty
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()
	yaml := `
storage:
  driver: postgres
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for postgres driver without DSN, got nil")
	}
	if !strings.Contains(err.Error(), "postgres_dsn") {
		t.Errorf("error should mention postgres_dsn, got: %v", err)
	}
}

func TestValidate_UnknownStorageDriver(t *testing.T) {
	t.Parallel()
	yaml := `
storage:
  driver: cassandra
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown storage driver, got nil")
	}
}

func TestValidate_UnknownChatBackend(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  chat:
    primary:
      backend: bard
      api_key: test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown chat backend, got nil")
	}
}

func TestValidate_GeminiRequiresAPIKey(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  chat:
    primary:
      backend: gemini
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for gemini backend without api_key, got nil")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Errorf("error should mention api_key, got: %v", err)
	}
}

func TestValidate_OpenAIRequiresModel(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  chat:
    primary:
      backend: openai
      api_key: sk-test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for openai backend without model, got nil")
	}
	if !strings.Contains(err.Error(), "model") {
		t.Errorf("error should mention model, got: %v", err)
	}
}

func TestValidate_AnyLLMRequiresProviderAndModel(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  chat:
    primary:
      backend: anyllm
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for anyllm backend without provider/model, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "provider") {
		t.Errorf("error should mention provider, got: %v", err)
	}
	if !strings.Contains(errStr, "model") {
		t.Errorf("error should mention model, got: %v", err)
	}
}

func TestValidate_FallbackRequiresBackendName(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  chat:
    primary:
      backend: gemini
      api_key: test
    fallbacks:
      - api_key: sk-test
        model: gpt-4o-mini
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallback without backend name, got nil")
	}
	if !strings.Contains(err.Error(), "fallbacks[0]") {
		t.Errorf("error should name the offending entry, got: %v", err)
	}
}

func TestValidate_FallbacksWithoutPrimary(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  chat:
    fallbacks:
      - backend: openai
        api_key: sk-test
        model: gpt-4o-mini
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallbacks without a primary, got nil")
	}
}

func TestValidate_NegativeTimings(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  debounce_ms: -50
  user_idle_ms: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative timings, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "debounce_ms") {
		t.Errorf("error should mention debounce_ms, got: %v", err)
	}
	if !strings.Contains(errStr, "user_idle_ms") {
		t.Errorf("error should mention user_idle_ms, got: %v", err)
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: chatty
storage:
  driver: postgres
session:
  debounce_ms: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "postgres_dsn", "debounce_ms"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidChatBackends(t *testing.T) {
	t.Parallel()
	if len(config.ValidChatBackends) == 0 {
		t.Fatal("ValidChatBackends should not be empty")
	}
	if !slices.Contains(config.ValidChatBackends, "gemini") {
		t.Error("ValidChatBackends should contain gemini")
	}
}
