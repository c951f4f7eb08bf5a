package main

import (
	"os"
	"testing"

	"github.com/rs/zerolog"

	"bredai/internal/catalog"
	"bredai/internal/config"
	"bredai/internal/providers"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestApplyFallbackModels(t *testing.T) {
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}
	if err := applyFallbackModels(cat, config.ProvidersConfig{Groq: config.ProviderConfig{FallbackModel: "groq-llama-3.3-70b"}}); err != nil {
		t.Fatalf("apply matching override: %v", err)
	}
	if got := cat.FallbackModels[providers.Groq]; got != "groq-llama-3.3-70b" {
		t.Fatalf("unexpected groq fallback %q", got)
	}

	err = applyFallbackModels(cat, config.ProvidersConfig{Groq: config.ProviderConfig{FallbackModel: "gemini-2.5-flash"}})
	if err == nil {
		t.Fatalf("expected error for a model of another provider")
	}
	err = applyFallbackModels(cat, config.ProvidersConfig{NVIDIA: config.ProviderConfig{FallbackModel: "nope"}})
	if err == nil {
		t.Fatalf("expected error for an unknown model")
	}
}

func TestFieldsPadsMissingParts(t *testing.T) {
	got := fields(" Reise | Du planst Reisen ", 3)
	if len(got) != 3 || got[0] != "Reise" || got[1] != "Du planst Reisen" || got[2] != "" {
		t.Fatalf("unexpected fields %#v", got)
	}
	got = fields("a|b|c|d", 3)
	if got[2] != "c|d" {
		t.Fatalf("expected remainder in last field, got %#v", got)
	}
}

func TestParseToggle(t *testing.T) {
	for _, in := range []string{"an", "ON", "ja"} {
		if on, err := parseToggle(in); err != nil || !on {
			t.Fatalf("parseToggle(%q) = %v, %v", in, on, err)
		}
	}
	if on, err := parseToggle("aus"); err != nil || on {
		t.Fatalf("parseToggle(aus) = %v, %v", on, err)
	}
	if _, err := parseToggle("vielleicht"); err == nil {
		t.Fatalf("expected error for unknown toggle")
	}
}

func TestReadAttachmentDetectsMimeType(t *testing.T) {
	path := t.TempDir() + "/notes.txt"
	if err := os.WriteFile(path, []byte("hallo"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	a, err := readAttachment(path)
	if err != nil {
		t.Fatalf("read attachment: %v", err)
	}
	if a.Name != "notes.txt" || a.MimeType != "text/plain" || a.Data != "aGFsbG8=" {
		t.Fatalf("unexpected attachment %#v", a)
	}
}
