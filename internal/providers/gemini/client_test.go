package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"bredai/internal/providers"
)

func TestBuildPayload(t *testing.T) {
	temp, topP := 0.3, 0.8
	body, err := buildPayload(providers.ChatRequest{
		Model:        "gemini-2.5-flash",
		SystemPrompt: "Du bist Bred",
		History: []providers.Turn{
			{Role: providers.RoleUser, Text: "Hallo"},
			{Role: providers.RoleModel, Text: "Hi!"},
		},
		Message:     "Was ist das?",
		Attachments: []providers.Attachment{{Name: "a.png", MimeType: "image/png", Data: "iVBOR"}},
		Temperature: &temp,
		TopP:        &topP,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	var payload struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text       string `json:"text"`
				InlineData *struct {
					MimeType string `json:"mime_type"`
					Data     string `json:"data"`
				} `json:"inline_data"`
			} `json:"parts"`
		} `json:"contents"`
		SystemInstruction struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
		GenerationConfig struct {
			Temperature float64 `json:"temperature"`
			TopP        float64 `json:"topP"`
		} `json:"generationConfig"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(payload.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(payload.Contents))
	}
	if payload.Contents[1].Role != "model" {
		t.Fatalf("expected model role for assistant turn, got %q", payload.Contents[1].Role)
	}
	last := payload.Contents[2]
	if last.Role != "user" || len(last.Parts) != 2 || last.Parts[1].InlineData == nil {
		t.Fatalf("expected user message with inline attachment, got %#v", last)
	}
	if last.Parts[1].InlineData.MimeType != "image/png" || last.Parts[1].InlineData.Data != "iVBOR" {
		t.Fatalf("attachment not passed through: %#v", last.Parts[1].InlineData)
	}
	if payload.SystemInstruction.Parts[0].Text != "Du bist Bred" {
		t.Fatalf("system instruction missing")
	}
	if payload.GenerationConfig.Temperature != 0.3 || payload.GenerationConfig.TopP != 0.8 {
		t.Fatalf("unexpected generation config %#v", payload.GenerationConfig)
	}
}

func TestChatSendsKeyAsQueryParam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.5-flash:generateContent" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("expected key query param, got %q", r.URL.RawQuery)
		}
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Antwort"}]}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/models/", APIKey: "test-key"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gemini-2.5-flash", Message: "Hallo"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "Antwort" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
}

func TestChatSurfacesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k", MaxRetries: 2})
	_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gemini-2.5-pro", Message: "x"})

	var perr *providers.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if !perr.RateLimited() || perr.Message != "Resource has been exhausted" {
		t.Fatalf("unexpected provider error %#v", perr)
	}
}

func TestChatUnparseableErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`<html>bad</html>`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "m", Message: "x"})

	var perr *providers.ProviderError
	if !errors.As(err, &perr) || perr.Status != http.StatusBadRequest {
		t.Fatalf("expected status-coded ProviderError, got %v", err)
	}
}
