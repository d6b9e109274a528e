package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kingrea/cascade/internal/config"
	"github.com/kingrea/cascade/internal/faults"
)

func newOpenAI(url string) *OpenAIClient {
	return &OpenAIClient{APIKey: "k", Model: "gpt-test", MaxTokens: 100, BaseURL: url, Sleep: func(time.Duration) {}}
}

func TestOpenAIPlanSendsSystemAndUserMessages(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  [] \n"}}]}`))
	}))
	defer srv.Close()

	out, err := newOpenAI(srv.URL).Plan(context.Background(), "system text", "Mission: Build X")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if out != "[]" {
		t.Fatalf("out = %q, want []", out)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "Mission: Build X" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.Model != "gpt-test" || got.MaxTokens != 100 {
		t.Fatalf("unexpected model settings: %+v", got)
	}
}

func TestOpenAIRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	out, err := newOpenAI(srv.URL).Plan(context.Background(), "s", "c")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if out != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("out=%q calls=%d", out, calls)
	}
}

func TestOpenAIErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   faults.ServiceKind
	}{
		{"bad request", http.StatusBadRequest, `{"error":"nope"}`, faults.ServiceUnavailable},
		{"no choices", http.StatusOK, `{"choices":[]}`, faults.ServiceMalformed},
		{"not json", http.StatusOK, `<html>`, faults.ServiceMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			_, err := newOpenAI(srv.URL).Plan(context.Background(), "s", "c")
			var svcErr *faults.ServiceError
			if !errors.As(err, &svcErr) {
				t.Fatalf("expected ServiceError, got %v", err)
			}
			if svcErr.Kind != tc.kind {
				t.Fatalf("kind = %s, want %s", svcErr.Kind, tc.kind)
			}
		})
	}
}

func TestNewBuildsScriptClient(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "planner.go")
	src := "package main\n\nfunc Plan(role, context string) (string, error) {\n\treturn \"echo:\" + context, nil\n}\n"
	if err := os.WriteFile(script, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{ProjectDir: dir, Project: config.ProjectConfig{Provider: config.ProviderScript, Script: script}}
	client, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if client.Name() != "script" {
		t.Fatalf("name = %q", client.Name())
	}
	out, err := client.Plan(context.Background(), "role", "hello")
	if err != nil || out != "echo:hello" {
		t.Fatalf("Plan() = %q, %v", out, err)
	}
}

func TestNewOpenAIWithoutKeyIsConfigError(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg := &config.Config{Project: config.ProjectConfig{Provider: config.ProviderOpenAI}}
	_, err := New(context.Background(), cfg)
	if !faults.Fatal(err) {
		t.Fatalf("expected fatal config error, got %v", err)
	}
}
