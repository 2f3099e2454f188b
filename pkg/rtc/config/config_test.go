package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.CredentialURL != "http://127.0.0.1:8000/create-realtime-key" {
		t.Fatalf("CredentialURL=%q", cfg.CredentialURL)
	}
	if cfg.SignalingBaseURL != "https://api.openai.com/v1/realtime" {
		t.Fatalf("SignalingBaseURL=%q", cfg.SignalingBaseURL)
	}
	if cfg.Model != "gpt-4o-realtime-preview-2024-12-17" {
		t.Fatalf("Model=%q", cfg.Model)
	}
	if cfg.RelayToolResults {
		t.Fatalf("RelayToolResults should default to false")
	}
	if cfg.Currency != "usd" {
		t.Fatalf("Currency=%q", cfg.Currency)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("ICEServers=%v", cfg.ICEServers)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("VAI_RTC_CREDENTIAL_METHOD", "post")
	t.Setenv("VAI_RTC_NEGOTIATION_TIMEOUT", "3s")
	t.Setenv("VAI_RTC_RELAY_TOOL_RESULTS", "true")
	t.Setenv("VAI_RTC_ICE_SERVERS", "stun:a.example:3478, turn:b.example:3478")
	t.Setenv("VAI_RTC_CURRENCY", "EUR")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.CredentialMethod != "POST" {
		t.Fatalf("CredentialMethod=%q", cfg.CredentialMethod)
	}
	if cfg.NegotiationTimeout != 3*time.Second {
		t.Fatalf("NegotiationTimeout=%v", cfg.NegotiationTimeout)
	}
	if !cfg.RelayToolResults {
		t.Fatalf("RelayToolResults=false")
	}
	if len(cfg.ICEServers) != 2 || cfg.ICEServers[1] != "turn:b.example:3478" {
		t.Fatalf("ICEServers=%v", cfg.ICEServers)
	}
	if cfg.Currency != "eur" {
		t.Fatalf("Currency=%q", cfg.Currency)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"method":   {"VAI_RTC_CREDENTIAL_METHOD", "PUT"},
		"url":      {"VAI_RTC_CREDENTIAL_URL", "not a url"},
		"timeout":  {"VAI_RTC_NEGOTIATION_TIMEOUT", "-1s"},
		"currency": {"VAI_RTC_CURRENCY", "dollars"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("expected error for %s=%s", kv[0], kv[1])
			}
		})
	}
}

func TestLoadAgents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	body := `[{"name":"greeter","description":"Says hello","instructions":"Greet the buyer."},{"name":"seller","instructions":"Close the sale."}]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VAI_RTC_AGENTS_FILE", path)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if len(cfg.Agents) != 2 || cfg.Agents[1].Instructions != "Close the sale." {
		t.Fatalf("Agents=%+v", cfg.Agents)
	}
}

func TestLoadAgents_Duplicate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	if err := os.WriteFile(path, []byte(`[{"name":"a"},{"name":"a"}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VAI_RTC_AGENTS_FILE", path)
	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "declared twice") {
		t.Fatalf("err=%v", err)
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := Config{Instructions: "be brief", Voice: "verse", Transcription: "whisper-1"}
	sc := cfg.SessionConfig()
	if sc.Instructions != "be brief" || sc.Voice != "verse" {
		t.Fatalf("SessionConfig=%+v", sc)
	}
	if sc.InputAudioTranscription == nil || sc.InputAudioTranscription.Model != "whisper-1" {
		t.Fatalf("InputAudioTranscription=%+v", sc.InputAudioTranscription)
	}
	if sc.ToolChoice.Mode != "auto" {
		t.Fatalf("ToolChoice=%+v", sc.ToolChoice)
	}

	cfg.Transcription = ""
	if got := cfg.SessionConfig().InputAudioTranscription; got != nil {
		t.Fatalf("expected no transcription, got %+v", got)
	}
}

func TestLoadFromEnv_UnparseableValue(t *testing.T) {
	t.Setenv("VAI_RTC_RELAY_TOOL_RESULTS", "sometimes")
	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "VAI_RTC_RELAY_TOOL_RESULTS") {
		t.Fatalf("err=%v", err)
	}
}
