// Package config loads the realtime client configuration from the
// environment.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/vango-go/vai-rtc/internal/envconf"
	"github.com/vango-go/vai-rtc/pkg/rtc/protocol"
	"github.com/vango-go/vai-rtc/pkg/rtc/tools/transfer"
)

const DefaultInstructions = "You are a friendly marketplace assistant talking with a buyer. " +
	"Answer questions about the listing, negotiate politely, and once a price is agreed " +
	"call stripe_function with that price so the buyer receives a payment link."

type Config struct {
	// Credential issuing endpoint.
	CredentialURL     string
	CredentialMethod  string
	CredentialTimeout time.Duration

	// Signaling.
	SignalingBaseURL   string
	Model              string
	NegotiationTimeout time.Duration
	ChannelOpenTimeout time.Duration
	ICEServers         []string

	// Session configuration.
	Instructions     string
	Voice            string
	Transcription    string
	Agents           []transfer.Agent
	RelayToolResults bool
	ToolTimeout      time.Duration

	// Payment-link tool.
	StripeKey string
	Currency  string

	// UI bridge.
	UIAddr string
}

func LoadFromEnv() (Config, error) {
	env := envconf.New()
	cfg := Config{
		CredentialURL:      env.String("VAI_RTC_CREDENTIAL_URL", "http://127.0.0.1:8000/create-realtime-key"),
		CredentialMethod:   strings.ToUpper(env.String("VAI_RTC_CREDENTIAL_METHOD", "GET")),
		CredentialTimeout:  env.Duration("VAI_RTC_CREDENTIAL_TIMEOUT", 10*time.Second),
		SignalingBaseURL:   env.String("VAI_RTC_SIGNALING_BASE_URL", "https://api.openai.com/v1/realtime"),
		Model:              env.String("VAI_RTC_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		NegotiationTimeout: env.Duration("VAI_RTC_NEGOTIATION_TIMEOUT", 20*time.Second),
		ChannelOpenTimeout: env.Duration("VAI_RTC_CHANNEL_OPEN_TIMEOUT", 15*time.Second),
		ICEServers:         env.List("VAI_RTC_ICE_SERVERS", "stun:stun.l.google.com:19302"),
		Instructions:       env.String("VAI_RTC_INSTRUCTIONS", DefaultInstructions),
		Voice:              env.String("VAI_RTC_VOICE", "alloy"),
		Transcription:      env.String("VAI_RTC_TRANSCRIPTION_MODEL", "whisper-1"),
		RelayToolResults:   env.Bool("VAI_RTC_RELAY_TOOL_RESULTS", false),
		ToolTimeout:        env.Duration("VAI_RTC_TOOL_TIMEOUT", 30*time.Second),
		StripeKey:          env.String("VAI_RTC_STRIPE_KEY", ""),
		Currency:           strings.ToLower(env.String("VAI_RTC_CURRENCY", "usd")),
		UIAddr:             env.String("VAI_RTC_UI_ADDR", "127.0.0.1:8090"),
	}
	agentsFile := env.String("VAI_RTC_AGENTS_FILE", "")
	if err := env.Err(); err != nil {
		return Config{}, err
	}

	if agentsFile != "" {
		agents, err := LoadAgents(agentsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Agents = agents
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants after env loading and flag overrides.
func (c Config) Validate() error {
	if _, err := url.ParseRequestURI(c.CredentialURL); err != nil {
		return fmt.Errorf("VAI_RTC_CREDENTIAL_URL must be a valid URL: %w", err)
	}
	switch c.CredentialMethod {
	case "GET", "POST":
	default:
		return fmt.Errorf("VAI_RTC_CREDENTIAL_METHOD must be one of GET|POST")
	}
	if _, err := url.ParseRequestURI(c.SignalingBaseURL); err != nil {
		return fmt.Errorf("VAI_RTC_SIGNALING_BASE_URL must be a valid URL: %w", err)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("VAI_RTC_MODEL must not be empty")
	}
	if c.CredentialTimeout <= 0 {
		return fmt.Errorf("VAI_RTC_CREDENTIAL_TIMEOUT must be > 0")
	}
	if c.NegotiationTimeout <= 0 {
		return fmt.Errorf("VAI_RTC_NEGOTIATION_TIMEOUT must be > 0")
	}
	if c.ChannelOpenTimeout <= 0 {
		return fmt.Errorf("VAI_RTC_CHANNEL_OPEN_TIMEOUT must be > 0")
	}
	if c.ToolTimeout < 0 {
		return fmt.Errorf("VAI_RTC_TOOL_TIMEOUT must be >= 0")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("VAI_RTC_CURRENCY must be a three-letter ISO code")
	}
	seen := make(map[string]struct{}, len(c.Agents))
	for i, a := range c.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("agents[%d].name must not be empty", i)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("agent %q declared twice", a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}

// SessionConfig is the base session.update payload. Tools are filled in from
// the registry when the controller is built.
func (c Config) SessionConfig() protocol.SessionConfig {
	sc := protocol.SessionConfig{
		Instructions: c.Instructions,
		Modalities:   []string{"audio", "text"},
		Voice:        c.Voice,
		ToolChoice:   protocol.ToolChoiceAuto,
	}
	if strings.TrimSpace(c.Transcription) != "" {
		sc.InputAudioTranscription = &protocol.InputAudioTranscription{Model: c.Transcription}
	}
	return sc
}

type agentFile struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Instructions string `json:"instructions"`
}

// LoadAgents reads a JSON array of {name, description, instructions}.
func LoadAgents(path string) ([]transfer.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var raw []agentFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	agents := make([]transfer.Agent, 0, len(raw))
	for _, a := range raw {
		agents = append(agents, transfer.Agent{Name: strings.TrimSpace(a.Name), Description: a.Description, Instructions: a.Instructions})
	}
	return agents, nil
}
