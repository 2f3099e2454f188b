package main

import (
	"log/slog"
	"net/http"
	"strings"

	rtcconfig "github.com/vango-go/vai-rtc/pkg/rtc/config"
	"github.com/vango-go/vai-rtc/pkg/rtc/credential"
	"github.com/vango-go/vai-rtc/pkg/rtc/media"
	"github.com/vango-go/vai-rtc/pkg/rtc/metrics"
	"github.com/vango-go/vai-rtc/pkg/rtc/peer"
	"github.com/vango-go/vai-rtc/pkg/rtc/session"
	"github.com/vango-go/vai-rtc/pkg/rtc/tools"
	"github.com/vango-go/vai-rtc/pkg/rtc/tools/paymentlink"
)

type mediaOptions struct {
	MicFile    string
	LoopMic    bool
	RecordPath string
}

type controllerFactory func(rtcconfig.Config, mediaOptions, *slog.Logger, *metrics.Metrics) (*session.Controller, error)

func buildController(cfg rtcconfig.Config, opts mediaOptions, logger *slog.Logger, m *metrics.Metrics) (*session.Controller, error) {
	httpClient := &http.Client{}

	var mic media.Microphone = media.SilenceMicrophone{}
	if path := strings.TrimSpace(opts.MicFile); path != "" {
		mic = media.OggFileMicrophone{Path: path, Loop: opts.LoopMic}
	}
	acquirer := &media.Acquirer{Microphone: mic}
	if path := strings.TrimSpace(opts.RecordPath); path != "" {
		acquirer.NewSink = func() (media.PlaybackSink, error) {
			return media.NewOggRecorderSink(path), nil
		}
	}

	registry := tools.NewRegistry(logger, cfg.ToolTimeout)
	registry.Add(paymentlink.New(cfg.StripeKey, cfg.Currency))
	if cfg.StripeKey == "" {
		logger.Warn("VAI_RTC_STRIPE_KEY not set; payment links will fail")
	}

	return session.New(session.Dependencies{
		Credentials: &credential.Fetcher{
			URL:        cfg.CredentialURL,
			Method:     cfg.CredentialMethod,
			HTTPClient: httpClient,
		},
		Media: acquirer,
		Negotiator: &peer.Negotiator{
			NewConnection: peer.NewPionFactory(cfg.ICEServers),
			Signaler: &peer.HTTPSignaler{
				BaseURL:    cfg.SignalingBaseURL,
				Model:      cfg.Model,
				HTTPClient: httpClient,
			},
			Timeout: cfg.NegotiationTimeout,
			Logger:  logger,
		},
		Tools:   registry,
		Metrics: m,
		Logger:  logger,
		Config: session.Config{
			Session:            cfg.SessionConfig(),
			Agents:             cfg.Agents,
			RelayToolResults:   cfg.RelayToolResults,
			CredentialTimeout:  cfg.CredentialTimeout,
			ChannelOpenTimeout: cfg.ChannelOpenTimeout,
		},
	})
}
