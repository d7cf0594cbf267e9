// Package openai mints ephemeral realtime sessions through the OpenAI REST
// API (POST /v1/realtime/sessions). Any OpenAI-compatible upstream works by
// setting the provider's base_url and stream_url.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/medivoice/internal/broker"
	"github.com/MrWong99/medivoice/internal/config"
	"github.com/MrWong99/medivoice/pkg/voice"
)

var _ broker.Minter = (*Minter)(nil)

// ErrIncompleteSession is returned when the upstream answered 2xx without a
// session id or client secret.
var ErrIncompleteSession = errors.New("openai minter: incomplete session response")

// Minter is safe for concurrent use.
type Minter struct {
	client             oai.Client
	entry              config.ProviderEntry
	model              string
	streamURL          string
	transcriptionModel string
}

// Option configures a [Minter].
type Option func(*[]option.RequestOption)

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithHTTPClient(c))
	}
}

// New builds a minter for entry. APIKey is required.
func New(entry config.ProviderEntry, opts ...Option) (*Minter, error) {
	if entry.APIKey == "" {
		return nil, errors.New("openai minter: api key is required")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(entry.APIKey),
		// The broker's fallback group decides where to retry.
		option.WithMaxRetries(0),
	}
	if entry.BaseURL != "" {
		base := entry.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	if entry.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(entry.Timeout))
	}
	for _, o := range opts {
		o(&reqOpts)
	}

	streamURL := entry.StreamURL
	if streamURL == "" {
		streamURL = config.DefaultStreamURL
	}
	return &Minter{
		client:             oai.NewClient(reqOpts...),
		entry:              entry,
		model:              entry.Model,
		streamURL:          streamURL,
		transcriptionModel: entry.TranscriptionModel,
	}, nil
}

// Factory adapts [New] to [config.Registry].
func Factory(entry config.ProviderEntry) (broker.Minter, error) {
	return New(entry)
}

type transcription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type sessionRequest struct {
	Model                   string         `json:"model"`
	Voice                   string         `json:"voice"`
	Modalities              []string       `json:"modalities,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection `json:"turn_detection,omitempty"`
}

type sessionResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	ExpiresAt    int64  `json:"expires_at"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Mint implements [broker.Minter].
func (m *Minter) Mint(ctx context.Context, req broker.MintRequest) (broker.Grant, error) {
	vc := req.VoiceConfig
	body := sessionRequest{
		Model:             m.model,
		Voice:             string(vc.Voice),
		Modalities:        vc.Modalities,
		InputAudioFormat:  vc.InputAudioFormat,
		OutputAudioFormat: vc.OutputAudioFormat,
	}
	if m.transcriptionModel != "" {
		body.InputAudioTranscription = &transcription{Model: m.transcriptionModel, Language: vc.Language}
	}
	if td := vc.TurnDetection; td.Type != "" {
		body.TurnDetection = &turnDetection{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
		}
	}

	var res sessionResponse
	if err := m.client.Post(ctx, "realtime/sessions", body, &res); err != nil {
		return broker.Grant{}, m.classify(err)
	}
	if res.ID == "" || res.ClientSecret.Value == "" {
		return broker.Grant{}, ErrIncompleteSession
	}

	model := res.Model
	if model == "" {
		model = m.model
	}
	return broker.Grant{
		URL:                m.streamURL,
		Model:              model,
		SessionID:          res.ID,
		Token:              res.ClientSecret.Value,
		TokenExpiresAt:     res.ClientSecret.ExpiresAt,
		SessionExpiresAt:   res.ExpiresAt,
		TranscriptionModel: m.transcriptionModel,
	}, nil
}

// classify marks upstream rejections of the request body as invalid
// settings. Authentication failures against the upstream are our
// misconfiguration, not the caller's, so they stay transient.
func (m *Minter) classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %s rejected session: %w", voice.ErrInvalidSettings, m.entry.DisplayName(), err)
		}
		return fmt.Errorf("openai minter: %s: status %d: %w", m.entry.DisplayName(), apiErr.StatusCode, err)
	}
	return fmt.Errorf("openai minter: %s: %w", m.entry.DisplayName(), err)
}
