// Package broker issues realtime voice session configs. It authenticates the
// caller, checks conversation ownership, resolves voice settings against the
// server defaults and mints a short-lived credential from an upstream
// provider. The provider's long-lived API key never leaves this process.
//
// Upstream minters sit in a [resilience.FallbackGroup]: each one has its own
// circuit breaker and the next is tried when one is unavailable.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/medivoice/internal/config"
	"github.com/MrWong99/medivoice/internal/observe"
	"github.com/MrWong99/medivoice/internal/resilience"
	"github.com/MrWong99/medivoice/internal/store"
	"github.com/MrWong99/medivoice/pkg/voice"
)

// MintRequest is what a [Minter] needs to create one upstream session.
// The minter fills in its own transcription model.
type MintRequest struct {
	VoiceConfig voice.VoiceConfig
}

// Grant is an upstream session with its single-use credential.
type Grant struct {
	// URL is the realtime stream endpoint.
	URL   string
	Model string

	SessionID string

	// Token is the ephemeral client secret.
	Token          string
	TokenExpiresAt int64

	// SessionExpiresAt is 0 when the provider does not report one.
	SessionExpiresAt int64

	// TranscriptionModel is the model the upstream transcribes user audio
	// with.
	TranscriptionModel string
}

// Minter creates ephemeral realtime sessions at one upstream. Errors that
// wrap [voice.ErrInvalidSettings] mean the upstream rejected the request
// itself; every other error is treated as upstream unavailability.
type Minter interface {
	Mint(ctx context.Context, req MintRequest) (Grant, error)
}

// NamedMinter labels a minter for logs, metrics and breaker state.
type NamedMinter struct {
	Name   string
	Minter Minter
}

// Options tunes a [Broker].
type Options struct {
	// Breaker is the template for every minter's circuit breaker.
	Breaker resilience.CircuitBreakerConfig

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Logger *slog.Logger

	// Now overrides time.Now. Intended for tests.
	Now func() time.Time
}

// Broker is safe for concurrent use.
type Broker struct {
	conversations store.ConversationStore
	minters       *resilience.FallbackGroup[Minter]
	defaults      atomic.Pointer[config.VoiceDefaults]
	metrics       *observe.Metrics
	log           *slog.Logger
	now           func() time.Time
}

// New creates a broker. At least one minter is required; the first is the
// primary.
func New(conversations store.ConversationStore, minters []NamedMinter, defaults config.VoiceDefaults, opts Options) (*Broker, error) {
	if conversations == nil {
		return nil, errors.New("broker: conversation store is required")
	}
	if len(minters) == 0 {
		return nil, errors.New("broker: at least one minter is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := &Broker{
		conversations: conversations,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		now:           opts.Now,
	}

	cb := opts.Breaker
	userHook := cb.OnStateChange
	cb.OnStateChange = func(name string, from, to resilience.State) {
		b.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	cb.IsFailure = upstreamFault
	if cb.Logger == nil {
		cb.Logger = opts.Logger
	}
	b.minters = resilience.NewFallbackGroup(b.instrument(minters[0]), minters[0].Name, resilience.FallbackConfig{
		CircuitBreaker: cb,
		Permanent:      voice.IsConfigurationError,
		Logger:         opts.Logger,
	})
	for _, m := range minters[1:] {
		b.minters.AddFallback(m.Name, b.instrument(m))
	}

	b.SetDefaults(defaults)
	return b, nil
}

// upstreamFault reports whether err says something about upstream health.
// Rejected settings and a caller that went away do not.
func upstreamFault(err error) bool {
	if err == nil || voice.IsConfigurationError(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// SetDefaults replaces the voice defaults. Used on config reload.
func (b *Broker) SetDefaults(d config.VoiceDefaults) {
	b.defaults.Store(&d)
}

// Defaults returns the current voice defaults.
func (b *Broker) Defaults() config.VoiceDefaults {
	return *b.defaults.Load()
}

// Available reports whether at least one minter's breaker admits calls.
func (b *Broker) Available() bool {
	return b.minters.Available()
}

// BreakerStates returns each minter's breaker state by name.
func (b *Broker) BreakerStates() map[string]resilience.State {
	return b.minters.States()
}

// CreateSession validates the request for userID and mints a session. An
// empty userID is an anonymous caller and is rejected before any upstream
// call.
func (b *Broker) CreateSession(ctx context.Context, userID string, req voice.SessionRequest) (voice.SessionConfig, error) {
	ctx, span := observe.StartSpan(ctx, "broker.CreateSession")
	defer span.End()
	start := b.now()

	cfg, provider, err := b.createSession(ctx, userID, req)
	outcome := outcomeOf(err)
	b.metrics.RecordBroker(ctx, b.now().Sub(start), outcome)
	span.SetAttributes(
		attribute.String("broker.outcome", outcome),
		attribute.String("broker.provider", provider),
	)
	log := observe.Logger(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		level := slog.LevelInfo
		if outcome == outcomeUnavailable || outcome == outcomeError {
			level = slog.LevelWarn
		}
		log.Log(ctx, level, "broker: session refused",
			"outcome", outcome,
			"user_id", userID,
			"conversation_id", req.ConversationID,
			"err", err,
		)
		return voice.SessionConfig{}, err
	}

	b.metrics.RecordSessionMinted(ctx, cfg.VoiceConfig.Voice)
	log.Info("broker: session minted",
		"provider", provider,
		"user_id", userID,
		"conversation_id", cfg.ConversationID,
		"session_id", cfg.SessionID,
		"voice", cfg.VoiceConfig.Voice,
	)
	return cfg, nil
}

func (b *Broker) createSession(ctx context.Context, userID string, req voice.SessionRequest) (voice.SessionConfig, string, error) {
	if userID == "" {
		return voice.SessionConfig{}, "", voice.ErrUnauthenticated
	}

	if req.ConversationID != "" {
		owned, err := store.OwnedBy(ctx, b.conversations, req.ConversationID, userID)
		if err != nil {
			return voice.SessionConfig{}, "", fmt.Errorf("broker: check conversation: %w", err)
		}
		if !owned {
			return voice.SessionConfig{}, "", fmt.Errorf("%w: %q", voice.ErrInvalidConversation, req.ConversationID)
		}
	}

	vc, err := Resolve(b.Defaults(), req)
	if err != nil {
		return voice.SessionConfig{}, "", err
	}

	grant, provider, err := resilience.ExecuteNamed(b.minters, func(m Minter) (Grant, error) {
		return m.Mint(ctx, MintRequest{VoiceConfig: vc})
	})
	if err != nil {
		if voice.IsConfigurationError(err) {
			return voice.SessionConfig{}, provider, err
		}
		return voice.SessionConfig{}, provider, fmt.Errorf("%w: %w", voice.ErrProviderUnavailable, err)
	}

	vc.InputAudioTranscription.Model = grant.TranscriptionModel
	return voice.SessionConfig{
		URL:            grant.URL,
		Model:          grant.Model,
		SessionID:      grant.SessionID,
		ExpiresAt:      grant.SessionExpiresAt,
		ConversationID: req.ConversationID,
		Auth: voice.Credential{
			Type:      voice.CredentialTypeEphemeral,
			Token:     grant.Token,
			ExpiresAt: grant.TokenExpiresAt,
		},
		VoiceConfig: vc,
	}, provider, nil
}

// instrumented counts every upstream attempt, including ones a fallback
// later recovers from.
type instrumented struct {
	name    string
	next    Minter
	metrics *observe.Metrics
}

func (b *Broker) instrument(m NamedMinter) Minter {
	return &instrumented{name: m.Name, next: m.Minter, metrics: b.metrics}
}

func (m *instrumented) Mint(ctx context.Context, req MintRequest) (Grant, error) {
	g, err := m.next.Mint(ctx, req)
	if err == nil {
		m.metrics.RecordProviderRequest(ctx, m.name, "ok")
		return g, nil
	}
	m.metrics.RecordProviderRequest(ctx, m.name, "error")
	kind := "transient"
	if voice.IsConfigurationError(err) {
		kind = "rejected"
	}
	m.metrics.RecordProviderError(ctx, m.name, kind)
	return g, err
}

// Resolve merges req over the defaults into a full streaming configuration.
// The voice must be in the catalogue and the language a BCP 47 tag; the
// sensitivity is clamped to [0, 100].
func Resolve(d config.VoiceDefaults, req voice.SessionRequest) (voice.VoiceConfig, error) {
	v := req.Voice
	if v == "" {
		v = d.Voice
	}
	if v == "" {
		v = voice.DefaultVoice
	}
	if !v.IsValid() {
		return voice.VoiceConfig{}, fmt.Errorf("%w: unknown voice %q", voice.ErrInvalidSettings, v)
	}

	lang := req.Language
	if lang == "" {
		lang = d.Language
	}
	if !voice.ValidLanguage(lang) {
		return voice.VoiceConfig{}, fmt.Errorf("%w: malformed language %q", voice.ErrInvalidSettings, lang)
	}

	sensitivity := d.Sensitivity()
	if req.VADSensitivity != nil {
		sensitivity = *req.VADSensitivity
	}
	sensitivity = voice.ClampSensitivity(sensitivity)

	modalities := make([]string, len(d.Modalities))
	copy(modalities, d.Modalities)

	return voice.VoiceConfig{
		Voice:                   v,
		Language:                lang,
		Modalities:              modalities,
		InputAudioFormat:        d.InputAudioFormat,
		OutputAudioFormat:       d.OutputAudioFormat,
		TurnDetection: voice.TurnDetection{
			Type:              d.TurnDetection.Type,
			Threshold:         voice.ThresholdFromSensitivity(sensitivity),
			PrefixPaddingMs:   d.TurnDetection.PrefixPaddingMs,
			SilenceDurationMs: d.TurnDetection.SilenceDurationMs,
		},
	}, nil
}

const (
	outcomeOK                  = "ok"
	outcomeUnauthenticated     = "unauthenticated"
	outcomeInvalidConversation = "invalid_conversation"
	outcomeInvalidSettings     = "invalid_settings"
	outcomeUnavailable         = "provider_unavailable"
	outcomeError               = "error"
)

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, voice.ErrUnauthenticated):
		return outcomeUnauthenticated
	case errors.Is(err, voice.ErrInvalidConversation):
		return outcomeInvalidConversation
	case errors.Is(err, voice.ErrInvalidSettings):
		return outcomeInvalidSettings
	case errors.Is(err, voice.ErrProviderUnavailable):
		return outcomeUnavailable
	default:
		return outcomeError
	}
}
