package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	cooldownUnit      = 60 * time.Second
)

// ClientConfig holds client configuration
type ClientConfig struct {
	Profiles []AuthProfile
	Factory  ProviderCreator
	Logger   *zerolog.Logger
	// MaxRetries is the number of attempts per profile for retryable errors.
	MaxRetries int
	// BaseDelay is the first backoff delay; it doubles on every retry.
	BaseDelay time.Duration
}

// Client calls models across a priority-ordered list of auth profiles.
// It implements Provider, so it can be used wherever a single provider is.
type Client struct {
	factory    ProviderCreator
	logger     zerolog.Logger
	maxRetries int
	baseDelay  time.Duration

	mu        sync.RWMutex
	profiles  []AuthProfile
	providers map[string]Provider
}

// NewClient creates a new failover client
func NewClient(cfg ClientConfig) (*Client, error) {
	observability.EnsureRegistered()

	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required: %w", ErrNoProviders)
	}

	factory := cfg.Factory
	if factory == nil {
		factory = &ProviderFactory{}
	}

	logger := log.Logger.With().Str("component", "llm").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}

	profiles := make([]AuthProfile, len(cfg.Profiles))
	copy(profiles, cfg.Profiles)

	return &Client{
		factory:    factory,
		logger:     logger,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		profiles:   profiles,
		providers:  make(map[string]Provider),
	}, nil
}

// Provider returns the provider name
func (c *Client) Provider() string {
	return "failover"
}

// Profiles returns a copy of the current profiles including cooldown state.
func (c *Client) Profiles() []AuthProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AuthProfile, len(c.profiles))
	copy(out, c.profiles)
	return out
}

// HasProviderFor reports whether some profile can serve model.
func (c *Client) HasProviderFor(model string) bool {
	return len(c.candidates(model)) > 0
}

// Call sends the request to the first healthy profile that can serve the
// model, failing over to the next one on retryable errors.
func (c *Client) Call(ctx context.Context, request Request) (*Response, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.llm",
		"llm.call",
		attribute.String("model", request.Model),
		attribute.Int("messages", len(request.Messages)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	profiles := c.candidates(request.Model)
	if len(profiles) == 0 {
		return nil, tracing.Fail(span, fmt.Errorf("%w for model %q", ErrNoProviders, request.Model))
	}

	var lastErr error
	for _, profile := range profiles {
		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		provider, err := c.provider(profile)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		start := time.Now()
		response, err := c.callWithRetry(ctx, provider, request, logger)
		if err == nil {
			c.markSuccess(profile.ID)
			observability.RecordLLMCall(profile.Provider, time.Since(start), true)
			if response.Provider == "" {
				response.Provider = provider.Provider()
			}
			span.SetAttributes(attribute.String("provider", response.Provider))
			return response, nil
		}

		lastErr = err
		observability.RecordLLMCall(profile.Provider, time.Since(start), false)

		// the caller gave up; the profile is not at fault
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, tracing.Fail(span, ctxErr)
		}
		if !IsRetryableError(err) {
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Permanent error from auth profile")
			return nil, tracing.Fail(span, err)
		}

		logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Auth profile failed")
		c.markFailure(profile.ID)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: all profiles are cooling down", ErrNoProviders)
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, tracing.Fail(span, fmt.Errorf("all auth profiles failed: %w", lastErr))
}

func (c *Client) callWithRetry(ctx context.Context, provider Provider, request Request, logger zerolog.Logger) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == c.maxRetries-1 {
			break
		}

		// 1s, 2s, 4s
		delay := c.baseDelay * time.Duration(1<<attempt)
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Str("provider", provider.Provider()).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

// candidates returns profiles that can serve model, sorted by priority
// (lower value first).
func (c *Client) candidates(model string) []AuthProfile {
	want := ProviderForModel(model)

	c.mu.RLock()
	out := make([]AuthProfile, 0, len(c.profiles))
	for _, p := range c.profiles {
		if want == "" || p.Provider == want {
			out = append(out, p)
		}
	}
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

func (c *Client) provider(profile AuthProfile) (Provider, error) {
	c.mu.RLock()
	p, ok := c.providers[profile.ID]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.factory.NewProvider(profile)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.providers[profile.ID] = p
	c.mu.Unlock()
	return p, nil
}

func (c *Client) markSuccess(profileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.profiles {
		if c.profiles[i].ID == profileID {
			c.profiles[i].FailureCount = 0
			c.profiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(c.profiles[i].Provider, false)
			return
		}
	}
}

func (c *Client) markFailure(profileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.profiles {
		if c.profiles[i].ID == profileID {
			c.profiles[i].FailureCount++
			until := time.Now().Add(cooldownUnit * time.Duration(c.profiles[i].FailureCount)).UnixMilli()
			c.profiles[i].CooldownUntil = &until
			observability.SetProviderCooldown(c.profiles[i].Provider, true)
			return
		}
	}
}
