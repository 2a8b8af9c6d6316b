package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/mnemo/pkg/llm"
	"github.com/harun/mnemo/pkg/llm/llmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, providers map[string]llm.Provider, profiles ...llm.AuthProfile) *llm.Client {
	t.Helper()
	client, err := llm.NewClient(llm.ClientConfig{
		Profiles:  profiles,
		Factory:   &llmtest.Factory{Providers: providers},
		BaseDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestNewClientRequiresProfiles(t *testing.T) {
	_, err := llm.NewClient(llm.ClientConfig{})
	assert.ErrorIs(t, err, llm.ErrNoProviders)
}

func TestClientCall(t *testing.T) {
	t.Run("uses highest priority profile", func(t *testing.T) {
		primary := llmtest.New().Reply("from primary")
		secondary := llmtest.New().Reply("from secondary")

		client := newTestClient(t,
			map[string]llm.Provider{"a": primary, "b": secondary},
			llm.AuthProfile{ID: "b", Provider: "openai", Priority: 2},
			llm.AuthProfile{ID: "a", Provider: "openai", Priority: 1},
		)

		resp, err := client.Call(context.Background(), llm.Request{Model: "gpt-4o"})
		require.NoError(t, err)
		assert.Equal(t, "from primary", resp.Content)
		assert.Len(t, secondary.Requests(), 0)
	})

	t.Run("retries retryable errors with backoff", func(t *testing.T) {
		p := llmtest.New().Fail(errors.New("503 service unavailable")).Reply("ok")
		client := newTestClient(t, map[string]llm.Provider{"a": p}, llm.AuthProfile{ID: "a", Provider: "openai"})

		resp, err := client.Call(context.Background(), llm.Request{Model: "gpt-4o"})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Content)
		assert.Len(t, p.Requests(), 2)
	})

	t.Run("fails over after retries are exhausted", func(t *testing.T) {
		primary := llmtest.New().
			Fail(errors.New("429 rate limit")).
			Fail(errors.New("429 rate limit")).
			Fail(errors.New("429 rate limit"))
		secondary := llmtest.New().Reply("fallback")

		client := newTestClient(t,
			map[string]llm.Provider{"a": primary, "b": secondary},
			llm.AuthProfile{ID: "a", Provider: "openai", Priority: 1},
			llm.AuthProfile{ID: "b", Provider: "openai", Priority: 2},
		)

		resp, err := client.Call(context.Background(), llm.Request{Model: "gpt-4o"})
		require.NoError(t, err)
		assert.Equal(t, "fallback", resp.Content)

		profiles := client.Profiles()
		var failed llm.AuthProfile
		for _, p := range profiles {
			if p.ID == "a" {
				failed = p
			}
		}
		assert.Equal(t, 1, failed.FailureCount)
		require.NotNil(t, failed.CooldownUntil)
		assert.Greater(t, *failed.CooldownUntil, time.Now().Add(50*time.Second).UnixMilli())
	})

	t.Run("permanent errors fail fast", func(t *testing.T) {
		primary := llmtest.New().Fail(errors.New("401 invalid api key"))
		secondary := llmtest.New().Reply("never")

		client := newTestClient(t,
			map[string]llm.Provider{"a": primary, "b": secondary},
			llm.AuthProfile{ID: "a", Provider: "openai", Priority: 1},
			llm.AuthProfile{ID: "b", Provider: "openai", Priority: 2},
		)

		_, err := client.Call(context.Background(), llm.Request{Model: "gpt-4o"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "401")
		assert.Len(t, primary.Requests(), 1)
		assert.Len(t, secondary.Requests(), 0)
	})

	t.Run("skips profiles in cooldown", func(t *testing.T) {
		future := time.Now().Add(time.Hour).UnixMilli()
		cooling := llmtest.New().Reply("cooling")
		healthy := llmtest.New().Reply("healthy")

		client := newTestClient(t,
			map[string]llm.Provider{"a": cooling, "b": healthy},
			llm.AuthProfile{ID: "a", Provider: "openai", Priority: 1, CooldownUntil: &future},
			llm.AuthProfile{ID: "b", Provider: "openai", Priority: 2},
		)

		resp, err := client.Call(context.Background(), llm.Request{Model: "gpt-4o"})
		require.NoError(t, err)
		assert.Equal(t, "healthy", resp.Content)
	})

	t.Run("routes by model family", func(t *testing.T) {
		openai := llmtest.New().Reply("openai")
		anthropic := llmtest.New().Reply("anthropic")

		client := newTestClient(t,
			map[string]llm.Provider{"o": openai, "c": anthropic},
			llm.AuthProfile{ID: "o", Provider: "openai", Priority: 1},
			llm.AuthProfile{ID: "c", Provider: "anthropic", Priority: 2},
		)

		resp, err := client.Call(context.Background(), llm.Request{Model: "claude-sonnet-4-20250514"})
		require.NoError(t, err)
		assert.Equal(t, "anthropic", resp.Content)

		assert.False(t, client.HasProviderFor("gemini-2.0-flash"))
		_, err = client.Call(context.Background(), llm.Request{Model: "gemini-2.0-flash"})
		assert.ErrorIs(t, err, llm.ErrNoProviders)
	})

	t.Run("honours cancellation during backoff", func(t *testing.T) {
		p := llmtest.New().Fail(errors.New("500 internal")).Reply("late")
		client, err := llm.NewClient(llm.ClientConfig{
			Profiles:  []llm.AuthProfile{{ID: "a", Provider: "openai"}},
			Factory:   &llmtest.Factory{Providers: map[string]llm.Provider{"a": p}},
			BaseDelay: time.Hour,
		})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err = client.Call(ctx, llm.Request{Model: "gpt-4o"})
		assert.Error(t, err)
	})
	t.Run("cancelled calls do not cool the profile down", func(t *testing.T) {
		p := llmtest.New().Reply("after abort")
		client := newTestClient(t, map[string]llm.Provider{"a": p}, llm.AuthProfile{ID: "a", Provider: "openai"})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := client.Call(ctx, llm.Request{Model: "gpt-4o"})
		require.ErrorIs(t, err, context.Canceled)

		resp, err := client.Call(context.Background(), llm.Request{Model: "gpt-4o"})
		require.NoError(t, err)
		assert.Equal(t, "after abort", resp.Content)
		assert.Equal(t, 0, client.Profiles()[0].FailureCount)
	})

	t.Run("permanent errors do not cool the profile down", func(t *testing.T) {
		p := llmtest.New().Fail(errors.New("400 invalid request")).Reply("fixed")
		client := newTestClient(t, map[string]llm.Provider{"a": p}, llm.AuthProfile{ID: "a", Provider: "openai"})

		_, err := client.Call(context.Background(), llm.Request{Model: "gpt-4o"})
		require.Error(t, err)
		assert.Nil(t, client.Profiles()[0].CooldownUntil)

		resp, err := client.Call(context.Background(), llm.Request{Model: "gpt-4o"})
		require.NoError(t, err)
		assert.Equal(t, "fixed", resp.Content)
	})
}
