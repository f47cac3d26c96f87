package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/swarmd/internal/config"
	"github.com/mtzanidakis/swarmd/internal/swarm"
)

func echoAgent(name string) swarm.AgentSpec {
	return swarm.AgentSpec{AgentName: name, ModelName: "echo"}
}

func TestRegistryDispatchesByPrefix(t *testing.T) {
	var got []string
	record := func(tag string) swarm.Runner {
		return swarm.RunnerFunc(func(_ context.Context, a swarm.AgentSpec, _ swarm.Request) (swarm.Response, error) {
			got = append(got, tag+":"+a.ModelName)
			return swarm.Response{Text: tag}, nil
		})
	}

	r := NewRegistry()
	r.Register("claude", record("anthropic"))
	r.Register("anthropic/", record("anthropic"))
	r.Register("gpt", record("openai"))
	r.Register("gpt-4o-mini", record("mini"))

	ctx := context.Background()
	for _, model := range []string{"claude-sonnet-4", "anthropic/claude-opus-4", "GPT-4o", "gpt-4o-mini-2024"} {
		_, err := r.Run(ctx, swarm.AgentSpec{AgentName: "a", ModelName: model}, swarm.Request{Task: "t"})
		require.NoError(t, err, model)
	}
	assert.Equal(t, []string{
		"anthropic:claude-sonnet-4",
		"anthropic:claude-opus-4",
		"openai:GPT-4o",
		"mini:gpt-4o-mini-2024",
	}, got)
}

func TestRegistryUnknownModel(t *testing.T) {
	r := NewRegistry()
	_, err := r.Run(context.Background(), swarm.AgentSpec{AgentName: "a", ModelName: "llama"}, swarm.Request{})

	ie, ok := swarm.AsInvocationError(err)
	require.True(t, ok)
	assert.Equal(t, swarm.KindInvalidConfig, ie.Kind)
	assert.False(t, ie.Transient)
}

func TestNewFromConfigRegistersConfiguredProviders(t *testing.T) {
	r := NewFromConfig(config.AgentsConfig{})
	assert.Equal(t, []string{"echo"}, r.Prefixes())

	r = NewFromConfig(config.AgentsConfig{AnthropicAPIKey: "k", OpenAIAPIKey: "k"})
	assert.ElementsMatch(t, []string{"echo", "anthropic/", "claude", "openai/", "gpt", "o1", "o3", "o4"}, r.Prefixes())
}

func TestEchoIsDeterministic(t *testing.T) {
	req := swarm.Request{Task: "Summarize\nthe rest", Messages: []swarm.Message{{Agent: "a", Content: "x"}}}
	first, err := Echo{}.Run(context.Background(), echoAgent("b"), req)
	require.NoError(t, err)
	second, err := Echo{}.Run(context.Background(), echoAgent("b"), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "b: Summarize (after 1 messages, last from a)", first.Text)
	assert.Positive(t, first.InputTokens)
	assert.Positive(t, first.OutputTokens)
}

func TestEchoFailureModels(t *testing.T) {
	_, err := Echo{}.Run(context.Background(), swarm.AgentSpec{AgentName: "a", ModelName: "echo-fail"}, swarm.Request{Task: "t"})
	ie, ok := swarm.AsInvocationError(err)
	require.True(t, ok)
	assert.False(t, ie.Transient)

	_, err = Echo{}.Run(context.Background(), swarm.AgentSpec{AgentName: "a", ModelName: "echo-unavailable"}, swarm.Request{Task: "t"})
	ie, ok = swarm.AsInvocationError(err)
	require.True(t, ok)
	assert.True(t, ie.Transient)
	assert.Equal(t, swarm.KindModelUnavailable, ie.Kind)
}

func retryConfig(attempts int, timeout time.Duration) config.AgentsConfig {
	return config.AgentsConfig{MaxAttempts: attempts, Timeout: timeout, RetryInterval: time.Millisecond}
}

func TestRetryingRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := swarm.RunnerFunc(func(_ context.Context, a swarm.AgentSpec, _ swarm.Request) (swarm.Response, error) {
		if calls.Add(1) < 3 {
			return swarm.Response{InputTokens: 4}, &swarm.InvocationError{Agent: a.AgentName, Kind: swarm.KindModelUnavailable, Transient: true, Err: errors.New("busy")}
		}
		return swarm.Response{Text: "done", InputTokens: 10, OutputTokens: 2}, nil
	})

	resp, err := NewRetrying(flaky, retryConfig(3, time.Second)).Run(context.Background(), echoAgent("a"), swarm.Request{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(18), resp.InputTokens)
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	down := swarm.RunnerFunc(func(_ context.Context, a swarm.AgentSpec, _ swarm.Request) (swarm.Response, error) {
		calls.Add(1)
		return swarm.Response{}, &swarm.InvocationError{Agent: a.AgentName, Kind: swarm.KindModelUnavailable, Transient: true, Err: errors.New("down")}
	})

	_, err := NewRetrying(down, retryConfig(3, time.Second)).Run(context.Background(), echoAgent("a"), swarm.Request{})
	ie, ok := swarm.AsInvocationError(err)
	require.True(t, ok)
	assert.Equal(t, swarm.KindModelUnavailable, ie.Kind)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryingDoesNotRetryPermanentFailures(t *testing.T) {
	var calls atomic.Int32
	broken := swarm.RunnerFunc(func(_ context.Context, a swarm.AgentSpec, _ swarm.Request) (swarm.Response, error) {
		calls.Add(1)
		return swarm.Response{}, &swarm.InvocationError{Agent: a.AgentName, Kind: swarm.KindInvalidConfig, Err: errors.New("bad model")}
	})

	_, err := NewRetrying(broken, retryConfig(5, time.Second)).Run(context.Background(), echoAgent("a"), swarm.Request{})
	ie, ok := swarm.AsInvocationError(err)
	require.True(t, ok)
	assert.Equal(t, swarm.KindInvalidConfig, ie.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryingBoundsEachAttempt(t *testing.T) {
	var calls atomic.Int32
	hang := swarm.RunnerFunc(func(ctx context.Context, _ swarm.AgentSpec, _ swarm.Request) (swarm.Response, error) {
		calls.Add(1)
		<-ctx.Done()
		return swarm.Response{}, ctx.Err()
	})

	start := time.Now()
	_, err := NewRetrying(hang, retryConfig(2, 20*time.Millisecond)).Run(context.Background(), echoAgent("a"), swarm.Request{})
	ie, ok := swarm.AsInvocationError(err)
	require.True(t, ok)
	assert.Equal(t, swarm.KindTimeout, ie.Kind)
	assert.Equal(t, int32(2), calls.Load())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRetryingStopsWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	r := swarm.RunnerFunc(func(context.Context, swarm.AgentSpec, swarm.Request) (swarm.Response, error) {
		calls.Add(1)
		cancel()
		return swarm.Response{}, context.Canceled
	})

	_, err := NewRetrying(r, retryConfig(5, time.Second)).Run(ctx, echoAgent("a"), swarm.Request{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnthropicRunner(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		body.Store(buf.String())
		w.Header().Set("Content-Type", "application/json")
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4",
			"content":[{"type":"text","text":"hello from claude"}],
			"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":3}}`))
	}))
	defer srv.Close()

	m := NewAnthropic("test-key", option.WithBaseURL(srv.URL))
	a := swarm.AgentSpec{AgentName: "writer", ModelName: "claude-sonnet-4", SystemPrompt: "Be terse."}

	resp, err := m.Run(context.Background(), a, swarm.Request{Task: "greet", Rules: "No emoji."})
	require.NoError(t, err)
	assert.Equal(t, "hello from claude", resp.Text)
	assert.Equal(t, int64(12), resp.InputTokens)
	assert.Equal(t, int64(3), resp.OutputTokens)

	sent := body.Load().(string)
	assert.Contains(t, sent, "Be terse.")
	assert.Contains(t, sent, "No emoji.")
	assert.Contains(t, sent, "## Swarm Task")

	status.Store(http.StatusTooManyRequests)
	_, err = m.Run(context.Background(), a, swarm.Request{Task: "greet"})
	ie, ok := swarm.AsInvocationError(err)
	require.True(t, ok)
	assert.True(t, ie.Transient)
	assert.Equal(t, swarm.KindModelUnavailable, ie.Kind)

	status.Store(http.StatusBadRequest)
	_, err = m.Run(context.Background(), a, swarm.Request{Task: "greet"})
	ie, ok = swarm.AsInvocationError(err)
	require.True(t, ok)
	assert.False(t, ie.Transient)
	assert.Equal(t, swarm.KindInvalidConfig, ie.Kind)
}

func TestOpenAIRunner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello from gpt"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`))
	}))
	defer srv.Close()

	m := NewOpenAI("test-key", srv.URL+"/v1/", openaiopt.WithHeader("X-Test", "1"))
	resp, err := m.Run(context.Background(), swarm.AgentSpec{AgentName: "a", ModelName: "gpt-4o"}, swarm.Request{Task: "greet"})
	require.NoError(t, err)
	assert.Equal(t, "hello from gpt", resp.Text)
	assert.Equal(t, int64(7), resp.InputTokens)
	assert.Equal(t, int64(2), resp.OutputTokens)
}
