// Package agent provides the model runners that execute single agent
// invocations for the swarm engine.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mtzanidakis/swarmd/internal/config"
	"github.com/mtzanidakis/swarmd/internal/swarm"
)

type route struct {
	prefix string
	runner swarm.Runner
}

// Registry dispatches an agent to a runner by the prefix of its model name.
// A prefix ending in "/" names a provider and is stripped before the call.
type Registry struct {
	mu     sync.RWMutex
	routes []route
}

var _ swarm.Runner = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{}
}

// NewFromConfig registers the echo runner plus every provider that has an
// API key configured.
func NewFromConfig(cfg config.AgentsConfig) *Registry {
	r := NewRegistry()
	r.Register("echo", Echo{})

	if cfg.AnthropicAPIKey != "" {
		a := NewAnthropic(cfg.AnthropicAPIKey)
		r.Register("anthropic/", a)
		r.Register("claude", a)
	} else {
		slog.Info("anthropic api key not set, claude models disabled")
	}

	if cfg.OpenAIAPIKey != "" {
		o := NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		r.Register("openai/", o)
		for _, p := range []string{"gpt", "o1", "o3", "o4"} {
			r.Register(p, o)
		}
	} else {
		slog.Info("openai api key not set, gpt models disabled")
	}
	return r
}

// Register routes models starting with prefix to runner. Longer prefixes
// take precedence.
func (r *Registry) Register(prefix string, runner swarm.Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{prefix: strings.ToLower(prefix), runner: runner})
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
}

// Resolve returns the runner for model and the model name to send it.
func (r *Registry) Resolve(model string) (swarm.Runner, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := strings.ToLower(model)
	for _, rt := range r.routes {
		if !strings.HasPrefix(m, rt.prefix) {
			continue
		}
		if strings.HasSuffix(rt.prefix, "/") {
			return rt.runner, model[len(rt.prefix):], true
		}
		return rt.runner, model, true
	}
	return nil, "", false
}

// Prefixes lists the registered model prefixes.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.prefix
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Run(ctx context.Context, a swarm.AgentSpec, req swarm.Request) (swarm.Response, error) {
	runner, model, ok := r.Resolve(a.ModelName)
	if !ok {
		return swarm.Response{}, &swarm.InvocationError{
			Agent: a.AgentName,
			Kind:  swarm.KindInvalidConfig,
			Err:   fmt.Errorf("no runner for model %q", a.ModelName),
		}
	}
	a.ModelName = model
	return runner.Run(ctx, a, req)
}
