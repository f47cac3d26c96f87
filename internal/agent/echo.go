package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mtzanidakis/swarmd/internal/swarm"
)

// Echo is an offline runner that answers deterministically without calling
// a model. Models named "echo-fail" always fail permanently and
// "echo-unavailable" always fail transiently.
type Echo struct{}

func (Echo) Run(ctx context.Context, a swarm.AgentSpec, req swarm.Request) (swarm.Response, error) {
	if err := ctx.Err(); err != nil {
		return swarm.Response{}, classify(a.AgentName, err)
	}

	in := int64(countWords(swarm.SystemPrompt(a, req.Rules)) + countWords(req.Prompt()))
	switch strings.ToLower(a.ModelName) {
	case "echo-fail":
		return swarm.Response{InputTokens: in}, &swarm.InvocationError{
			Agent: a.AgentName, Kind: swarm.KindFailed, Err: errors.New("echo failure requested"),
		}
	case "echo-unavailable":
		return swarm.Response{}, &swarm.InvocationError{
			Agent: a.AgentName, Kind: swarm.KindModelUnavailable, Transient: true, Err: errors.New("echo model unavailable"),
		}
	}

	text := fmt.Sprintf("%s: %s", a.AgentName, firstLine(req.Task))
	if n := len(req.Messages); n > 0 {
		text += fmt.Sprintf(" (after %d messages, last from %s)", n, req.Messages[n-1].Agent)
	}
	out := int64(countWords(text))
	if limit := int64(maxTokens(a)); out > limit {
		out = limit
	}
	return swarm.Response{Text: text, InputTokens: in, OutputTokens: out}, nil
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
