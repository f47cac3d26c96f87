package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mtzanidakis/swarmd/internal/swarm"
)

// Anthropic runs agents on the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
}

func NewAnthropic(apiKey string, opts ...option.RequestOption) *Anthropic {
	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	client := anthropic.NewClient(clientOpts...)
	return &Anthropic{client: &client}
}

func (m *Anthropic) Run(ctx context.Context, a swarm.AgentSpec, req swarm.Request) (swarm.Response, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.ModelName),
		MaxTokens:   int64(maxTokens(a)),
		Temperature: anthropic.Float(a.Temp()),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt())),
		},
	}
	if system := swarm.SystemPrompt(a, req.Rules); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return swarm.Response{}, classify(a.AgentName, err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	out := swarm.Response{
		Text:         sb.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	if out.Text == "" {
		return out, &swarm.InvocationError{Agent: a.AgentName, Kind: swarm.KindFailed, Err: errors.New("empty response")}
	}
	return out, nil
}

func maxTokens(a swarm.AgentSpec) int {
	if a.MaxTokens <= 0 {
		return swarm.DefaultMaxTokens
	}
	return a.MaxTokens
}
