package agent

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mtzanidakis/swarmd/internal/swarm"
)

// OpenAI runs agents on the Chat Completions API. A base URL makes it
// usable with any compatible endpoint.
type OpenAI struct {
	client *openai.Client
}

func NewOpenAI(apiKey, baseURL string, opts ...option.RequestOption) *OpenAI {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(append(clientOpts, opts...)...)
	return &OpenAI{client: &client}
}

func (m *OpenAI) Run(ctx context.Context, a swarm.AgentSpec, req swarm.Request) (swarm.Response, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if system := swarm.SystemPrompt(a, req.Rules); system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(req.Prompt()))

	params := openai.ChatCompletionNewParams{
		Model:               a.ModelName,
		Messages:            messages,
		Temperature:         openai.Float(a.Temp()),
		MaxCompletionTokens: openai.Int(int64(maxTokens(a))),
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return swarm.Response{}, classify(a.AgentName, err)
	}

	out := swarm.Response{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return out, &swarm.InvocationError{Agent: a.AgentName, Kind: swarm.KindFailed, Err: errors.New("no choices returned")}
	}
	out.Text = resp.Choices[0].Message.Content
	return out, nil
}
