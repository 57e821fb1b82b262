package provider

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements Provider for the OpenAI chat completions API and
// any OpenAI-compatible endpoint reachable through a base URL override.
type OpenAIProvider struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAIProvider(apiKey, baseURL, model string, timeout time.Duration) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Generate(ctx context.Context, turns []Turn) (Turn, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	msgs = append(msgs, openai.SystemMessage(SystemPrompt))
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			msgs = append(msgs, openai.UserMessage(t.Content))
		case RoleAgent:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: msgs,
	})
	if err != nil {
		return Turn{}, p.wrapErr(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Turn{}, &Error{Provider: p.Name(), Cause: CauseInvalidResponse, Err: errors.New("response contained no choices")}
	}

	return Turn{
		Role:      RoleAgent,
		Content:   resp.Choices[0].Message.Content,
		Provider:  p.Name(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (p *OpenAIProvider) wrapErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &Error{Provider: p.Name(), Cause: causeFromStatus(apiErr.StatusCode), Err: err}
	}
	return &Error{Provider: p.Name(), Cause: causeFromErr(err), Err: err}
}
