package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicProvider implements Provider using the Anthropic native API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

func NewAnthropicProvider(apiKey, model string, maxTokens int, timeout time.Duration) *AnthropicProvider {
	if model == "" {
		model = defaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(anthropicoption.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: int64(maxTokens),
		timeout:   timeout,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Generate(ctx context.Context, turns []Turn) (Turn, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  p.buildMessages(turns),
		MaxTokens: p.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: SystemPrompt}},
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Turn{}, p.wrapErr(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	if sb.Len() == 0 {
		return Turn{}, &Error{Provider: p.Name(), Cause: CauseInvalidResponse, Err: errors.New("response contained no text blocks")}
	}

	return Turn{
		Role:      RoleAgent,
		Content:   sb.String(),
		Provider:  p.Name(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (p *AnthropicProvider) wrapErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &Error{Provider: p.Name(), Cause: causeFromStatus(apiErr.StatusCode), Err: err}
	}
	return &Error{Provider: p.Name(), Cause: causeFromErr(err), Err: err}
}

// buildMessages converts the neutral turns to Anthropic message params.
// Agent turns map to the assistant role.
func (p *AnthropicProvider) buildMessages(turns []Turn) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.Content)
		switch t.Role {
		case RoleUser:
			params = append(params, anthropic.NewUserMessage(block))
		case RoleAgent:
			params = append(params, anthropic.NewAssistantMessage(block))
		}
	}
	return params
}
