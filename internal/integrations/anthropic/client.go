package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"nexus-assistant/internal/domain"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024
	judgeMaxTokens   = 512
	judgeSystem      = "Respond with a single JSON object and nothing else."
)

// TokenSource supplies the API key.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// messagesAPI is the part of the SDK's MessageService the client uses.
type messagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client generates replies and memory judgments with the Messages API.
type Client struct {
	messages   messagesAPI
	tokens     TokenSource
	replyModel string
	judgeModel string
	maxTokens  int64
}

type Option func(*config)

type config struct {
	requestOpts []option.RequestOption
	replyModel  string
	judgeModel  string
	maxTokens   int64
}

// WithRequestOptions passes SDK options (base URL, HTTP client, retries) to
// the underlying client.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(c *config) { c.requestOpts = append(c.requestOpts, opts...) }
}

// WithModels overrides the reply and judgment models. Blank values keep the
// default.
func WithModels(reply, judge string) Option {
	return func(c *config) {
		if reply = strings.TrimSpace(reply); reply != "" {
			c.replyModel = reply
		}
		if judge = strings.TrimSpace(judge); judge != "" {
			c.judgeModel = judge
		}
	}
}

// WithMaxTokens caps reply length.
func WithMaxTokens(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// NewClient creates a Client. The key from tokens is attached per request so
// it can be loaded lazily.
func NewClient(tokens TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("anthropic: token source must not be nil")
	}
	cfg := config{replyModel: defaultModel, judgeModel: defaultModel, maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	sc := sdk.NewClient(cfg.requestOpts...)
	return &Client{
		messages:   &sc.Messages,
		tokens:     tokens,
		replyModel: cfg.replyModel,
		judgeModel: cfg.judgeModel,
		maxTokens:  cfg.maxTokens,
	}, nil
}

// GenerateReply sends the assembled prompt as one user message.
func (c *Client) GenerateReply(ctx context.Context, prompt string) (string, error) {
	out, err := c.send(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.replyModel),
		MaxTokens: c.maxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	})
	if err != nil {
		return "", &domain.GenerationError{Op: "anthropic reply", Err: err}
	}
	return out, nil
}

// JudgeMemory asks for a memory decision. The contract is carried by the
// prompt; the system prompt pins the output to bare JSON.
func (c *Client) JudgeMemory(ctx context.Context, prompt string) (string, error) {
	out, err := c.send(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.judgeModel),
		MaxTokens: judgeMaxTokens,
		System:    []sdk.TextBlockParam{{Text: judgeSystem}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	})
	if err != nil {
		return "", &domain.GenerationError{Op: "anthropic judge", Err: err}
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, params sdk.MessageNewParams) (string, error) {
	key, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("anthropic: resolve api key: %w", err)
	}
	msg, err := c.messages.New(ctx, params, option.WithAPIKey(key))
	if err != nil {
		return "", fmt.Errorf("anthropic: messages: %w", err)
	}
	return textOf(msg), nil
}

// textOf concatenates the text blocks of msg.
func textOf(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(sdk.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return b.String()
}

// StatusCode returns the HTTP status of an API error in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
