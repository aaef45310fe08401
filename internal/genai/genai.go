// Package genai provides AI-backed message classification using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/ShopFlow/internal/models"
)

// ErrNoChoicesReturned indicates the API returned an empty choice list.
var ErrNoChoicesReturned = errors.New("no choices returned")

// ErrClassifierUnavailable wraps any failure (transport, timeout, unparseable
// output) that should make the dispatcher fall back to the rule handlers.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// classifyTimeout bounds a single classification round trip. The customer is
// waiting on WhatsApp; past this we fall back to rules.
const classifyTimeout = 15 * time.Second

const classifySystemPrompt = `You classify one WhatsApp message sent to a wholesale storefront bot.
Reply with a single JSON object and nothing else:
{"action":"use_rules"|"respond","intent":"<label>","confidence":<0..1>,"response":"<reply text when action is respond>"}
Use "use_rules" when the message is an order, cart operation, price or discount matter.
Use "respond" only for general conversation the rule handlers cannot serve.`

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChat adapts the OpenAI SDK client to chatService.
type openaiChat struct {
	client openai.Client
}

func (a openaiChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding the environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the default chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service for message classification.
type Client struct {
	chat  chatService
	model string
}

// NewClient initializes a new GenAI client. The API key comes from options or
// the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}

	slog.Debug("genai.NewClient: creating client", "APIKey_set", apiKey != "", "model", model)
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{chat: openaiChat{client: cli}, model: model}, nil
}

// GeneratePrompt generates a response for the provided system and user prompts.
func (c *Client) GeneratePrompt(systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	}
	resp, err := c.chat.Create(context.Background(), params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// ClassifyMessage asks the model to classify one inbound message. Any failure
// is wrapped in ErrClassifierUnavailable so the caller falls back to the rule
// handlers instead of surfacing an error to the customer.
func (c *Client) ClassifyMessage(ctx context.Context, tenantID, phone, text string) (models.AIClassification, error) {
	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(classifySystemPrompt),
			openai.UserMessage(text),
		},
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("genai.ClassifyMessage request failed", "error", err, "tenantID", tenantID)
		return models.AIClassification{}, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return models.AIClassification{}, fmt.Errorf("%w: %v", ErrClassifierUnavailable, ErrNoChoicesReturned)
	}

	content := stripCodeFence(resp.Choices[0].Message.Content)
	var out models.AIClassification
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		slog.Warn("genai.ClassifyMessage unparseable output", "error", err, "tenantID", tenantID)
		return models.AIClassification{}, fmt.Errorf("%w: unparseable output: %v", ErrClassifierUnavailable, err)
	}
	slog.Debug("genai.ClassifyMessage classified", "tenantID", tenantID, "action", out.Action, "intent", out.Intent, "confidence", out.Confidence)
	return out, nil
}

// stripCodeFence removes markdown code fences some models wrap around JSON.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
