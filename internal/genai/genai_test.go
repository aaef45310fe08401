package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp openai.ChatCompletion
	err  error
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	return m.resp, m.err
}

func chatResponse(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGeneratePrompt_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: chatResponse("Hello World")}, model: openai.ChatModelGPT4oMini}
	out, err := client.GeneratePrompt("system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestGeneratePrompt_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GeneratePrompt("sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGeneratePrompt_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}}
	_, err := client.GeneratePrompt("sys", "usr")
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestClassifyMessage_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: chatResponse(`{"action":"use_rules","intent":"order","confidence":0.9}`)}}
	out, err := client.ClassifyMessage(context.Background(), "t1", "919876543210", "need 10 ctns of 10x140")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.Action != "use_rules" || out.Intent != "order" {
		t.Errorf("unexpected classification: %+v", out)
	}
}

func TestClassifyMessage_FencedJSON(t *testing.T) {
	fenced := "```json\n{\"action\":\"respond\",\"response\":\"Namaste! How can I help?\"}\n```"
	client := &Client{chat: &mockChatService{resp: chatResponse(fenced)}}
	out, err := client.ClassifyMessage(context.Background(), "t1", "919876543210", "hello")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.Action != "respond" || out.Response == "" {
		t.Errorf("unexpected classification: %+v", out)
	}
}

func TestClassifyMessage_ServiceErrorWrapped(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("timeout")}}
	_, err := client.ClassifyMessage(context.Background(), "t1", "919876543210", "hi")
	if !errors.Is(err, ErrClassifierUnavailable) {
		t.Errorf("expected ErrClassifierUnavailable, got %v", err)
	}
}

func TestClassifyMessage_UnparseableOutput(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: chatResponse("sure, I can help with that!")}}
	_, err := client.ClassifyMessage(context.Background(), "t1", "919876543210", "hi")
	if !errors.Is(err, ErrClassifierUnavailable) {
		t.Errorf("expected ErrClassifierUnavailable, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Error("expected client instance, got nil")
	}
}
