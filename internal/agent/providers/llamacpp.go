package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jarvishq/jarvis/internal/agent"
	openai "github.com/sashabaranov/go-openai"
)

// LlamaCppConfig configures the local conversational provider. Endpoint is
// the llama.cpp server base URL including the /v1 suffix.
type LlamaCppConfig struct {
	Endpoint string
	Model    string
}

// LlamaCppProvider streams chat completions from a local llama.cpp server via
// its OpenAI-compatible API. It handles conversational traffic only; tool use
// is routed to the agentic provider.
type LlamaCppProvider struct {
	client *openai.Client
	model  string
}

// NewLlamaCpp builds the provider against a local endpoint.
func NewLlamaCpp(config LlamaCppConfig) (*LlamaCppProvider, error) {
	if config.Endpoint == "" {
		return nil, errors.New("llamacpp: endpoint is required")
	}
	if config.Model == "" {
		config.Model = "local"
	}
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = strings.TrimRight(config.Endpoint, "/")
	return &LlamaCppProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  config.Model,
	}, nil
}

func (p *LlamaCppProvider) Name() string { return "llamacpp" }

func (p *LlamaCppProvider) SupportsTools() bool { return false }

// Complete streams a chat completion. Tools in the request are ignored; the
// router never sends tool-requiring queries here.
func (p *LlamaCppProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: convertToChatMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("llamacpp: %w", err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		var inputTokens, outputTokens int
		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				chunks <- &agent.CompletionChunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			if err != nil {
				chunks <- &agent.CompletionChunk{Error: fmt.Errorf("llamacpp: %w", err)}
				return
			}
			if response.Usage != nil {
				inputTokens = response.Usage.PromptTokens
				outputTokens = response.Usage.CompletionTokens
			}
			if len(response.Choices) == 0 {
				continue
			}
			if delta := response.Choices[0].Delta.Content; delta != "" {
				chunks <- &agent.CompletionChunk{Text: delta}
			}
		}
	}()
	return chunks, nil
}

// convertToChatMessages flattens the internal format into OpenAI chat
// messages. Tool calls and results are rendered as plain text; the
// conversational model never receives live tool traffic, only history that
// happens to contain it.
func convertToChatMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		content := msg.Content
		if content == "" && (len(msg.ToolCalls) > 0 || len(msg.ToolResults) > 0) {
			var parts []string
			for _, tc := range msg.ToolCalls {
				parts = append(parts, fmt.Sprintf("[ran %s]", tc.Name))
			}
			for _, tr := range msg.ToolResults {
				parts = append(parts, tr.Content)
			}
			content = strings.Join(parts, "\n")
		}
		if content == "" {
			continue
		}
		role := msg.Role
		if role == "tool" {
			role = openai.ChatMessageRoleUser
		}
		result = append(result, openai.ChatCompletionMessage{
			Role:    role,
			Content: content,
		})
	}
	return result
}
