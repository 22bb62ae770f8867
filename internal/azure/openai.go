package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	gwerrors "github.com/ai-icarus/icarus/internal/errors"
	"github.com/rs/zerolog/log"
)

const opChatCompletion = "chat_completion"

// OpenAIClient calls one Azure OpenAI deployment's chat completions API with
// the caller's delegated credential.
type OpenAIClient struct {
	endpoint   string
	deployment string
	apiVersion string
	client     *http.Client
}

// NewOpenAIClient builds a client on an already-authenticated HTTP client.
func NewOpenAIClient(endpoint, deployment, apiVersion string, client *http.Client) *OpenAIClient {
	return &OpenAIClient{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		deployment: deployment,
		apiVersion: apiVersion,
		client:     client,
	}
}

// ChatMessage is one turn of a conversation in the chat completions format.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition advertises one callable function to the model.
type ToolDefinition struct {
	Type     string         `json:"type"`
	Function FunctionSchema `json:"function"`
}

// FunctionSchema describes a function and its parameter schema.
type FunctionSchema struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	Messages    []ChatMessage
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// ChatResponse carries the first choice of a completion.
type ChatResponse struct {
	Message          ChatMessage
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

type chatCompletionRequest struct {
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat sends one chat completion request to the deployment.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.endpoint == "" || c.deployment == "" {
		return nil, gwerrors.Configuration(opChatCompletion,
			fmt.Errorf("model inference endpoint is not configured"))
	}

	payload, err := json.Marshal(chatCompletionRequest{
		Messages:    req.Messages,
		Tools:       req.Tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, gwerrors.Internal(opChatCompletion, err)
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.endpoint, c.deployment, c.apiVersion)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, gwerrors.Internal(opChatCompletion, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, gwerrors.UpstreamUnavailable(opChatCompletion,
			fmt.Errorf("model endpoint unreachable: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDataPlaneResponseBytes))
	if err != nil {
		return nil, gwerrors.UpstreamUnavailable(opChatCompletion,
			fmt.Errorf("reading completion response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(opChatCompletion, resp.StatusCode, body)
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, gwerrors.Internal(opChatCompletion,
			fmt.Errorf("malformed completion response: %w", err))
	}
	if len(completion.Choices) == 0 {
		return nil, gwerrors.Internal(opChatCompletion,
			fmt.Errorf("completion carries no choices"))
	}

	choice := completion.Choices[0]
	log.Debug().
		Str("model", completion.Model).
		Str("finish_reason", choice.FinishReason).
		Int("tool_calls", len(choice.Message.ToolCalls)).
		Int("prompt_tokens", completion.Usage.PromptTokens).
		Int("completion_tokens", completion.Usage.CompletionTokens).
		Msg("Chat completion returned")

	return &ChatResponse{
		Message:          choice.Message,
		FinishReason:     choice.FinishReason,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
	}, nil
}
