// Package agent runs the tool-calling chat loop. Each request takes the
// caller's question to the model inference deployment, dispatches the tool
// calls the model asks for through the gateway, and feeds the results back
// until the model produces a final answer or the turn budget runs out. Tool
// failures reach the model only as taxonomy messages; raw upstream errors
// stay inside the gateway.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ai-icarus/icarus/internal/azure"
	gwerrors "github.com/ai-icarus/icarus/internal/errors"
	"github.com/ai-icarus/icarus/internal/gateway"
	"github.com/ai-icarus/icarus/internal/identity"
	"github.com/ai-icarus/icarus/internal/logging"
	"github.com/ai-icarus/icarus/internal/metrics"
	"github.com/ai-icarus/icarus/pkg/audit"
)

const opChat = "chat"

const (
	defaultMaxTurns = 8

	// maxToolResultChars caps tool results relayed to the model. The gateway
	// already bounds row counts, so this net rarely fires, but a single
	// oversized result must not blow the context window.
	maxToolResultChars = 16000

	// maxContextMessages bounds the transcript sent with each completion.
	maxContextMessages = 40
)

const defaultSystemPrompt = `You are a Log Analytics and KQL (Kusto Query Language) expert assistant.

Your capabilities:
1. Discover Log Analytics workspaces the user has access to
2. Convert natural language questions into KQL queries
3. Execute KQL queries against workspaces
4. Validate KQL syntax before running expensive queries
5. Explain query results and suggest improvements

Guidelines:
- Discover workspaces before querying when the user has not named one
- Use appropriate time ranges; default to the last day unless asked otherwise
- Validate complex queries with validate_kql_syntax before executing them
- Explain errors in plain language and suggest a corrected query

All operations run with the user's own delegated Azure permissions. If a tool
reports that a resource is not available in this cloud environment, say so;
do not retry with a different resource.`

// ToolDispatcher is the gateway surface the loop needs: the catalog to
// advertise and the invocation path to execute what the model asks for.
type ToolDispatcher interface {
	ListTools() []gateway.Tool
	Invoke(ctx context.Context, caller identity.CallerIdentity, name string, args map[string]interface{}) (gateway.CallToolResult, error)
}

// ModelProvider hands out chat completion clients scoped to one caller.
type ModelProvider interface {
	OpenAI(ctx context.Context, caller identity.CallerIdentity) (*azure.OpenAIClient, error)
}

// Event types emitted while a chat request runs.
const (
	EventContent   = "content"
	EventToolStart = "tool_start"
	EventToolEnd   = "tool_end"
	EventDone      = "done"
	EventError     = "error"
)

// Event is one progress notification from the loop. Data is one of the
// *Data structs below and marshals cleanly for SSE relay.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// ContentData carries assistant text produced in one turn.
type ContentData struct {
	Text string `json:"text"`
}

// ToolStartData announces a tool call before it executes.
type ToolStartData struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolEndData reports a finished tool call.
type ToolEndData struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
}

// DoneData closes the event stream for one request.
type DoneData struct {
	SessionID string `json:"sessionId"`
	Turns     int    `json:"turns"`
}

// ErrorData carries a safe, caller-facing failure description.
type ErrorData struct {
	Message string `json:"message"`
}

// EventCallback receives loop events as they happen. Callbacks run on the
// request goroutine; a slow consumer slows the loop.
type EventCallback func(Event)

// Config tunes one Agent.
type Config struct {
	SystemPrompt string
	MaxTurns     int
	MaxTokens    int
	Temperature  float64
}

// Agent drives conversations between the model and the tool gateway.
type Agent struct {
	dispatcher ToolDispatcher
	models     ModelProvider
	sessions   *SessionStore

	systemPrompt string
	maxTurns     int
	maxTokens    int
	temperature  float64
}

// New builds an Agent. Zero config fields fall back to package defaults.
func New(dispatcher ToolDispatcher, models ModelProvider, sessions *SessionStore, cfg Config) *Agent {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	return &Agent{
		dispatcher:   dispatcher,
		models:       models,
		sessions:     sessions,
		systemPrompt: cfg.SystemPrompt,
		maxTurns:     cfg.MaxTurns,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
	}
}

// ChatResult summarizes one completed chat request.
type ChatResult struct {
	SessionID string `json:"sessionId"`
	Reply     string `json:"reply"`
	Turns     int    `json:"turns"`
	ToolCalls int    `json:"toolCalls"`
}

// Chat runs one user message through the loop. The session ID scopes the
// conversation to the caller; an empty ID starts a fresh thread. The result
// reply is the model's final answer, also delivered through the callback.
func (a *Agent) Chat(ctx context.Context, caller identity.CallerIdentity, sessionID, message string, callback EventCallback) (*ChatResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, gwerrors.InvalidArgument(opChat, fmt.Errorf("message is empty"))
	}
	if callback == nil {
		callback = func(Event) {}
	}

	sessionID = a.sessions.Ensure(sessionID)
	start := time.Now()

	logger := log.With().
		Str("session_id", sessionID).
		Str("caller", caller.SubjectHash()).
		Str("request_id", logging.GetRequestID(ctx)).
		Logger()

	client, err := a.models.OpenAI(ctx, caller)
	if err != nil {
		logger.Warn().Err(err).Msg("Chat request failed before first turn")
		callback(Event{Type: EventError, Data: ErrorData{Message: gwerrors.SafeMessage(err)}})
		a.record(ctx, caller, sessionID, start, 0, err)
		return nil, err
	}

	history := a.sessions.History(caller.Subject, sessionID)
	transcript := make([]azure.ChatMessage, 0, len(history)+2)
	transcript = append(transcript, azure.ChatMessage{Role: "system", Content: a.systemPrompt})
	transcript = append(transcript, history...)

	userMsg := azure.ChatMessage{Role: "user", Content: message}
	transcript = append(transcript, userMsg)
	newMessages := []azure.ChatMessage{userMsg}

	tools := a.toolDefinitions()
	result := &ChatResult{SessionID: sessionID}

	for turn := 0; turn < a.maxTurns; turn++ {
		select {
		case <-ctx.Done():
			a.sessions.Append(caller.Subject, sessionID, newMessages...)
			a.record(ctx, caller, sessionID, start, result.Turns, ctx.Err())
			return nil, ctx.Err()
		default:
		}

		logger.Debug().
			Int("turn", turn).
			Int("messages", len(transcript)).
			Int("tools", len(tools)).
			Msg("Starting chat turn")

		resp, err := client.Chat(ctx, azure.ChatRequest{
			Messages:    pruneForModel(transcript),
			Tools:       tools,
			MaxTokens:   a.maxTokens,
			Temperature: a.temperature,
		})
		if err != nil {
			logger.Warn().Err(err).Int("turn", turn).Msg("Model turn failed")
			callback(Event{Type: EventError, Data: ErrorData{Message: gwerrors.SafeMessage(err)}})
			// Tool results gathered so far are complete, so the transcript
			// stays valid for the next request.
			a.sessions.Append(caller.Subject, sessionID, newMessages...)
			a.record(ctx, caller, sessionID, start, result.Turns, err)
			return nil, err
		}

		assistant := resp.Message
		assistant.Role = "assistant"
		transcript = append(transcript, assistant)
		newMessages = append(newMessages, assistant)
		result.Turns = turn + 1

		if assistant.Content != "" {
			result.Reply = assistant.Content
			callback(Event{Type: EventContent, Data: ContentData{Text: assistant.Content}})
		}

		if len(assistant.ToolCalls) == 0 {
			a.sessions.Append(caller.Subject, sessionID, newMessages...)
			callback(Event{Type: EventDone, Data: DoneData{SessionID: sessionID, Turns: result.Turns}})
			a.record(ctx, caller, sessionID, start, result.Turns, nil)
			return result, nil
		}

		for _, call := range assistant.ToolCalls {
			callback(Event{Type: EventToolStart, Data: ToolStartData{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			}})

			text, failed := a.runTool(ctx, caller, call)
			result.ToolCalls++

			callback(Event{Type: EventToolEnd, Data: ToolEndData{
				ID:      call.ID,
				Name:    call.Function.Name,
				Success: !failed,
			}})

			toolMsg := azure.ChatMessage{
				Role:       "tool",
				Content:    truncateForModel(text),
				ToolCallID: call.ID,
			}
			transcript = append(transcript, toolMsg)
			newMessages = append(newMessages, toolMsg)
		}
	}

	logger.Warn().Int("max_turns", a.maxTurns).Msg("Chat loop hit max turns limit")
	a.sessions.Append(caller.Subject, sessionID, newMessages...)
	callback(Event{Type: EventDone, Data: DoneData{SessionID: sessionID, Turns: result.Turns}})
	a.record(ctx, caller, sessionID, start, result.Turns, nil)
	return result, nil
}

// runTool executes one model-requested tool call and renders the outcome as
// conversation text. Failures come back as safe messages, never raw errors.
func (a *Agent) runTool(ctx context.Context, caller identity.CallerIdentity, call azure.ToolCall) (string, bool) {
	args := map[string]interface{}{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return "invalid arguments: tool arguments are not valid JSON", true
		}
	}

	result, err := a.dispatcher.Invoke(ctx, caller, call.Function.Name, args)
	if err != nil {
		return gwerrors.SafeMessage(err), true
	}
	return formatToolResult(result), result.IsError
}

func (a *Agent) record(ctx context.Context, caller identity.CallerIdentity, sessionID string, start time.Time, turns int, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(gwerrors.KindOf(err))
	}
	metrics.RecordChatRequest(outcome, turns)

	event := audit.Event{
		EventType:  audit.EventChatRequest,
		RequestID:  logging.GetRequestID(ctx),
		Caller:     caller.SubjectHash(),
		Success:    err == nil,
		DurationMS: time.Since(start).Milliseconds(),
		Details:    fmt.Sprintf("session=%s turns=%d", sessionID, turns),
	}
	if err != nil {
		event.ErrorKind = string(gwerrors.KindOf(err))
	}
	audit.Record(event)
}

// toolDefinitions converts the gateway catalog into the function-calling
// format the chat completions API expects.
func (a *Agent) toolDefinitions() []azure.ToolDefinition {
	catalog := a.dispatcher.ListTools()
	defs := make([]azure.ToolDefinition, 0, len(catalog))
	for _, tool := range catalog {
		defs = append(defs, azure.ToolDefinition{
			Type: "function",
			Function: azure.FunctionSchema{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return defs
}

// formatToolResult flattens a tool result into conversation text.
func formatToolResult(result gateway.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if content.Type == "text" && content.Text != "" {
			parts = append(parts, content.Text)
		}
	}
	if len(parts) == 0 {
		return "(no output)"
	}
	return strings.Join(parts, "\n")
}

func truncateForModel(text string) string {
	if len(text) <= maxToolResultChars {
		return text
	}
	return fmt.Sprintf("%s\n...[truncated %d chars]...", text[:maxToolResultChars], len(text)-maxToolResultChars)
}

// pruneForModel bounds the transcript window. The system prompt always rides
// along; the window never opens with an orphan tool result.
func pruneForModel(messages []azure.ChatMessage) []azure.ChatMessage {
	if maxContextMessages <= 0 || len(messages) <= maxContextMessages {
		return messages
	}

	window := messages[len(messages)-maxContextMessages:]
	for len(window) > 0 && window[0].Role == "tool" {
		window = window[1:]
	}

	pruned := make([]azure.ChatMessage, 0, len(window)+1)
	if len(messages) > 0 && messages[0].Role == "system" {
		pruned = append(pruned, messages[0])
	}
	return append(pruned, window...)
}
