package openai

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"hydra-go/internal/executor"
	"hydra-go/internal/upstream/gemini"
)

// ChatResponse is the OpenAI chat.completion envelope, plus a gateway
// metadata block clients can ignore.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   UsageOut `json:"usage"`

	HydraMetadata *Metadata `json:"hydra_metadata,omitempty"`
}

// Choice is one completion choice; the gateway always returns exactly one.
type Choice struct {
	Index        int        `json:"index"`
	Message      MessageOut `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

// MessageOut is the assistant reply.
type MessageOut struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// UsageOut is OpenAI-shaped token usage.
type UsageOut struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Metadata reports what the gateway actually did for this request.
type Metadata struct {
	ModelUsed     string   `json:"model_used"`
	Credential    string   `json:"credential"`
	LatencyMS     int64    `json:"latency_ms"`
	FallbackCount int      `json:"fallback_count"`
	ImageCount    int      `json:"image_count,omitempty"`
	SearchQueries []string `json:"search_queries,omitempty"`
}

// buildChatResponse renders the upstream result as an OpenAI completion.
// Generated images are inlined into the content as markdown data URLs, and
// grounding sources are appended as a numbered list.
func buildChatResponse(requestedModel string, resp *gemini.GenerateResponse, res *executor.Result) *ChatResponse {
	content := resp.Text
	for i, img := range resp.Images {
		content += fmt.Sprintf("\n\n![Generated Image %d](data:%s;base64,%s)", i+1, img.MimeType, img.Data)
	}
	if len(resp.Sources) > 0 {
		content += "\n\n**Sources:**"
		for i, src := range resp.Sources {
			content += fmt.Sprintf("\n%d. [%s](%s)", i+1, src.Title, src.URI)
		}
	}

	message := MessageOut{Role: "assistant", Content: &content}
	finish := mapFinishReason(resp.FinishReason)
	if len(resp.FunctionCalls) > 0 {
		message.ToolCalls = make([]ToolCall, len(resp.FunctionCalls))
		for i, fc := range resp.FunctionCalls {
			tc := ToolCall{ID: "call_" + uuid.NewString()[:8], Type: "function"}
			tc.Function.Name = fc.Name
			tc.Function.Arguments = string(fc.Args)
			message.ToolCalls[i] = tc
		}
		finish = "tool_calls"
	}

	return &ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   requestedModel,
		Choices: []Choice{{Index: 0, Message: message, FinishReason: finish}},
		Usage: UsageOut{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		HydraMetadata: &Metadata{
			ModelUsed:     res.Model,
			Credential:    shortHandle(res.Handle),
			LatencyMS:     res.Duration.Milliseconds(),
			FallbackCount: res.Attempts - 1,
			ImageCount:    len(resp.Images),
			SearchQueries: resp.SearchQueries,
		},
	}
}

func mapFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST":
		return "content_filter"
	default:
		return "stop"
	}
}

func shortHandle(handle string) string {
	if len(handle) > 8 {
		return handle[:8]
	}
	return handle
}
