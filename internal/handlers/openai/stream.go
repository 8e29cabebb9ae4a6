package openai

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// streamChunkSize is the target rune count per synthesized SSE chunk.
const streamChunkSize = 30

// streamChunk is the chat.completion.chunk envelope.
type streamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// streamChatResponse replays a completed response as SSE. The upstream call
// already finished; chunking here gives streaming clients the shape they
// expect without holding an upstream connection open.
func streamChatResponse(c *gin.Context, resp *ChatResponse) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	write := func(chunk *streamChunk) {
		payload, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		if canFlush {
			flusher.Flush()
		}
	}

	base := streamChunk{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   resp.Model,
	}

	// Opening chunk carries the role.
	first := base
	first.Choices = []chunkChoice{{Delta: chunkDelta{Role: "assistant"}}}
	write(&first)

	choice := resp.Choices[0]
	if choice.Message.Content != nil {
		runes := []rune(*choice.Message.Content)
		for start := 0; start < len(runes); start += streamChunkSize {
			end := start + streamChunkSize
			if end > len(runes) {
				end = len(runes)
			}
			chunk := base
			chunk.Choices = []chunkChoice{{Delta: chunkDelta{Content: string(runes[start:end])}}}
			write(&chunk)
		}
	}
	if len(choice.Message.ToolCalls) > 0 {
		chunk := base
		chunk.Choices = []chunkChoice{{Delta: chunkDelta{ToolCalls: choice.Message.ToolCalls}}}
		write(&chunk)
	}

	finish := choice.FinishReason
	last := base
	last.Choices = []chunkChoice{{Delta: chunkDelta{}, FinishReason: &finish}}
	write(&last)

	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	if canFlush {
		flusher.Flush()
	}
}
