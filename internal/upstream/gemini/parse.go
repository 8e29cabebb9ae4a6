package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name string
	Args json.RawMessage
}

// InlineImage is a generated image returned inline.
type InlineImage struct {
	MimeType string
	Data     string // base64
}

// GroundingSource is one web source backing a grounded answer.
type GroundingSource struct {
	Title string
	URI   string
}

// Usage is the upstream token accounting for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// GenerateResponse is the parsed result of a generate call.
type GenerateResponse struct {
	Text          string
	FinishReason  string
	FunctionCalls []FunctionCall
	Images        []InlineImage
	Sources       []GroundingSource
	SearchQueries []string
	Usage         Usage
}

// parseGenerateResponse extracts the first candidate. Text parts are
// concatenated; executable code and its result are folded into the text as
// fenced blocks, matching how the API's own playground renders them.
func parseGenerateResponse(body []byte) (*GenerateResponse, error) {
	root := gjson.ParseBytes(body)

	candidate := root.Get("candidates.0")
	if !candidate.Exists() {
		if block := root.Get("promptFeedback.blockReason"); block.Exists() {
			return nil, fmt.Errorf("gemini: prompt blocked: %s", block.String())
		}
		return nil, fmt.Errorf("gemini: response has no candidates")
	}

	out := &GenerateResponse{
		FinishReason: candidate.Get("finishReason").String(),
	}

	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("text").Exists():
			out.Text += part.Get("text").String()
		case part.Get("inlineData").Exists():
			out.Images = append(out.Images, InlineImage{
				MimeType: part.Get("inlineData.mimeType").String(),
				Data:     part.Get("inlineData.data").String(),
			})
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			out.FunctionCalls = append(out.FunctionCalls, FunctionCall{
				Name: fc.Get("name").String(),
				Args: json.RawMessage(args),
			})
		case part.Get("executableCode").Exists():
			code := part.Get("executableCode")
			out.Text += fmt.Sprintf("\n```%s\n%s\n```\n",
				code.Get("language").String(), code.Get("code").String())
		case part.Get("codeExecutionResult").Exists():
			out.Text += fmt.Sprintf("\n```\n%s\n```\n",
				part.Get("codeExecutionResult.output").String())
		}
		return true
	})

	if grounding := candidate.Get("groundingMetadata"); grounding.Exists() {
		grounding.Get("webSearchQueries").ForEach(func(_, q gjson.Result) bool {
			out.SearchQueries = append(out.SearchQueries, q.String())
			return true
		})
		grounding.Get("groundingChunks").ForEach(func(_, chunk gjson.Result) bool {
			web := chunk.Get("web")
			if web.Exists() {
				out.Sources = append(out.Sources, GroundingSource{
					Title: web.Get("title").String(),
					URI:   web.Get("uri").String(),
				})
			}
			return true
		})
	}

	usage := root.Get("usageMetadata")
	out.Usage = Usage{
		PromptTokens:     int(usage.Get("promptTokenCount").Int()),
		CompletionTokens: int(usage.Get("candidatesTokenCount").Int()),
		TotalTokens:      int(usage.Get("totalTokenCount").Int()),
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	}
	return out, nil
}
