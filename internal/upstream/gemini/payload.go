package gemini

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/tidwall/sjson"
)

// Blob is inline binary content, base64 encoded.
type Blob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Part is one piece of a content turn. Exactly one field is set.
type Part struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *Blob           `json:"inline_data,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

// Content is one conversation turn. Role is "user" or "model".
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// GenerateRequest is the model-independent input to a generate call.
type GenerateRequest struct {
	Model             string
	Contents          []Content
	SystemInstruction *Content

	Temperature     *float64
	TopP            *float64
	MaxOutputTokens *int
	StopSequences   []string

	// Tools are function declarations in the API's native JSON shape,
	// translated from the OpenAI request by the handler layer.
	Tools json.RawMessage

	// ToolConfig constrains function calling mode, already in the API's
	// native shape.
	ToolConfig json.RawMessage

	// ThinkingBudget caps reasoning tokens when set.
	ThinkingBudget *int

	// ResponseModalities requests image output alongside text when set.
	ResponseModalities []string

	// JSONMode asks the model for application/json output.
	JSONMode bool

	// ResponseSchema constrains JSON output to a schema. Implies JSONMode.
	ResponseSchema json.RawMessage
}

// buildGeneratePayload renders the request body. The contents skeleton is
// marshalled directly; optional knobs are spliced in afterwards so absent
// fields stay absent from the wire.
func buildGeneratePayload(req *GenerateRequest) ([]byte, error) {
	base := struct {
		Contents          []Content `json:"contents"`
		SystemInstruction *Content  `json:"systemInstruction,omitempty"`
	}{
		Contents:          req.Contents,
		SystemInstruction: req.SystemInstruction,
	}
	payload, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("encode contents: %w", err)
	}

	if req.Temperature != nil {
		payload, err = sjson.SetBytes(payload, "generationConfig.temperature", *req.Temperature)
		if err != nil {
			return nil, err
		}
	}
	if req.TopP != nil {
		payload, err = sjson.SetBytes(payload, "generationConfig.topP", *req.TopP)
		if err != nil {
			return nil, err
		}
	}
	if req.MaxOutputTokens != nil {
		payload, err = sjson.SetBytes(payload, "generationConfig.maxOutputTokens", *req.MaxOutputTokens)
		if err != nil {
			return nil, err
		}
	}
	if len(req.StopSequences) > 0 {
		payload, err = sjson.SetBytes(payload, "generationConfig.stopSequences", req.StopSequences)
		if err != nil {
			return nil, err
		}
	}
	if len(req.ResponseModalities) > 0 {
		payload, err = sjson.SetBytes(payload, "generationConfig.responseModalities", req.ResponseModalities)
		if err != nil {
			return nil, err
		}
	}
	if req.JSONMode || len(req.ResponseSchema) > 0 {
		payload, err = sjson.SetBytes(payload, "generationConfig.responseMimeType", "application/json")
		if err != nil {
			return nil, err
		}
	}
	if len(req.ResponseSchema) > 0 {
		payload, err = sjson.SetRawBytes(payload, "generationConfig.responseSchema", req.ResponseSchema)
		if err != nil {
			return nil, err
		}
	}
	if req.ThinkingBudget != nil {
		payload, err = sjson.SetBytes(payload, "generationConfig.thinkingConfig.thinkingBudget", *req.ThinkingBudget)
		if err != nil {
			return nil, err
		}
	}
	if len(req.Tools) > 0 {
		payload, err = sjson.SetRawBytes(payload, "tools", req.Tools)
		if err != nil {
			return nil, err
		}
	}
	if len(req.ToolConfig) > 0 {
		payload, err = sjson.SetRawBytes(payload, "toolConfig", req.ToolConfig)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// EstimateTokens approximates the token cost of text before sending it:
// four characters per token with a 20% safety margin.
func EstimateTokens(texts ...string) int {
	chars := 0
	for _, t := range texts {
		chars += len(t)
	}
	return int(math.Ceil(float64(chars) / 4 * 1.2))
}
