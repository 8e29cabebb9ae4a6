package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"hydra-go/internal/catalog"
	"hydra-go/internal/upstream/gemini"
)

// ChatRequest is the OpenAI chat completions request surface we accept.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	Stop           StopSequences   `json:"stop,omitempty"`
	Tools          []Tool          `json:"tools,omitempty"`
	ToolChoice     json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Modalities     []string        `json:"modalities,omitempty"`
	Thinking       *Thinking       `json:"thinking,omitempty"`
}

// Thinking caps the model's reasoning budget. Both key spellings are
// accepted.
type Thinking struct {
	Budget      *int `json:"thinking_budget,omitempty"`
	BudgetCamel *int `json:"thinkingBudget,omitempty"`
}

func (t *Thinking) budget() *int {
	if t == nil {
		return nil
	}
	if t.Budget != nil {
		return t.Budget
	}
	return t.BudgetCamel
}

// Message is one chat turn. Content is either a plain string or an array of
// multimodal parts.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a multimodal content array.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// Tool is an OpenAI function tool declaration.
type Tool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// ToolCall is a tool invocation in an assistant message.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ResponseFormat selects structured output.
type ResponseFormat struct {
	Type       string `json:"type"`
	JSONSchema *struct {
		Name   string          `json:"name,omitempty"`
		Schema json.RawMessage `json:"schema,omitempty"`
	} `json:"json_schema,omitempty"`
}

// StopSequences accepts the OpenAI "stop" field as a string or string array.
type StopSequences []string

// UnmarshalJSON implements the string-or-array decoding.
func (s *StopSequences) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or array of strings")
	}
	*s = many
	return nil
}

// textOf flattens a message's content to plain text for token estimation.
func (m *Message) textOf() string {
	var plain string
	if err := json.Unmarshal(m.Content, &plain); err == nil {
		return plain
	}
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// parts converts a message's content to Gemini parts.
func (m *Message) parts() ([]gemini.Part, error) {
	if len(m.Content) == 0 || string(m.Content) == "null" {
		return nil, nil
	}
	var plain string
	if err := json.Unmarshal(m.Content, &plain); err == nil {
		if plain == "" {
			return nil, nil
		}
		return []gemini.Part{{Text: plain}}, nil
	}

	var raw []ContentPart
	if err := json.Unmarshal(m.Content, &raw); err != nil {
		return nil, fmt.Errorf("message content must be a string or array of parts")
	}
	var out []gemini.Part
	for _, p := range raw {
		switch p.Type {
		case "text":
			out = append(out, gemini.Part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			blob, err := blobFromDataURL(p.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			out = append(out, gemini.Part{InlineData: blob})
		}
	}
	return out, nil
}

// blobFromDataURL decodes a data:<mime>;base64,<payload> URL. Remote image
// URLs are not fetched; the gateway never makes requests on a client's
// behalf beyond the model call itself.
func blobFromDataURL(url string) (*gemini.Blob, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return nil, fmt.Errorf("image_url must be a data: URL")
	}
	mime, payload, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return nil, fmt.Errorf("image_url must be base64 encoded")
	}
	return &gemini.Blob{MimeType: mime, Data: payload}, nil
}

// Capabilities infers what the request requires from the catalog's
// vocabulary.
func (r *ChatRequest) Capabilities() catalog.CapabilitySet {
	caps := catalog.NewCapabilitySet(catalog.CapText)
	if len(r.Tools) > 0 {
		caps.Add(catalog.CapFunctionCalling)
	}
	if r.ResponseFormat != nil && strings.HasPrefix(r.ResponseFormat.Type, "json") {
		caps.Add(catalog.CapStructuredOutput)
	}
	if r.wantsImage() {
		caps = catalog.NewCapabilitySet(catalog.CapText, catalog.CapImageGeneration)
	}
	for _, m := range r.Messages {
		if hasImageInput(m) {
			caps.Add(catalog.CapMultimodalInput)
			break
		}
	}
	return caps
}

func (r *ChatRequest) wantsImage() bool {
	for _, mod := range r.Modalities {
		if strings.EqualFold(mod, "image") {
			return true
		}
	}
	resolved := catalog.ResolveAlias(r.Model)
	if entry, ok := catalog.Lookup(resolved); ok {
		return entry.Capabilities.Has(catalog.CapImageGeneration)
	}
	return false
}

func hasImageInput(m Message) bool {
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return false
	}
	for _, p := range parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// EstimateTokens sizes the prompt for the rate check.
func (r *ChatRequest) EstimateTokens() int {
	texts := make([]string, 0, len(r.Messages))
	for i := range r.Messages {
		texts = append(texts, r.Messages[i].textOf())
	}
	return gemini.EstimateTokens(texts...)
}

// ToGenerateRequest translates the OpenAI request into the Gemini shape.
// System messages become the system instruction; tool results become
// functionResponse parts; assistant tool calls are replayed as functionCall
// parts so multi-turn tool use keeps its pairing.
func (r *ChatRequest) ToGenerateRequest() (*gemini.GenerateRequest, error) {
	out := &gemini.GenerateRequest{
		Temperature:     r.Temperature,
		TopP:            r.TopP,
		MaxOutputTokens: r.MaxTokens,
		StopSequences:   r.Stop,
	}
	if r.ResponseFormat != nil && strings.HasPrefix(r.ResponseFormat.Type, "json") {
		out.JSONMode = true
		if r.ResponseFormat.JSONSchema != nil && len(r.ResponseFormat.JSONSchema.Schema) > 0 {
			out.ResponseSchema = r.ResponseFormat.JSONSchema.Schema
		}
	}
	out.ThinkingBudget = r.Thinking.budget()
	if r.wantsImage() {
		out.ResponseModalities = []string{"TEXT", "IMAGE"}
	}

	var systemParts []gemini.Part
	for i := range r.Messages {
		m := &r.Messages[i]
		switch m.Role {
		case "system", "developer":
			parts, err := m.parts()
			if err != nil {
				return nil, err
			}
			systemParts = append(systemParts, parts...)

		case "user":
			parts, err := m.parts()
			if err != nil {
				return nil, err
			}
			if len(parts) == 0 {
				continue
			}
			out.Contents = append(out.Contents, gemini.Content{Role: "user", Parts: parts})

		case "assistant":
			parts, err := m.parts()
			if err != nil {
				return nil, err
			}
			for _, tc := range m.ToolCalls {
				args := tc.Function.Arguments
				if args == "" {
					args = "{}"
				}
				call, err := json.Marshal(map[string]json.RawMessage{
					"name": json.RawMessage(fmt.Sprintf("%q", tc.Function.Name)),
					"args": json.RawMessage(args),
				})
				if err != nil {
					return nil, fmt.Errorf("encode tool call: %w", err)
				}
				parts = append(parts, gemini.Part{FunctionCall: call})
			}
			if len(parts) == 0 {
				continue
			}
			out.Contents = append(out.Contents, gemini.Content{Role: "model", Parts: parts})

		case "tool":
			response, err := json.Marshal(map[string]any{
				"name":     m.Name,
				"response": json.RawMessage(normalizeToolResult(m.Content)),
			})
			if err != nil {
				return nil, fmt.Errorf("encode tool response: %w", err)
			}
			out.Contents = append(out.Contents, gemini.Content{
				Role:  "user",
				Parts: []gemini.Part{{FunctionResponse: response}},
			})

		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(systemParts) > 0 {
		out.SystemInstruction = &gemini.Content{Parts: systemParts}
	}
	if len(out.Contents) == 0 {
		return nil, fmt.Errorf("messages must contain at least one user or assistant turn")
	}

	if len(r.Tools) > 0 {
		tools, err := convertTools(r.Tools)
		if err != nil {
			return nil, err
		}
		out.Tools = tools
		out.ToolConfig = convertToolChoice(r.ToolChoice)
	}
	return out, nil
}

// convertToolChoice maps the OpenAI tool_choice field to a Gemini toolConfig.
// Unrecognized shapes fall back to the API default (AUTO).
func convertToolChoice(choice json.RawMessage) json.RawMessage {
	if len(choice) == 0 {
		return nil
	}

	config := func(mode string, names []string) json.RawMessage {
		inner := map[string]any{"mode": mode}
		if len(names) > 0 {
			inner["allowed_function_names"] = names
		}
		out, _ := json.Marshal(map[string]any{"function_calling_config": inner})
		return out
	}

	var mode string
	if err := json.Unmarshal(choice, &mode); err == nil {
		switch mode {
		case "auto":
			return config("AUTO", nil)
		case "none":
			return config("NONE", nil)
		case "required":
			return config("ANY", nil)
		}
		return nil
	}

	var forced struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(choice, &forced); err == nil && forced.Type == "function" && forced.Function.Name != "" {
		return config("ANY", []string{forced.Function.Name})
	}
	return nil
}

// normalizeToolResult wraps non-object tool output so the API always gets a
// JSON object.
func normalizeToolResult(content json.RawMessage) json.RawMessage {
	var plain string
	if err := json.Unmarshal(content, &plain); err == nil {
		trimmed := strings.TrimSpace(plain)
		if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
			return json.RawMessage(trimmed)
		}
		wrapped, _ := json.Marshal(map[string]string{"result": plain})
		return wrapped
	}
	if json.Valid(content) && strings.HasPrefix(strings.TrimSpace(string(content)), "{") {
		return content
	}
	wrapped, _ := json.Marshal(map[string]string{"result": string(content)})
	return wrapped
}

func convertTools(tools []Tool) (json.RawMessage, error) {
	type declaration struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}
	var decls []declaration
	for _, t := range tools {
		if t.Type != "function" {
			continue
		}
		decls = append(decls, declaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	if len(decls) == 0 {
		return nil, nil
	}
	out, err := json.Marshal([]map[string]any{{"functionDeclarations": decls}})
	if err != nil {
		return nil, fmt.Errorf("encode tools: %w", err)
	}
	return out, nil
}
