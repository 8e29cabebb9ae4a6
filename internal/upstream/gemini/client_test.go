package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"hydra-go/internal/catalog"
)

func textRequest(model, text string) *GenerateRequest {
	return &GenerateRequest{
		Model:    model,
		Contents: []Content{{Role: "user", Parts: []Part{{Text: text}}}},
	}
}

func TestGenerateParsesTextAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		require.Equal(t, "test-key", r.URL.Query().Get("key"))
		fmt.Fprint(w, `{
			"candidates": [{
				"content": {"parts": [{"text": "Hello "}, {"text": "world"}], "role": "model"},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 2, "totalTokenCount": 6}
		}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Generate(context.Background(), "test-key", textRequest("gemini-2.5-flash", "hi"))
	require.NoError(t, err)
	require.Equal(t, "Hello world", resp.Text)
	require.Equal(t, "STOP", resp.FinishReason)
	require.Equal(t, 4, resp.Usage.PromptTokens)
	require.Equal(t, 2, resp.Usage.CompletionTokens)
	require.Equal(t, 6, resp.Usage.TotalTokens)
}

func TestGenerateParsesFunctionCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"candidates": [{
				"content": {"parts": [{"functionCall": {"name": "get_weather", "args": {"city": "Oslo"}}}]},
				"finishReason": "STOP"
			}]
		}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Generate(context.Background(), "k", textRequest("gemini-2.5-pro", "weather?"))
	require.NoError(t, err)
	require.Len(t, resp.FunctionCalls, 1)
	require.Equal(t, "get_weather", resp.FunctionCalls[0].Name)
	require.JSONEq(t, `{"city":"Oslo"}`, string(resp.FunctionCalls[0].Args))
}

func TestGenerateParsesInlineImageAndGrounding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"candidates": [{
				"content": {"parts": [
					{"text": "here"},
					{"inlineData": {"mimeType": "image/png", "data": "aGk="}}
				]},
				"finishReason": "STOP",
				"groundingMetadata": {
					"webSearchQueries": ["oslo weather"],
					"groundingChunks": [{"web": {"title": "yr.no", "uri": "https://yr.no"}}]
				}
			}]
		}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Generate(context.Background(), "k", textRequest("gemini-2.5-flash-image", "draw"))
	require.NoError(t, err)
	require.Equal(t, "here", resp.Text)
	require.Len(t, resp.Images, 1)
	require.Equal(t, "image/png", resp.Images[0].MimeType)
	require.Equal(t, []string{"oslo weather"}, resp.SearchQueries)
	require.Len(t, resp.Sources, 1)
	require.Equal(t, "yr.no", resp.Sources[0].Title)
}

func TestGenerateFoldsCodeExecution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"candidates": [{
				"content": {"parts": [
					{"executableCode": {"language": "PYTHON", "code": "print(2+2)"}},
					{"codeExecutionResult": {"outcome": "OUTCOME_OK", "output": "4"}}
				]},
				"finishReason": "STOP"
			}]
		}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Generate(context.Background(), "k", textRequest("gemini-2.5-pro", "calc"))
	require.NoError(t, err)
	require.Contains(t, resp.Text, "```PYTHON\nprint(2+2)\n```")
	require.Contains(t, resp.Text, "```\n4\n```")
}

func TestGenerateAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"status": "RESOURCE_EXHAUSTED", "message": "quota exceeded"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Generate(context.Background(), "k", textRequest("gemini-2.5-pro", "hi"))
	require.Error(t, err)
	require.True(t, IsRateLimited(err))
	require.False(t, IsInvalidKey(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "RESOURCE_EXHAUSTED", apiErr.Status)
	require.Contains(t, apiErr.Error(), "quota exceeded")
}

func TestInvalidKeyClassification(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden} {
		require.True(t, IsInvalidKey(&APIError{StatusCode: code}), "status %d", code)
	}
	require.False(t, IsInvalidKey(&APIError{StatusCode: http.StatusInternalServerError}))
	require.False(t, IsRateLimited(&APIError{StatusCode: http.StatusForbidden}))
}

func TestGenerateBlockedPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"promptFeedback": {"blockReason": "SAFETY"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Generate(context.Background(), "k", textRequest("gemini-2.5-pro", "hi"))
	require.ErrorContains(t, err, "SAFETY")
}

func TestPayloadOptionalFields(t *testing.T) {
	temp := 0.7
	maxTok := 256
	budget := 1024
	req := &GenerateRequest{
		Model:              "gemini-2.5-flash",
		Contents:           []Content{{Role: "user", Parts: []Part{{Text: "hi"}}}},
		SystemInstruction:  &Content{Parts: []Part{{Text: "be brief"}}},
		Temperature:        &temp,
		MaxOutputTokens:    &maxTok,
		StopSequences:      []string{"END"},
		ResponseModalities: []string{"TEXT", "IMAGE"},
		JSONMode:           true,
		ThinkingBudget:     &budget,
		Tools:              json.RawMessage(`[{"functionDeclarations":[{"name":"f"}]}]`),
		ToolConfig:         json.RawMessage(`{"function_calling_config":{"mode":"ANY"}}`),
	}
	payload, err := buildGeneratePayload(req)
	require.NoError(t, err)

	root := gjson.ParseBytes(payload)
	require.Equal(t, "hi", root.Get("contents.0.parts.0.text").String())
	require.Equal(t, "be brief", root.Get("systemInstruction.parts.0.text").String())
	require.InDelta(t, 0.7, root.Get("generationConfig.temperature").Float(), 1e-9)
	require.EqualValues(t, 256, root.Get("generationConfig.maxOutputTokens").Int())
	require.Equal(t, "END", root.Get("generationConfig.stopSequences.0").String())
	require.Equal(t, "IMAGE", root.Get("generationConfig.responseModalities.1").String())
	require.Equal(t, "application/json", root.Get("generationConfig.responseMimeType").String())
	require.EqualValues(t, 1024, root.Get("generationConfig.thinkingConfig.thinkingBudget").Int())
	require.Equal(t, "f", root.Get("tools.0.functionDeclarations.0.name").String())
	require.Equal(t, "ANY", root.Get("toolConfig.function_calling_config.mode").String())
}

func TestPayloadResponseSchemaImpliesJSON(t *testing.T) {
	req := textRequest("gemini-2.5-flash", "list colors")
	req.ResponseSchema = json.RawMessage(`{"type":"object","properties":{"colors":{"type":"array"}}}`)
	payload, err := buildGeneratePayload(req)
	require.NoError(t, err)

	root := gjson.ParseBytes(payload)
	require.Equal(t, "application/json", root.Get("generationConfig.responseMimeType").String())
	require.Equal(t, "object", root.Get("generationConfig.responseSchema.type").String())
}

func TestPayloadOmitsUnsetKnobs(t *testing.T) {
	payload, err := buildGeneratePayload(textRequest("gemini-2.5-flash", "hi"))
	require.NoError(t, err)
	root := gjson.ParseBytes(payload)
	require.False(t, root.Get("generationConfig").Exists())
	require.False(t, root.Get("tools").Exists())
	require.False(t, root.Get("systemInstruction").Exists())
}

func TestDetectModelsIntersectsCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		fmt.Fprint(w, `{"models": [
			{"name": "models/gemini-2.5-flash"},
			{"name": "models/gemini-2.5-pro"},
			{"name": "models/gemini-1.0-legacy"},
			{"name": "models/gemini-embedding-001"}
		]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	models, err := c.DetectModels(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, []string{
		catalog.Gemini25Pro, catalog.Gemini25Flash, catalog.GeminiEmbedding,
	}, models)
}

func TestDetectModelsInvalidKeyNoProbe(t *testing.T) {
	var generateCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "generateContent") {
			generateCalls++
		}
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error": {"message": "API key not valid"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.DetectModels(context.Background(), "bad-key")
	require.True(t, IsInvalidKey(err))
	require.Zero(t, generateCalls, "invalid keys must not fall back to probing")
}

func TestEmbedSingle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models/gemini-embedding-001:embedContent", r.URL.Path)
		fmt.Fprint(w, `{"embedding": {"values": [0.1, 0.2, 0.3]}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	vecs, err := c.EmbedTexts(context.Background(), "k", catalog.GeminiEmbedding, []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	require.InDeltaSlice(t, []float64{0.1, 0.2, 0.3}, vecs[0], 1e-9)
}

func TestEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models/gemini-embedding-001:batchEmbedContents", r.URL.Path)
		fmt.Fprint(w, `{"embeddings": [{"values": [1, 2]}, {"values": [3, 4]}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	vecs, err := c.EmbedTexts(context.Background(), "k", catalog.GeminiEmbedding, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	require.InDeltaSlice(t, []float64{3, 4}, vecs[1], 1e-9)
}

func TestOperationDeadlines(t *testing.T) {
	// Batch embedding carries the long deadline; a big batch must not be cut
	// off at the single-embed budget and read as a credential fault.
	require.Equal(t, 60*time.Second, generateTimeout)
	require.Equal(t, 15*time.Second, listTimeout)
	require.Equal(t, 30*time.Second, embedTimeout)
	require.Equal(t, 60*time.Second, batchEmbedTimeout)
}

func TestEmbedBatchCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embeddings": [{"values": [1]}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.EmbedTexts(context.Background(), "k", catalog.GeminiEmbedding, []string{"a", "b"})
	require.ErrorContains(t, err, "1 vectors for 2 texts")
}

func TestEstimateTokens(t *testing.T) {
	// 100 chars / 4 * 1.2 = 30.
	require.Equal(t, 30, EstimateTokens(strings.Repeat("a", 100)))
	// Multiple texts accumulate; ceil rounds up.
	require.Equal(t, 2, EstimateTokens("abc", "de"))
	require.Zero(t, EstimateTokens())
}
