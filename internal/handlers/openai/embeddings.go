package openai

import (
	"encoding/json"
	"fmt"
)

// EmbeddingsRequest is the OpenAI embeddings request. Input is a string or
// an array of strings.
type EmbeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

// Texts normalizes the input field.
func (r *EmbeddingsRequest) Texts() ([]string, error) {
	if len(r.Input) == 0 {
		return nil, fmt.Errorf("input must not be empty")
	}
	var one string
	if err := json.Unmarshal(r.Input, &one); err == nil {
		if one == "" {
			return nil, fmt.Errorf("input must not be empty")
		}
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(r.Input, &many); err != nil {
		return nil, fmt.Errorf("input must be a string or array of strings")
	}
	if len(many) == 0 {
		return nil, fmt.Errorf("input must not be empty")
	}
	return many, nil
}

// EmbeddingsResponse is the OpenAI list envelope.
type EmbeddingsResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingItem `json:"data"`
	Model  string          `json:"model"`
	Usage  UsageOut        `json:"usage"`
}

// EmbeddingItem is one vector.
type EmbeddingItem struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

func buildEmbeddingsResponse(requestedModel string, vectors [][]float64, estimatedTokens int) *EmbeddingsResponse {
	items := make([]EmbeddingItem, len(vectors))
	for i, vec := range vectors {
		items[i] = EmbeddingItem{Object: "embedding", Index: i, Embedding: vec}
	}
	return &EmbeddingsResponse{
		Object: "list",
		Data:   items,
		Model:  requestedModel,
		Usage:  UsageOut{PromptTokens: estimatedTokens, TotalTokens: estimatedTokens},
	}
}
