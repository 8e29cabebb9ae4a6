package gemini

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// EmbedTexts embeds one or more texts, returning one vector per input in
// order. A single text uses embedContent; more go through the batch endpoint.
func (c *Client) EmbedTexts(ctx context.Context, rawKey, model string, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("gemini: no texts to embed")
	}
	if len(texts) == 1 {
		return c.embedSingle(ctx, rawKey, model, texts[0])
	}
	return c.embedBatch(ctx, rawKey, model, texts)
}

type embedContentRequest struct {
	Model   string  `json:"model"`
	Content Content `json:"content"`
}

func embedRequestFor(model, text string) embedContentRequest {
	return embedContentRequest{
		Model:   "models/" + model,
		Content: Content{Parts: []Part{{Text: text}}},
	}
}

func (c *Client) embedSingle(ctx context.Context, rawKey, model, text string) ([][]float64, error) {
	payload, err := json.Marshal(embedRequestFor(model, text))
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}
	body, err := c.post(ctx, embedTimeout, "models/"+model+":embedContent", rawKey, payload)
	if err != nil {
		return nil, err
	}
	vec := parseVector(gjson.GetBytes(body, "embedding.values"))
	if vec == nil {
		return nil, fmt.Errorf("gemini: embed response has no values")
	}
	return [][]float64{vec}, nil
}

func (c *Client) embedBatch(ctx context.Context, rawKey, model string, texts []string) ([][]float64, error) {
	requests := make([]embedContentRequest, len(texts))
	for i, t := range texts {
		requests[i] = embedRequestFor(model, t)
	}
	payload, err := json.Marshal(map[string]any{"requests": requests})
	if err != nil {
		return nil, fmt.Errorf("encode batch embed request: %w", err)
	}
	body, err := c.post(ctx, batchEmbedTimeout, "models/"+model+":batchEmbedContents", rawKey, payload)
	if err != nil {
		return nil, err
	}

	var vectors [][]float64
	gjson.GetBytes(body, "embeddings").ForEach(func(_, emb gjson.Result) bool {
		vectors = append(vectors, parseVector(emb.Get("values")))
		return true
	})
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("gemini: batch embed returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

func parseVector(values gjson.Result) []float64 {
	if !values.Exists() {
		return nil
	}
	var vec []float64
	values.ForEach(func(_, v gjson.Result) bool {
		vec = append(vec, v.Float())
		return true
	})
	return vec
}
