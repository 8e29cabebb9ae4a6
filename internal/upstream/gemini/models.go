package gemini

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"hydra-go/internal/catalog"
)

const (
	listRetries      = 3
	probeConcurrency = 4
)

// ListModels fetches the model names a key can access, stripped of the
// "models/" prefix. Retries transient failures with a short backoff.
func (c *Client) ListModels(ctx context.Context, rawKey string) ([]string, error) {
	query := url.Values{"pageSize": {"1000"}}

	var lastErr error
	for attempt := 0; attempt < listRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		body, err := c.get(ctx, listTimeout, "models", rawKey, query)
		if err != nil {
			lastErr = err
			if IsInvalidKey(err) {
				return nil, err
			}
			continue
		}

		var names []string
		gjson.GetBytes(body, "models.#.name").ForEach(func(_, name gjson.Result) bool {
			names = append(names, strings.TrimPrefix(name.String(), "models/"))
			return true
		})
		return names, nil
	}
	return nil, lastErr
}

// DetectModels determines which catalog models a key can actually use. The
// model list is authoritative when available; if listing keeps failing, each
// catalog model is probed with a one-token generate call instead.
func (c *Client) DetectModels(ctx context.Context, rawKey string) ([]string, error) {
	names, err := c.ListModels(ctx, rawKey)
	if err == nil {
		available := make(map[string]struct{}, len(names))
		for _, n := range names {
			available[n] = struct{}{}
		}
		var supported []string
		for _, id := range catalog.AllModels {
			if _, ok := available[id]; ok {
				supported = append(supported, id)
			}
		}
		return supported, nil
	}
	if IsInvalidKey(err) {
		return nil, err
	}

	log.WithError(err).Warn("model listing failed, probing catalog models individually")
	results := make([]bool, len(catalog.AllModels))
	sem := make(chan struct{}, probeConcurrency)
	var wg sync.WaitGroup
	for i, id := range catalog.AllModels {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = c.probeModel(ctx, rawKey, id)
		}(i, id)
	}
	wg.Wait()

	var supported []string
	for i, id := range catalog.AllModels {
		if results[i] {
			supported = append(supported, id)
		}
	}
	return supported, nil
}

// probeModel fires a minimal request to check a key's access to one model.
// Rate-limit answers count as access: the model exists for this key.
func (c *Client) probeModel(ctx context.Context, rawKey, model string) bool {
	if model == catalog.GeminiEmbedding {
		_, err := c.EmbedTexts(ctx, rawKey, model, []string{"hi"})
		return err == nil || IsRateLimited(err)
	}

	one := 1
	req := &GenerateRequest{
		Model:           model,
		Contents:        []Content{{Role: "user", Parts: []Part{{Text: "hi"}}}},
		MaxOutputTokens: &one,
	}
	_, err := c.Generate(ctx, rawKey, req)
	return err == nil || IsRateLimited(err)
}
