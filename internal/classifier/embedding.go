package classifier

import (
	"context"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// EmbeddingRelevance scores how unrelated an output is to its prior context
// by comparing OpenAI embeddings of both. The score is 1 - cosine
// similarity, clamped to [0,1].
type EmbeddingRelevance struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewEmbeddingRelevance creates an embeddings-backed relevance classifier.
// baseURL may be empty for the public API.
func NewEmbeddingRelevance(apiKey, baseURL string) *EmbeddingRelevance {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	}
	return &EmbeddingRelevance{client: openai.NewClientWithConfig(cfg), model: openai.SmallEmbedding3}
}

// Name implements Classifier.
func (c *EmbeddingRelevance) Name() string { return "relevance_embeddings" }

// Classify embeds text and prior in one request. With no prior there is
// nothing to be irrelevant to, so the score is 0.
func (c *EmbeddingRelevance) Classify(ctx context.Context, text, prior string) (float64, error) {
	if strings.TrimSpace(prior) == "" || strings.TrimSpace(text) == "" {
		return 0, nil
	}
	ctx, span := tracer.Start(ctx, "classifier.embeddings")
	defer span.End()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text, prior},
		Model: c.model,
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("embeddings request: %w", err)
	}
	vecs := make([][]float32, 2)
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	if len(vecs[0]) == 0 || len(vecs[0]) != len(vecs[1]) {
		return 0, fmt.Errorf("embeddings response: want two vectors of equal length, got %d items", len(resp.Data))
	}

	score := math.Max(0, math.Min(1, 1-denseCosine(vecs[0], vecs[1])))
	spanAttrs(span, c.Name(), score)
	return score, nil
}

func denseCosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
