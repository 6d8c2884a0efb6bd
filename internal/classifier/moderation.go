package classifier

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// ModerationClassifier scores text with the OpenAI moderation endpoint.
// The score is the highest category score in the first result.
type ModerationClassifier struct {
	client *openai.Client
	model  string
}

// NewModerationClassifier creates a moderation-backed toxicity classifier.
// baseURL may be empty for the public API.
func NewModerationClassifier(apiKey, baseURL string) *ModerationClassifier {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL + "/v1"
	}
	return &ModerationClassifier{client: openai.NewClientWithConfig(cfg), model: "omni-moderation-latest"}
}

// Name implements Classifier.
func (c *ModerationClassifier) Name() string { return "moderation" }

// Classify calls the moderation API. Transport and API errors are returned
// unchanged so the calling scanner can record a fault.
func (c *ModerationClassifier) Classify(ctx context.Context, text, _ string) (float64, error) {
	ctx, span := tracer.Start(ctx, "classifier.moderation")
	defer span.End()

	resp, err := c.client.Moderations(ctx, openai.ModerationRequest{Input: text, Model: c.model})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("moderation request: %w", err)
	}
	if len(resp.Results) == 0 {
		return 0, fmt.Errorf("moderation response has no results")
	}
	scores, err := categoryScores(resp.Results[0].CategoryScores)
	if err != nil {
		return 0, err
	}
	top := 0.0
	for _, s := range scores {
		if s > top {
			top = s
		}
	}
	if resp.Results[0].Flagged && top < 0.5 {
		top = 0.5
	}
	spanAttrs(span, c.Name(), top)
	return top, nil
}

// categoryScores flattens the SDK's category struct without depending on its
// field set, which changes between SDK versions.
func categoryScores(v interface{}) (map[string]float64, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding moderation scores: %w", err)
	}
	var out map[string]float64
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding moderation scores: %w", err)
	}
	return out, nil
}
