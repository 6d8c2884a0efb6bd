package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// embeddingServer answers /v1/embeddings with the given vectors in order.
func embeddingServer(t *testing.T, vectors [][]float32) (*EmbeddingRelevance, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Input, 2)
		assert.Equal(t, "text-embedding-3-small", req.Model)

		data := make([]map[string]interface{}, len(vectors))
		for i, v := range vectors {
			data[i] = map[string]interface{}{"object": "embedding", "index": i, "embedding": v}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "data": data, "model": req.Model})
	}))
	t.Cleanup(srv.Close)
	return NewEmbeddingRelevance("test-key", srv.URL+"/"), &calls
}

func TestEmbeddingRelevance(t *testing.T) {
	tests := []struct {
		name    string
		vectors [][]float32
		want    float64
		wantErr bool
	}{
		{"same direction", [][]float32{{1, 0}, {2, 0}}, 0, false},
		{"orthogonal", [][]float32{{1, 0}, {0, 1}}, 1, false},
		{"opposite clamps", [][]float32{{1, 0}, {-1, 0}}, 1, false},
		{"partial", [][]float32{{1, 1}, {1, 0}}, 1 - 1/1.4142135623730951, false},
		{"missing vector", [][]float32{{1, 0}}, 0, true},
		{"length mismatch", [][]float32{{1, 0}, {1, 0, 0}}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := embeddingServer(t, tt.vectors)
			got, err := c.Classify(context.Background(), "The sum is 22.", "Please add 7 and 15 for me")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestEmbeddingRelevance_NoPriorSkipsRequest(t *testing.T) {
	c, calls := embeddingServer(t, [][]float32{{1, 0}, {0, 1}})
	got, err := c.Classify(context.Background(), "anything", "  ")
	require.NoError(t, err)
	assert.Zero(t, got)
	assert.Zero(t, *calls)
}

func TestEmbeddingRelevance_TransportError(t *testing.T) {
	c := NewEmbeddingRelevance("test-key", "http://127.0.0.1:1")
	_, err := c.Classify(context.Background(), "answer", "question")
	assert.ErrorContains(t, err, "embeddings request")
}
