package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama serves /api/chat with handler and returns a provider aimed at it.
func fakeOllama(t *testing.T, handler http.HandlerFunc) *OllamaProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaProvider(srv.URL + "/")
}

func userTurn(model, text string) *Request {
	return &Request{Model: model, Messages: []Message{{Role: RoleUser, Content: text}}}
}

func TestOllamaProvider_Generate(t *testing.T) {
	ctx := context.Background()

	t.Run("plain reply", func(t *testing.T) {
		var sent ollamaChat
		p := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/chat", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
			writeJSON(w, ollamaReply{
				Message:    ollamaMsg{Role: "assistant", Content: "hi there"},
				PromptEval: 12,
				Eval:       4,
			})
		})

		req := userTurn("llama3.1:8b", "hello")
		req.MaxTokens = DefaultMaxTokens
		resp, err := p.Generate(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, "llama3.1:8b", sent.Model)
		assert.False(t, sent.Stream)
		require.NotNil(t, sent.Options)
		assert.Equal(t, DefaultMaxTokens, sent.Options.NumPredict)

		assert.Equal(t, "hi there", resp.Content)
		assert.Equal(t, "stop", resp.FinishReason)
		assert.Equal(t, 12, resp.InputTokens)
		assert.Equal(t, 4, resp.OutputTokens)
	})

	t.Run("tool calls in both argument encodings", func(t *testing.T) {
		var sent ollamaChat
		p := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
			_, _ = w.Write([]byte(`{"message":{"role":"assistant","tool_calls":[
				{"function":{"name":"add","arguments":{"a":1,"b":2}}},
				{"function":{"name":"calculate","arguments":"{\"expression\":\"2*3\"}"}}
			]}}`))
		})

		req := userTurn("llama3.1:8b", "add")
		req.Tools = []Tool{{Name: "add", Parameters: map[string]interface{}{"type": "object"}}}
		resp, err := p.Generate(ctx, req)
		require.NoError(t, err)

		require.Len(t, sent.Tools, 1)
		assert.Equal(t, "function", sent.Tools[0].Type)
		assert.Nil(t, sent.Options)

		require.Len(t, resp.ToolCalls, 2)
		assert.Equal(t, "tool_calls", resp.FinishReason)
		assert.Equal(t, map[string]interface{}{"a": 1.0, "b": 2.0}, resp.ToolCalls[0].Arguments)
		assert.Equal(t, "2*3", resp.ToolCalls[1].Arguments["expression"])
		assert.Equal(t, []string{"call_0", "call_1"}, []string{resp.ToolCalls[0].ID, resp.ToolCalls[1].ID})
	})

	t.Run("estimates tokens when counts are absent", func(t *testing.T) {
		p := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, ollamaReply{Message: ollamaMsg{Content: "twenty characters!!!"}})
		})

		resp, err := p.Generate(ctx, userTurn("llama3.1:8b", "Hello, world!"))
		require.NoError(t, err)
		assert.Equal(t, 3, resp.InputTokens)
		assert.Equal(t, 5, resp.OutputTokens)
	})
}

func TestOllamaProvider_GenerateErrors(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantErr  error
		contains string
	}{
		{
			name: "non-2xx status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":"model 'missing' not found"}`))
			},
			wantErr:  ErrUnavailable,
			contains: "model 'missing' not found",
		},
		{
			name: "garbled body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{not json`))
			},
			wantErr:  ErrMalformedResponse,
			contains: "decoding ollama reply",
		},
		{
			name: "unparseable tool arguments",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"message":{"tool_calls":[{"function":{"name":"add","arguments":"{oops"}}]}}`))
			},
			wantErr:  ErrMalformedResponse,
			contains: "ollama tool call add",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := fakeOllama(t, tt.handler).Generate(context.Background(), userTurn("m", "hi"))
			assert.Nil(t, resp)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}

	t.Run("connection refused", func(t *testing.T) {
		resp, err := NewOllamaProvider("http://127.0.0.1:1").Generate(context.Background(), userTurn("m", "hi"))
		assert.Nil(t, resp)
		require.ErrorIs(t, err, ErrUnavailable)
		assert.Contains(t, err.Error(), "ollama chat")
	})
}

func TestNewOllamaProvider(t *testing.T) {
	assert.Equal(t, defaultOllamaURL, NewOllamaProvider("").baseURL)
	assert.Equal(t, "http://ollama:11434", NewOllamaProvider("http://ollama:11434/").baseURL)
}
