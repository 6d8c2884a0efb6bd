package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// ServerReply is one chat completion the mock server answers with. Set
// ToolName to answer with a tool call instead of text.
type ServerReply struct {
	Content  string
	ToolName string
	ToolArgs string // JSON object text
}

// NewOpenAICompatibleServer starts a server answering POST
// /v1/chat/completions with replies in order, repeating the last one.
// The caller must Close it.
func NewOpenAICompatibleServer(replies ...ServerReply) *httptest.Server {
	if len(replies) == 0 {
		replies = []ServerReply{{Content: "mock response"}}
	}
	var (
		mu   sync.Mutex
		next int
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		mu.Lock()
		reply := replies[min(next, len(replies)-1)]
		next++
		mu.Unlock()

		msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply.Content}
		finish := openai.FinishReasonStop
		if reply.ToolName != "" {
			msg.ToolCalls = []openai.ToolCall{{
				ID:       "call_1",
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: reply.ToolName, Arguments: reply.ToolArgs},
			}}
			finish = openai.FinishReasonToolCalls
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:      "chatcmpl-test",
			Object:  "chat.completion",
			Model:   "gpt-4o-mini",
			Choices: []openai.ChatCompletionChoice{{Message: msg, FinishReason: finish}},
			Usage:   openai.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		})
	})
	return httptest.NewServer(handler)
}
