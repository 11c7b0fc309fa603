package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
)

// sseChunk renders one chat.completion.chunk event carrying content.
func sseChunk(t *testing.T, content string) string {
	t.Helper()
	return sseEvent(t, content, nil)
}

// sseFinish renders the last chunk of a response, which names why it stopped.
func sseFinish(t *testing.T, reason string) string {
	t.Helper()
	return sseEvent(t, "", reason)
}

func sseEvent(t *testing.T, content string, finishReason any) string {
	t.Helper()
	payload := map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion.chunk",
		"created": 1700000000,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{"content": content},
			"finish_reason": finishReason,
		}},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal chunk: %v", err)
	}
	return fmt.Sprintf("data: %s\n\n", data)
}

func writeSSE(w http.ResponseWriter, events ...string) {
	flusher, _ := w.(http.Flusher)
	for _, ev := range events {
		fmt.Fprint(w, ev)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}
