package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/sshllm/internal/logger"
	"github.com/codefionn/sshllm/internal/securemem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string, key *securemem.String) *Client {
	return NewClient(Config{
		BaseURL:           baseURL,
		Model:             "test-model",
		APIKey:            key,
		FirstChunkTimeout: 2 * time.Second,
		ChunkTimeout:      2 * time.Second,
		Logger:            logger.NewWithWriter(logger.LevelNone, &bytes.Buffer{}, "llm"),
	})
}

func collect(s Stream) ([]string, error) {
	defer s.Close()
	var chunks []string
	for s.Next() {
		chunks = append(chunks, s.Chunk())
	}
	return chunks, s.Err()
}

func TestCompleteStreamsChunks(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		startSSE(w)
		writeSSE(w,
			sseChunk(t, ""),
			sseChunk(t, "Hi"),
			sseChunk(t, " there!"),
			"data: [DONE]\n\n",
		)
	}))
	defer server.Close()

	key := securemem.NewString("sk-test")
	defer key.Destroy()
	client := newTestClient(server.URL+"/v1/", key)

	chunks, err := collect(client.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "be nice"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hey"},
		{Role: RoleUser, Content: "again"},
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", " there!"}, chunks)
	assert.Equal(t, "Hi there!", strings.Join(chunks, ""))

	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "test-model", gotBody["model"])
	assert.Equal(t, true, gotBody["stream"])
	_, hasTemperature := gotBody["temperature"]
	assert.False(t, hasTemperature)

	messages, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 4)
	var roles []string
	for _, m := range messages {
		roles = append(roles, m.(map[string]any)["role"].(string))
	}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
	assert.Equal(t, "hello", messages[1].(map[string]any)["content"])
}

func TestCompleteWithoutKeySendsNoAuthorization(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "from-environment")

	gotAuth := "unset"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		startSSE(w)
		writeSSE(w, sseChunk(t, "ok"), "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	chunks, err := collect(client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, chunks)
	assert.Empty(t, gotAuth)
}

func TestCompleteTemperature(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		startSSE(w)
		writeSSE(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:     server.URL,
		Model:       "m",
		Temperature: 0.5,
		Logger:      logger.NewWithWriter(logger.LevelNone, &bytes.Buffer{}, "llm"),
	})
	chunks, err := collect(client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}))
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Equal(t, 0.5, gotBody["temperature"])
}

func TestCompleteEndpointError(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "model is loading\n")
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	chunks, err := collect(client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}))
	assert.Empty(t, chunks)

	var endpointErr *EndpointError
	require.ErrorAs(t, err, &endpointErr)
	assert.Equal(t, http.StatusServiceUnavailable, endpointErr.Status)
	assert.Equal(t, "model is loading", endpointErr.Body)
	assert.Equal(t, 1, calls, "requests are never retried")
}

func TestCompleteFirstChunkTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(Config{
		BaseURL:           server.URL,
		Model:             "m",
		FirstChunkTimeout: 50 * time.Millisecond,
		Logger:            logger.NewWithWriter(logger.LevelNone, &bytes.Buffer{}, "llm"),
	})

	start := time.Now()
	chunks, err := collect(client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "ping"}}))
	assert.Empty(t, chunks)
	assert.ErrorIs(t, err, ErrEndpointTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCompleteChunkTimeoutAfterPartialOutput(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startSSE(w)
		writeSSE(w, sseChunk(t, "Once"))
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(Config{
		BaseURL:           server.URL,
		Model:             "m",
		FirstChunkTimeout: 2 * time.Second,
		ChunkTimeout:      50 * time.Millisecond,
		Logger:            logger.NewWithWriter(logger.LevelNone, &bytes.Buffer{}, "llm"),
	})

	chunks, err := collect(client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "story"}}))
	assert.Equal(t, []string{"Once"}, chunks)
	assert.ErrorIs(t, err, ErrEndpointTimeout)
}

func TestCompleteStreamInterrupted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("hijacking not supported")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()

		event := sseChunk(t, "Hi")
		fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nContent-Length: %d\r\n\r\n", len(event)+1000)
		buf.WriteString(event)
		buf.Flush()
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	chunks, err := collect(client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}))
	assert.Equal(t, []string{"Hi"}, chunks)
	assert.ErrorIs(t, err, ErrStreamInterrupted)
}

func TestCompleteStreamEndsWithoutTerminator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startSSE(w)
		writeSSE(w, sseChunk(t, "Partial answ"))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	chunks, err := collect(client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}))
	assert.Equal(t, []string{"Partial answ"}, chunks)
	assert.ErrorIs(t, err, ErrStreamInterrupted)
}

func TestCompleteFinishReasonWithoutDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startSSE(w)
		writeSSE(w, sseChunk(t, "All"), sseChunk(t, " done"), sseFinish(t, "stop"))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	chunks, err := collect(client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"All", " done"}, chunks)
}

func TestCompleteDoneSplitAcrossWrites(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startSSE(w)
		writeSSE(w, sseChunk(t, "ok"), "data: [DO", "NE]\n\n")
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	chunks, err := collect(client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, chunks)
}

func TestCompleteDoneInsideContentIsNotTerminator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startSSE(w)
		writeSSE(w, sseChunk(t, "print(\"\ndata: [DONE]\")"))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	_, err := collect(client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}))
	assert.ErrorIs(t, err, ErrStreamInterrupted)
}

func TestCompleteEndpointUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := newTestClient("http://"+addr+"/v1", nil)
	chunks, err := collect(client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}))
	assert.Empty(t, chunks)
	assert.ErrorIs(t, err, ErrEndpointUnreachable)
}

func TestCompleteCanceledByCaller(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startSSE(w)
		writeSSE(w, sseChunk(t, "partial"))
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(server.URL, nil)
	stream := client.Complete(ctx, []Message{{Role: RoleUser, Content: "hi"}})
	defer stream.Close()

	require.True(t, stream.Next())
	assert.Equal(t, "partial", stream.Chunk())
	<-started
	cancel()

	assert.False(t, stream.Next())
	assert.True(t, errors.Is(stream.Err(), context.Canceled))
	assert.False(t, stream.Next(), "stream is not restartable")
}
