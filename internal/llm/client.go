// Package llm streams chat completions from an OpenAI-compatible endpoint.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codefionn/sshllm/internal/logger"
	"github.com/codefionn/sshllm/internal/securemem"
	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

// doneMarkers are the SSE terminator as it appears on the wire. JSON escapes
// newlines, so they cannot match inside a chunk's content.
var doneMarkers = [][]byte{[]byte("\ndata: [DONE]"), []byte("\ndata:[DONE]")}

// Config configures a Client.
type Config struct {
	BaseURL string
	Model   string
	// APIKey may be nil or empty, in which case no Authorization header is sent.
	APIKey      *securemem.String
	Temperature float64 // 0 leaves the server default
	// FirstChunkTimeout bounds the wait for the first chunk, ChunkTimeout
	// the wait between later chunks. Zero disables the respective timer.
	FirstChunkTimeout time.Duration
	ChunkTimeout      time.Duration
	HTTPClient        *http.Client
	Logger            *logger.Logger
}

// Client talks to one endpoint with one model. It is safe for concurrent use.
type Client struct {
	api          openai.Client
	apiKey       *securemem.String
	model        string
	temperature  float64
	firstTimeout time.Duration
	chunkTimeout time.Duration
	log          *logger.Logger
}

// NewClient builds a client. Requests are never retried.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No overall timeout: streams are bounded by the chunk timers.
		httpClient = &http.Client{}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global().WithPrefix("llm")
	}

	api := openai.NewClient(
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	return &Client{
		api:          api,
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		firstTimeout: cfg.FirstChunkTimeout,
		chunkTimeout: cfg.ChunkTimeout,
		log:          log,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// Complete submits messages and returns the response as a chunk stream. The
// request runs until the stream ends, ctx is canceled, or Close is called.
func (c *Client) Complete(ctx context.Context, messages []Message) Stream {
	reqCtx, cancel := context.WithCancel(ctx)
	s := &ChunkStream{
		parent:       ctx,
		ctx:          reqCtx,
		cancel:       cancel,
		events:       make(chan string),
		firstTimeout: c.firstTimeout,
		chunkTimeout: c.chunkTimeout,
	}

	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: toParams(messages),
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}

	opts := []option.RequestOption{
		c.authOption(),
		option.WithMiddleware(s.observeResponse),
	}

	c.log.Debug("Complete: model=%s messages=%d", c.model, len(messages))
	go s.run(func() completionStream {
		return c.api.Chat.Completions.NewStreaming(reqCtx, params, opts...)
	})
	return s
}

// authOption reads the key from locked memory for each request. Without a
// key the header is removed so OPENAI_API_KEY from the environment is ignored.
func (c *Client) authOption() option.RequestOption {
	var key string
	if c.apiKey != nil {
		key = c.apiKey.String()
	}
	if key == "" {
		return option.WithHeaderDel("authorization")
	}
	return option.WithAPIKey(key)
}

func toParams(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// ChunkStream is the Stream returned by Client.Complete.
type ChunkStream struct {
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	// events carries every decoded chunk; empty strings are keep-alives
	// (role-only or reasoning deltas) that reset the timer.
	events  chan string
	readErr error // set by run before events is closed

	responded atomic.Bool
	// terminated is set once [DONE] went through the response body, and
	// finished (written by run before events is closed) once a chunk carried
	// a finish_reason. A stream ending with neither was cut off.
	terminated atomic.Bool
	finished   bool

	firstTimeout time.Duration
	chunkTimeout time.Duration

	cur    string
	chunks int
	err    error
	done   bool
}

func (s *ChunkStream) observeResponse(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	res, err := next(req)
	if err != nil {
		return nil, err
	}
	s.responded.Store(true)
	if res.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		res.Body.Close()
		return nil, &EndpointError{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	res.Body = &terminatorReader{ReadCloser: res.Body, tail: []byte("\n"), seen: &s.terminated}
	return res, nil
}

// terminatorReader notes whether the [DONE] event passed through a body.
type terminatorReader struct {
	io.ReadCloser
	tail []byte
	seen *atomic.Bool
}

func (r *terminatorReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 && !r.seen.Load() {
		buf := append(r.tail, p[:n]...)
		for _, marker := range doneMarkers {
			if bytes.Contains(buf, marker) {
				r.seen.Store(true)
			}
		}
		keep := len(doneMarkers[0]) - 1
		if len(buf) > keep {
			buf = buf[len(buf)-keep:]
		}
		r.tail = append([]byte(nil), buf...)
	}
	return n, err
}

type completionStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

func (s *ChunkStream) run(open func() completionStream) {
	defer close(s.events)

	// The request itself happens here so that waiting for response headers
	// counts against the first-chunk timeout.
	stream := open()
	defer stream.Close()

	for stream.Next() {
		var text string
		if chunk := stream.Current(); len(chunk.Choices) > 0 {
			text = chunk.Choices[0].Delta.Content
			if chunk.Choices[0].FinishReason != "" {
				s.finished = true
			}
		}
		select {
		case s.events <- text:
		case <-s.ctx.Done():
			return
		}
	}
	s.readErr = stream.Err()
}

// Next implements Stream.
func (s *ChunkStream) Next() bool {
	if s.done {
		return false
	}

	timeout := s.chunkTimeout
	if s.chunks == 0 {
		timeout = s.firstTimeout
	}
	var expired <-chan time.Time
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case text, ok := <-s.events:
			if !ok {
				s.finish()
				return false
			}
			if text == "" {
				if timer != nil {
					timer.Reset(timeout)
				}
				continue
			}
			s.cur = text
			s.chunks++
			return true
		case <-expired:
			s.fail(ErrEndpointTimeout)
			return false
		case <-s.parent.Done():
			s.fail(s.parent.Err())
			return false
		}
	}
}

// Chunk implements Stream.
func (s *ChunkStream) Chunk() string {
	return s.cur
}

// Err implements Stream.
func (s *ChunkStream) Err() error {
	return s.err
}

// Close implements Stream.
func (s *ChunkStream) Close() error {
	s.cancel()
	s.done = true
	return nil
}

func (s *ChunkStream) fail(err error) {
	s.err = err
	s.done = true
	s.cur = ""
	s.cancel()
}

func (s *ChunkStream) finish() {
	s.done = true
	s.cur = ""
	err := s.readErr
	if err == nil {
		if s.finished || s.terminated.Load() {
			return
		}
		err = errors.New("stream ended without a finish reason")
	}
	s.err = classify(err, s.parent, s.responded.Load())
	s.cancel()
}

// classify maps a transport or decode failure onto the package's errors.
func classify(err error, parent context.Context, responded bool) error {
	if parent.Err() != nil {
		return parent.Err()
	}

	var endpointErr *EndpointError
	if errors.As(err, &endpointErr) {
		return endpointErr
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &EndpointError{Status: apiErr.StatusCode, Body: apiErr.RawJSON()}
	}

	if !responded {
		return fmt.Errorf("%w: %v", ErrEndpointUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
}
