package llm

import "context"

// Role of a chat message as understood by chat-completion endpoints.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a chat message
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Completer starts one streamed completion per call. Implementations must
// stop producing chunks when ctx is canceled.
type Completer interface {
	Complete(ctx context.Context, messages []Message) Stream
}

// Stream is a lazy, finite, non-restartable sequence of text chunks.
//
//	for s.Next() {
//		fmt.Print(s.Chunk())
//	}
//	if err := s.Err(); err != nil {
//		...
//	}
//	s.Close()
type Stream interface {
	// Next waits for the next chunk. It returns false at the end of the
	// response or on failure.
	Next() bool
	// Chunk returns the chunk made available by the last call to Next.
	Chunk() string
	// Err returns the failure that ended the stream, or nil on a clean end.
	Err() error
	// Close cancels the request if it is still running.
	Close() error
}
