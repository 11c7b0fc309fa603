package consts

import "time"

// Conversation limits
const (
	// DefaultContextTurns is how many persisted turns are replayed into a new session
	DefaultContextTurns = 20
	// DefaultHistoryTurns caps the in-memory session history (system prompt excluded)
	DefaultHistoryTurns = 40
	// MaxDisplayNameLength bounds the /name argument
	MaxDisplayNameLength = 64
	// DefaultTerminalWidth is assumed until the client sends a pty-req
	DefaultTerminalWidth = 80
)

// Server defaults
const (
	// DefaultPort is the SSH listen port
	DefaultPort = 2222
	// DefaultMaxConnections bounds concurrently served connections
	DefaultMaxConnections = 64
)

// Timeouts for various operations
const (
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout30Seconds is a 30 second timeout
	Timeout30Seconds = 30 * time.Second
	// Timeout60Seconds is a 60 second timeout (1 minute)
	Timeout60Seconds = 60 * time.Second
	// DefaultChunkTimeout bounds the wait for each streamed chunk
	DefaultChunkTimeout = Timeout60Seconds
	// HandshakeTimeout bounds the SSH key exchange and authentication
	HandshakeTimeout = Timeout30Seconds
	// ShutdownGrace is how long Stop waits for sessions to drain
	ShutdownGrace = Timeout5Seconds
)
