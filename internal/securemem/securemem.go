// Package securemem keeps secrets such as the completion API key in
// memguard-locked memory so they stay out of swap and core dumps.
package securemem

import (
	"github.com/awnumar/memguard"
)

// String is a secret stored in encrypted, locked memory.
type String struct {
	buf     *memguard.LockedBuffer
	invalid bool
}

// NewString moves plaintext into locked memory.
func NewString(plaintext string) *String {
	if plaintext == "" {
		return &String{}
	}
	return &String{
		buf: memguard.NewBufferFromBytes([]byte(plaintext)),
	}
}

// String returns the plaintext value.
// The returned copy lives in regular memory; keep its lifetime short.
func (s *String) String() string {
	if s == nil || s.invalid || s.buf == nil {
		return ""
	}
	return string(s.buf.Bytes())
}

// IsEmpty returns true if the string is empty or destroyed.
func (s *String) IsEmpty() bool {
	if s == nil || s.invalid || s.buf == nil {
		return true
	}
	return len(s.buf.Bytes()) == 0
}

// WithValue runs fn with the plaintext value. fn must not retain it.
func (s *String) WithValue(fn func(string)) {
	if s == nil || s.invalid || s.buf == nil {
		fn("")
		return
	}
	fn(string(s.buf.Bytes()))
}

// Destroy wipes the secret. The String reads as empty afterwards.
func (s *String) Destroy() {
	if s == nil || s.invalid {
		return
	}
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
	s.invalid = true
}

// Purge wipes every locked buffer in the process. Called once on shutdown.
func Purge() {
	memguard.Purge()
}
