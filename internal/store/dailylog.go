package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	logPrefix  = "chat_"
	logSuffix  = ".log"
	dateLayout = "2006-01-02"
)

// ContextMode selects which daily logs seed a new session.
type ContextMode string

const (
	// LatestDay uses today's log, or the most recent earlier log.
	LatestDay ContextMode = "latest-day"
	// Today uses today's log only.
	Today ContextMode = "today"
)

// Policy bounds the turns returned by LoadRecentContext.
type Policy struct {
	Mode ContextMode
	// MaxTurns keeps only the most recent turns; 0 means no cap.
	MaxTurns int
	// IncludeIncomplete returns turns tagged incomplete. They are excluded by default.
	IncludeIncomplete bool
}

// entry is the on-disk form of a Turn.
type entry struct {
	TS         time.Time `json:"ts"`
	Role       Role      `json:"role"`
	Text       string    `json:"text"`
	Incomplete bool      `json:"incomplete,omitempty"`
}

func encodeTurn(t Turn) ([]byte, error) {
	line, err := json.Marshal(entry{
		TS:         t.Time,
		Role:       t.Role,
		Text:       t.Text,
		Incomplete: t.Incomplete,
	})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

func decodeTurn(line []byte) (Turn, error) {
	var e entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Turn{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if !e.Role.Valid() || e.TS.IsZero() {
		return Turn{}, fmt.Errorf("%w: missing role or timestamp", ErrMalformedEntry)
	}
	return Turn{Time: e.TS, Role: e.Role, Text: e.Text, Incomplete: e.Incomplete}, nil
}

func logName(day time.Time) string {
	return logPrefix + day.Format(dateLayout) + logSuffix
}

// Append writes one turn to today's log. The turn is written with a single
// write call while holding the identity's lock, so concurrent sessions never
// interleave partial lines. A zero Time is replaced with the current time,
// and timestamps are clamped so they never go backwards within a file.
func (h *Handle) Append(turn Turn) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if !turn.Role.Valid() {
		return fmt.Errorf("store: invalid role %q", turn.Role)
	}

	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()

	now := h.store.now()
	name := logName(now)
	path := filepath.Join(h.dir, name)

	if turn.Time.IsZero() {
		turn.Time = now
	}
	if last, ok := h.entry.lastWrite[name]; ok && turn.Time.UnixNano() < last {
		turn.Time = time.Unix(0, last).In(turn.Time.Location())
	}

	line, err := encodeTurn(turn)
	if err != nil {
		return fmt.Errorf("store: encoding turn: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return &IOError{Op: "open", Path: path, Err: err}
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return &IOError{Op: "append", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &IOError{Op: "close", Path: path, Err: err}
	}

	h.entry.lastWrite[name] = turn.Time.UnixNano()
	return nil
}

// LoadRecentContext returns persisted turns in file order according to
// policy. A missing log yields an empty slice. Malformed lines are skipped.
func (h *Handle) LoadRecentContext(policy Policy) ([]Turn, error) {
	return h.store.loadRecent(h.dir, policy)
}

func (s *Store) loadRecent(dir string, policy Policy) ([]Turn, error) {
	path, err := s.pickLog(dir, policy.Mode)
	if err != nil || path == "" {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}

	turns, skipped := parseLog(data, policy.IncludeIncomplete)
	if skipped > 0 {
		s.log.Debug("loadRecent: skipped %d malformed lines in %s", skipped, path)
	}
	if policy.MaxTurns > 0 && len(turns) > policy.MaxTurns {
		turns = turns[len(turns)-policy.MaxTurns:]
	}
	return turns, nil
}

// parseLog decodes complete lines only. A trailing line without a newline
// is being written by another session and is ignored.
func parseLog(data []byte, includeIncomplete bool) ([]Turn, int) {
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i+1]
	} else {
		return nil, 0
	}

	var (
		turns   []Turn
		skipped int
	)
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		turn, err := decodeTurn(line)
		if err != nil {
			skipped++
			continue
		}
		if turn.Incomplete && !includeIncomplete {
			continue
		}
		turns = append(turns, turn)
	}
	return turns, skipped
}

// pickLog returns the log file selected by mode, or "" when there is none.
func (s *Store) pickLog(dir string, mode ContextMode) (string, error) {
	today := s.now().Format(dateLayout)

	switch mode {
	case Today:
		return filepath.Join(dir, logPrefix+today+logSuffix), nil
	case LatestDay, "":
	default:
		return "", fmt.Errorf("store: unknown context mode %q", mode)
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", &IOError{Op: "readdir", Path: dir, Err: err}
	}

	var days []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		day, ok := logDay(e.Name())
		if !ok || day > today {
			continue
		}
		days = append(days, day)
	}
	if len(days) == 0 {
		return "", nil
	}
	sort.Strings(days)
	return filepath.Join(dir, logPrefix+days[len(days)-1]+logSuffix), nil
}

// logDay extracts the date from a daily log file name.
func logDay(name string) (string, bool) {
	if !strings.HasPrefix(name, logPrefix) || !strings.HasSuffix(name, logSuffix) {
		return "", false
	}
	day := strings.TrimSuffix(strings.TrimPrefix(name, logPrefix), logSuffix)
	if _, err := time.Parse(dateLayout, day); err != nil {
		return "", false
	}
	return day, true
}

// LogDays lists the dates that have a daily log for dir, oldest first.
func (s *Store) LogDays(dir string) ([]string, error) {
	path := filepath.Join(s.root, dir)
	entries, err := os.ReadDir(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Op: "readdir", Path: path, Err: err}
	}
	var days []string
	for _, e := range entries {
		if day, ok := logDay(e.Name()); ok && !e.IsDir() {
			days = append(days, day)
		}
	}
	sort.Strings(days)
	return days, nil
}
