package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const summaryFile = "summary.txt"

// Profile is the persisted per-identity record.
type Profile struct {
	DisplayName  string
	FirstSeen    time.Time
	LastSeen     time.Time
	SessionCount int
}

// readProfile parses a summary file. Unknown keys and unparsable values are
// ignored so a hand-edited file never blocks a session.
func readProfile(path string) (Profile, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, &IOError{Op: "read", Path: path, Err: err}
	}
	return parseProfile(data), true, nil
}

func parseProfile(data []byte) Profile {
	var p Profile
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "name":
			p.DisplayName = value
		case "first_seen":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				p.FirstSeen = t
			}
		case "last_seen":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				p.LastSeen = t
			}
		case "total_sessions":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				p.SessionCount = n
			}
		}
	}
	return p
}

func formatProfile(p Profile) []byte {
	var b bytes.Buffer
	if p.DisplayName != "" {
		fmt.Fprintf(&b, "name: %s\n", p.DisplayName)
	}
	if !p.FirstSeen.IsZero() {
		fmt.Fprintf(&b, "first_seen: %s\n", p.FirstSeen.Format(time.RFC3339))
	}
	if !p.LastSeen.IsZero() {
		fmt.Fprintf(&b, "last_seen: %s\n", p.LastSeen.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "total_sessions: %d\n", p.SessionCount)
	return b.Bytes()
}

// writeProfile replaces the summary atomically (temp file + rename).
func writeProfile(path string, p Profile) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+summaryFile+".*.tmp")
	if err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(formatProfile(p)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// ReadProfile returns the stored profile for an identity directory without
// counting a session. found is false when the identity has never connected.
func (s *Store) ReadProfile(dir string) (profile Profile, found bool, err error) {
	return readProfile(filepath.Join(s.root, dir, summaryFile))
}
