// Package hostkey loads the server's long-term SSH host key, generating and
// persisting an ed25519 key on first start.
package hostkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// ErrCorruptHostKey is returned when a key file exists but cannot be parsed.
// The file is never replaced.
var ErrCorruptHostKey = errors.New("host key file is corrupt")

const keyComment = "sshllm host key"

// LoadOrCreate returns the signer stored at path. If no file exists, a new
// ed25519 key is generated, written with mode 0600 (creating parent
// directories) and returned. created reports whether generation happened.
func LoadOrCreate(path string) (signer ssh.Signer, created bool, err error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %s: %v", ErrCorruptHostKey, path, err)
		}
		return signer, false, nil
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, false, fmt.Errorf("reading host key %s: %w", path, err)
	}

	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("generating host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(private, keyComment)
	if err != nil {
		return nil, false, fmt.Errorf("encoding host key: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("creating host key directory %s: %w", dir, err)
		}
	}
	if err := writeKey(path, block); err != nil {
		return nil, false, err
	}

	signer, err = ssh.NewSignerFromKey(private)
	if err != nil {
		return nil, false, fmt.Errorf("creating signer: %w", err)
	}
	return signer, true, nil
}

// writeKey stores block at path through a temporary file in the same
// directory, so a crash never leaves a truncated key behind.
func writeKey(path string, block *pem.Block) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("writing host key %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing host key %s: %w", path, err)
	}

	if err := tmp.Chmod(0o600); err != nil {
		return fail(err)
	}
	if err := pem.Encode(tmp, block); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing host key %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing host key %s: %w", path, err)
	}
	return nil
}

// Fingerprint returns the SHA256 fingerprint of the signer's public key in
// the format printed by ssh-keygen -l.
func Fingerprint(signer ssh.Signer) string {
	return ssh.FingerprintSHA256(signer.PublicKey())
}
