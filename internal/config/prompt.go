package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/codefionn/sshllm/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// PromptSource supplies the base system prompt for new sessions. When backed
// by a file, the file is watched and edits apply to sessions started after
// the change; running sessions keep the prompt they started with.
type PromptSource struct {
	mu      sync.RWMutex
	current string
	path    string

	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
	stopOnce  sync.Once
	reloaded  chan struct{}
}

// StaticPrompt returns a PromptSource that always yields prompt.
func StaticPrompt(prompt string) *PromptSource {
	return &PromptSource{current: prompt}
}

// NewPromptSource builds the prompt source described by cfg. With a prompt
// file configured the file must be readable at startup.
func NewPromptSource(cfg *Config) (*PromptSource, error) {
	if strings.TrimSpace(cfg.SystemPromptFile) == "" {
		return StaticPrompt(cfg.SystemPrompt), nil
	}

	absPath, err := filepath.Abs(cfg.SystemPromptFile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve system prompt file: %w", err)
	}

	ps := &PromptSource{
		path:      absPath,
		stopWatch: make(chan struct{}),
		reloaded:  make(chan struct{}, 1),
	}
	if err := ps.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Global().Warn("failed to create system prompt watcher, prompt edits need a restart: %v", err)
		return ps, nil
	}
	// Watch the directory: editors often replace the file instead of writing it.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		logger.Global().Warn("failed to watch %s: %v", filepath.Dir(absPath), err)
		watcher.Close()
		return ps, nil
	}
	ps.watcher = watcher
	go ps.watch()

	return ps, nil
}

// Current returns the prompt to use for a session starting now.
func (p *PromptSource) Current() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Close stops watching the prompt file.
func (p *PromptSource) Close() error {
	if p.watcher == nil {
		return nil
	}
	var err error
	p.stopOnce.Do(func() {
		close(p.stopWatch)
		err = p.watcher.Close()
	})
	return err
}

func (p *PromptSource) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read system prompt file: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return fmt.Errorf("system prompt file %s is empty", p.path)
	}

	p.mu.Lock()
	p.current = prompt
	p.mu.Unlock()
	return nil
}

func (p *PromptSource) watch() {
	for {
		select {
		case <-p.stopWatch:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := p.reload(); err != nil {
				// Keep serving the last good prompt.
				logger.Global().Warn("system prompt reload skipped: %v", err)
				continue
			}
			logger.Global().Info("system prompt reloaded from %s", p.path)
			select {
			case p.reloaded <- struct{}{}:
			default:
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			logger.Global().Error("system prompt watcher error: %v", err)
		}
	}
}
