package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/codefionn/sshllm/internal/command"
	"github.com/codefionn/sshllm/internal/config"
	"github.com/codefionn/sshllm/internal/consts"
	"github.com/codefionn/sshllm/internal/hostkey"
	"github.com/codefionn/sshllm/internal/llm"
	"github.com/codefionn/sshllm/internal/lockfile"
	"github.com/codefionn/sshllm/internal/logger"
	"github.com/codefionn/sshllm/internal/securemem"
	"github.com/codefionn/sshllm/internal/server"
	"github.com/codefionn/sshllm/internal/session"
	"github.com/codefionn/sshllm/internal/status"
	"github.com/codefionn/sshllm/internal/store"
	"golang.org/x/sync/errgroup"
)

const lockFileName = ".sshllm.lock"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args, os.LookupEnv, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Global().Close()
	}()
	log := logger.Global().WithPrefix("main")

	if err := os.MkdirAll(cfg.LogsDir, 0700); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	lock := lockfile.New(filepath.Join(cfg.LogsDir, lockFileName), "sshllm "+cfg.ListenAddr())
	if err := lock.TryAcquire(); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("failed to release lock: %v", err)
		}
	}()

	signer, created, err := hostkey.LoadOrCreate(cfg.HostKeyPath)
	if err != nil {
		return err
	}
	if created {
		log.Info("Generated new host key %s", cfg.HostKeyPath)
	}
	log.Info("Host key fingerprint: %s", hostkey.Fingerprint(signer))

	apiKey := securemem.NewString(cfg.APIKey)
	cfg.APIKey = ""
	defer securemem.Purge()
	defer apiKey.Destroy()

	prompts, err := config.NewPromptSource(cfg)
	if err != nil {
		return err
	}
	defer prompts.Close()

	client := llm.NewClient(llm.Config{
		BaseURL:           cfg.APIBaseURL,
		Model:             cfg.Model,
		APIKey:            apiKey,
		Temperature:       cfg.Temperature,
		FirstChunkTimeout: cfg.FirstChunkTimeout(),
		ChunkTimeout:      cfg.ChunkTimeout(),
	})
	conversations := store.New(cfg.LogsDir)

	srv, err := server.New(server.Config{
		HostKey:        signer,
		MaxConnections: cfg.MaxConnections,
		Session: session.Options{
			Open:         session.StoreOpener(conversations),
			Completer:    client,
			Router:       command.NewRouter(),
			SystemPrompt: prompts.Current,
			Model:        cfg.Model,
			Context: store.Policy{
				Mode:              store.ContextMode(cfg.Context.Mode),
				MaxTurns:          cfg.Context.MaxTurns,
				IncludeIncomplete: cfg.Context.IncludeIncomplete,
			},
			HistoryTurns:  cfg.History.MaxTurns,
			HistoryTokens: cfg.History.MaxTokens,
			TokenCounter:  llm.NewTokenCounter(cfg.Model),
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr(), err)
	}
	var statusSrv *status.Server
	var statusLn net.Listener
	if cfg.StatusAddr != "" {
		statusLn, err = net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen on status address %s: %w", cfg.StatusAddr, err)
		}
		statusSrv = status.NewServer(srv.Registry(), conversations, nil)
	}
	log.Info("sshllm %s serving model %s from %s", version, cfg.Model, cfg.APIBaseURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	if statusSrv != nil {
		g.Go(func() error {
			return statusSrv.Serve(statusLn)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), consts.ShutdownGrace)
		defer cancel()
		if statusSrv != nil {
			if err := statusSrv.Stop(shutdownCtx); err != nil {
				log.Warn("status endpoint shutdown: %v", err)
			}
		}
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Warn("SSH server shutdown: %v", err)
		}
		return nil
	})
	return g.Wait()
}

// loadConfig layers defaults, the config file, SSHLLM_* variables and flags,
// in that order.
func loadConfig(args []string, lookup func(string) (string, bool), output io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet("sshllm", flag.ContinueOnError)
	fs.SetOutput(output)

	configPath := fs.String("config", "", "Path to a JSON or YAML config file (env SSHLLM_CONFIG)")
	port := fs.Int("port", consts.DefaultPort, "SSH listen port")
	host := fs.String("host", "", "SSH listen host")
	endpoint := fs.String("endpoint", "", "OpenAI-compatible API base URL")
	model := fs.String("model", "", "Model identifier")
	systemPrompt := fs.String("system-prompt", "", "System prompt")
	systemPromptFile := fs.String("system-prompt-file", "", "File holding the system prompt, reloaded on change")
	logsDir := fs.String("logs", "", "Directory for conversation logs")
	hostKeyPath := fs.String("host-key", "", "Path of the SSH host key")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error, none)")
	logPath := fs.String("log-path", "", "Diagnostics log file (default stderr)")
	statusAddr := fs.String("status-addr", "", "Address of the HTTP status endpoint (disabled when empty)")
	writeConfig := fs.String("write-config", "", "Write the effective configuration (without the API key) to this path and exit")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if *showVersion {
		fmt.Fprintf(output, "sshllm %s\n", version)
		return nil, flag.ErrHelp
	}

	path := *configPath
	if path == "" {
		if v, ok := lookup("SSHLLM_CONFIG"); ok {
			path = v
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "host":
			cfg.Host = *host
		case "endpoint":
			cfg.APIBaseURL = *endpoint
		case "model":
			cfg.Model = *model
		case "system-prompt":
			cfg.SystemPrompt = *systemPrompt
		case "system-prompt-file":
			cfg.SystemPromptFile = *systemPromptFile
		case "logs":
			cfg.LogsDir = *logsDir
		case "host-key":
			cfg.HostKeyPath = *hostKeyPath
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-path":
			cfg.LogPath = *logPath
		case "status-addr":
			cfg.StatusAddr = *statusAddr
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if *writeConfig != "" {
		if err := cfg.Save(*writeConfig); err != nil {
			return nil, fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Fprintf(output, "Configuration written to %s\n", *writeConfig)
		return nil, flag.ErrHelp
	}
	return cfg, nil
}
