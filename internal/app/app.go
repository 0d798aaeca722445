package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"

	"github.com/vk/gantry/internal/artifact"
	"github.com/vk/gantry/internal/runctx"
	"github.com/vk/gantry/internal/sandbox"
	"github.com/vk/gantry/internal/secrets"
)

// App encapsulates the executor's dependencies, configuration, and
// lifecycle.
type App struct {
	outW      io.Writer
	logger    *slog.Logger
	config    *Config
	resolver  secrets.Resolver
	sandbox   sandbox.Sandbox
	artifacts artifact.Store
	bucket    *blob.Bucket
	store     runctx.Store

	httpServer *http.Server

	mu      sync.Mutex
	current *runctx.Run
}

// New constructs a fully initialized App: logger, secrets resolver,
// sandbox backend, artifact bucket, and run store.
func New(ctx context.Context, outW io.Writer, cfg *Config) (*App, error) {
	a := &App{
		outW:   outW,
		logger: newLogger(cfg.LogLevel, cfg.LogFormat, outW),
		config: cfg,
	}

	resolver, err := secrets.Load(cfg.SecretsFile)
	if err != nil {
		return nil, fmt.Errorf("loading secrets: %w", err)
	}
	a.resolver = resolver

	switch cfg.Sandbox {
	case "docker":
		a.sandbox, err = sandbox.NewDocker()
		if err != nil {
			return nil, fmt.Errorf("initializing docker sandbox: %w", err)
		}
	default:
		a.sandbox = sandbox.NewLocal()
	}

	if cfg.ArtifactDir != "" {
		a.bucket, err = fileblob.OpenBucket(cfg.ArtifactDir, &fileblob.Options{CreateDir: true})
		if err != nil {
			return nil, fmt.Errorf("opening artifact directory: %w", err)
		}
	} else {
		a.bucket = memblob.OpenBucket(nil)
	}
	a.artifacts = artifact.NewBlobStore(a.bucket)

	if cfg.RedisAddr != "" {
		a.store, err = runctx.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("initializing run store: %w", err)
		}
	} else {
		a.store = runctx.NewMemoryStore()
	}

	a.logger.Debug("Application initialized.", "sandbox", cfg.Sandbox, "sources", cfg.Sources)
	return a, nil
}

// Close releases resources held by the app.
func (a *App) Close() error {
	var firstErr error
	if a.bucket != nil {
		firstErr = a.bucket.Close()
	}
	if closer, ok := a.store.(io.Closer); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ambientEnv builds the lowest-precedence environment layer from the
// process environment and --var overrides. Secret-feeding variables never
// enter it.
func (a *App) ambientEnv(environ []string) map[string]string {
	env := make(map[string]string, len(environ)+len(a.config.Vars))
	for _, entry := range environ {
		key, value, _ := strings.Cut(entry, "=")
		if strings.HasPrefix(key, "GANTRY_SECRET_") {
			continue
		}
		env[key] = value
	}
	for k, v := range a.config.Vars {
		env[k] = v
	}
	return env
}

func (a *App) setCurrentRun(run *runctx.Run) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = run
}

func (a *App) currentRun() *runctx.Run {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
