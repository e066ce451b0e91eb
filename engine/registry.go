package engine

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
)

// LookPathFunc resolves a binary on the host. Replaceable in tests.
type LookPathFunc func(name string) (string, error)

// Registry holds the language engines and their readiness state. It replaces
// ambient per-language status with an explicit init/ready/shutdown lifecycle.
type Registry struct {
	logger   *zap.Logger
	lookPath LookPathFunc

	// probeHost controls whether Init checks host interpreters. Container
	// backends ship their own interpreters, so probing is skipped there.
	probeHost bool

	mu      sync.RWMutex
	entries map[string]*registryEntry
	closed  bool
}

type registryEntry struct {
	engine Engine
	ready  bool
	reason string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLookPath sets the binary resolver used by Init.
func WithLookPath(fn LookPathFunc) RegistryOption {
	return func(r *Registry) {
		r.lookPath = fn
	}
}

// WithoutHostProbing marks all engines ready without checking host binaries.
func WithoutHostProbing() RegistryOption {
	return func(r *Registry) {
		r.probeHost = false
	}
}

// NewRegistry creates a Registry with the default engines registered, using
// images from the configuration when present.
func NewRegistry(logger *zap.Logger, cfg *config.Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:    logger,
		lookPath:  exec.LookPath,
		probeHost: true,
		entries:   make(map[string]*registryEntry),
	}

	r.register(&pythonEngine{image: cfg.LanguageImage(LanguagePython, "python:3.11-slim")})
	r.register(&nodeEngine{image: cfg.LanguageImage(LanguageJavaScript, "node:20-alpine")})
	r.register(&typescriptEngine{image: cfg.LanguageImage(LanguageTypeScript, "node:20-alpine")})

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Registry) register(e Engine) {
	r.entries[e.Language()] = &registryEntry{engine: e}
}

// Init probes each engine's interpreters and records readiness. A missing
// interpreter marks that engine not-ready without failing the others.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("registry is shut down")
	}

	for lang, entry := range r.entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !r.probeHost {
			entry.ready = true
			continue
		}

		entry.ready = true
		entry.reason = ""
		for _, bin := range entry.engine.Interpreters() {
			if _, err := r.lookPath(bin); err != nil {
				entry.ready = false
				entry.reason = fmt.Sprintf("interpreter %q not found", bin)
				break
			}
		}

		if entry.ready {
			r.logger.Info("language engine ready", zap.String("language", lang))
		} else {
			r.logger.Warn("language engine unavailable",
				zap.String("language", lang),
				zap.String("reason", entry.reason))
		}
	}

	return nil
}

// Get returns the engine for a language, ready or not. Callers that need
// execution should also check Ready.
func (r *Registry) Get(language string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("registry is shut down")
	}
	entry, ok := r.entries[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %s, must be one of: python, javascript, typescript", language)
	}
	return entry.engine, nil
}

// Ready reports whether the engine for a language passed its probe.
func (r *Registry) Ready(language string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[language]
	return ok && entry.ready && !r.closed
}

// Languages lists the registered language names.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	langs := make([]string, 0, len(r.entries))
	for lang := range r.entries {
		langs = append(langs, lang)
	}
	return langs
}

// Shutdown marks the registry closed. Engines hold no external resources,
// so shutdown is a state flip that fails later lookups.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, entry := range r.entries {
		entry.ready = false
	}
}
