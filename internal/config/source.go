package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Source serves the current configuration and reloads it from disk when the
// file changes. A reload that fails to parse or validate is logged and the
// last good configuration stays in effect.
type Source struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	cur     *Config
	modTime time.Time
	size    int64
	lastErr error
}

// NewSource loads and validates path. Unlike later reloads, a bad initial
// configuration is an error.
func NewSource(path string) (*Source, error) {
	s := &Source{
		path: path,
		log:  slog.Default().With("component", "config"),
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	cfg, err := loadValid(path)
	if err != nil {
		return nil, err
	}
	s.cur, s.modTime, s.size = cfg, info.ModTime(), info.Size()
	return s, nil
}

// StaticSource wraps a fixed configuration. Reload is a no-op.
func StaticSource(cfg *Config) *Source {
	return &Source{cur: cfg, log: slog.Default().With("component", "config")}
}

// Current returns the configuration in effect. Callers must treat it as
// read-only; a reload swaps in a new value rather than mutating it.
func (s *Source) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// LastError returns the error of the most recent failed reload, or nil once
// a reload succeeds.
func (s *Source) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Reload re-reads the file if its modification time or size changed. It
// reports whether a new configuration was installed.
func (s *Source) Reload() (bool, error) {
	if s.path == "" {
		return false, nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		s.setErr(err)
		s.log.Warn("config stat failed, keeping last good config", "path", s.path, "error", err)
		return false, err
	}

	s.mu.RLock()
	unchanged := info.ModTime().Equal(s.modTime) && info.Size() == s.size
	s.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	cfg, err := loadValid(s.path)
	if err != nil {
		s.mu.Lock()
		// Remember the bad revision so it is not re-parsed every tick.
		s.modTime, s.size, s.lastErr = info.ModTime(), info.Size(), err
		s.mu.Unlock()
		s.log.Error("config reload rejected, keeping last good config", "path", s.path, "error", err)
		return false, err
	}

	s.mu.Lock()
	s.cur, s.modTime, s.size, s.lastErr = cfg, info.ModTime(), info.Size(), nil
	s.mu.Unlock()
	s.log.Info("config reloaded", "path", s.path, "mode", cfg.Mode)
	return true, nil
}

func (s *Source) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func loadValid(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
