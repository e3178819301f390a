package config

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Holder publishes the current Config and reloads it from disk on demand.
// Readers never block; a failed reload keeps the previous Config.
type Holder struct {
	path string
	cur  atomic.Pointer[Config]
}

// NewHolder returns a Holder serving cfg, reloading from path.
func NewHolder(cfg *Config, path string) *Holder {
	h := &Holder{path: path}
	h.cur.Store(cfg)
	return h
}

// Get returns the current configuration. Callers must not mutate it.
func (h *Holder) Get() *Config {
	return h.cur.Load()
}

// Reload re-reads defaults < YAML < ENV and swaps the result in if valid.
func (h *Holder) Reload() error {
	cfg, err := LoadFrom(h.path)
	if err != nil {
		return fmt.Errorf("reload %s: %w", h.path, err)
	}
	h.cur.Store(cfg)
	slog.Info("config reloaded", "path", h.path, "log_level", cfg.Logging.Level)
	return nil
}
