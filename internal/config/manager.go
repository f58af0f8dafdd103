package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"slices"
	"sync"
	"time"

	logx "schedd/pkg/logx"
)

// ConfigManager holds the committed config and fans reloads out to
// subscribers.
type ConfigManager struct {
	path     string
	debounce time.Duration

	log       logx.Logger
	validate  func(ctx context.Context, cfg *Config) error
	overrides func(cfg *Config) error

	mu   sync.RWMutex
	cfg  *Config
	sum  uint64
	subs []chan *Config
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, debounce: 250 * time.Millisecond, log: logx.Nop()}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the check a reloaded file must pass before commit.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// SetOverrides installs a hook run on every parsed or default config.
func (m *ConfigManager) SetOverrides(fn func(cfg *Config) error) { m.overrides = fn }

// Decode parses JSON or YAML, picked by the extension of name. Unknown
// fields and trailing documents are errors.
func Decode(name string, data []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(name, data)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == io.EOF:
		return cfg, nil
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	default:
		return nil, err
	}
}

// Parse reads the file and applies overrides. A missing file matches
// fs.ErrNotExist.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, err
	}
	return cfg, m.override(cfg)
}

func (m *ConfigManager) override(cfg *Config) error {
	if m.overrides == nil {
		return nil
	}
	return m.overrides(cfg)
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file commits Default() with
// overrides applied and reports missing.
func (m *ConfigManager) LoadOrDefault() (cfg *Config, missing bool, err error) {
	cfg, err = m.Load()
	if !errors.Is(err, fs.ErrNotExist) {
		return cfg, false, err
	}
	cfg = Default()
	if err := m.override(cfg); err != nil {
		return nil, true, err
	}
	m.Commit(cfg)
	return cfg, true, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	sum := checksum(cfg)
	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// changed reports whether cfg differs from the committed config.
func (m *ConfigManager) changed(cfg *Config) (bool, uint64) {
	sum := checksum(cfg)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sum == 0 || sum != m.sum, sum
}

func checksum(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := slices.Index(m.subs, ch); i >= 0 {
		m.subs = slices.Delete(m.subs, i, i+1)
		close(ch)
	}
}

// publish never blocks: a subscriber with a full buffer loses its oldest
// pending config.
func (m *ConfigManager) publish(cfg *Config) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
}

// reload commits and publishes the file when it parses, differs from the
// committed config and passes the validator.
func (m *ConfigManager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}
	changed, sum := m.changed(cfg)
	if !changed {
		log.Debug("config unchanged")
		return
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	log.Debug("config published", logx.String("sum", fmt.Sprintf("%016x", sum)))
}
