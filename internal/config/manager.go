package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "crosspost/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
)

// ErrWatcherClosed is returned by Watch when fsnotify shuts its channels.
// Callers restart Watch.
var ErrWatcherClosed = errors.New("config watcher closed")

// Manager owns the current config. It loads the file plus environment
// overrides, and on Watch republishes every validated change to subscribers.
type Manager struct {
	path    string
	envFile string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: make(map[chan *Config]struct{})}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetEnvFile names an optional dotenv file consulted on every Parse and
// watched alongside the config file. A missing file is not an error.
func (m *Manager) SetEnvFile(path string) { m.envFile = path }

// SetValidator installs a hook run on reload after Validate and before the
// new config is committed.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the config file, applies environment overrides and returns
// the result without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeStrict(m.path, b)
	if err != nil {
		return nil, err
	}
	vars, err := environment(m.envFile)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, vars); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeStrict rejects unknown fields and anything after the first value.
func decodeStrict(path string, raw []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, raw)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, fmt.Errorf("%s: trailing data after config", path)
	case !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Load parses, validates and commits the config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = h
	m.mu.Unlock()
}

// hashConfig is an FNV-64a over the JSON form; 0 means unhashable.
func hashConfig(cfg *Config) uint64 {
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

// Subscribe returns a channel of committed reloads and its cancel func. A
// subscriber that falls behind loses older configs, never the newest.
func (m *Manager) Subscribe(buffer int) (<-chan *Config, func()) {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// reload re-reads the files and publishes the result if it changed and
// passes validation.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}

	if err := Validate(cfg); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%016x", h)))
}

// Watch reloads on changes to the config file or the env file until ctx
// ends. Reloads run on the calling goroutine, one at a time. A broken
// watcher ends Watch with an error so a supervisor can restart it.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer func() { _ = w.Close() }()

	watched := map[string]bool{}
	for _, p := range []string{m.path, m.envFile} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("config watch: %w", err)
		}
		watched[abs] = true
		// Editors replace files on save, so watch the directory.
		if err := w.Add(filepath.Dir(abs)); err != nil {
			if p == m.envFile && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config watch %s: %w", filepath.Dir(abs), err)
		}
	}
	m.log.Debug("config watcher started", logx.Int("files", len(watched)))

	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return ErrWatcherClosed
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || !watched[abs] {
				continue
			}
			debounce.Reset(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return ErrWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				debounce.Reset(reloadDebounce)
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		case <-debounce.C:
			m.reload(ctx)
		}
	}
}
