package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strings"
	"sync"

	"planbot/pkg/logx"
)

// Manager owns the current Config. The CLI loads it once; the daemon also
// runs Watch and applies what Subscribe delivers.
type Manager struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	subMu sync.Mutex
	subs  []chan *Config
}

// NewManager returns a manager for path. With an empty path the config is
// built from defaults and the environment.
func NewManager(path string, log logx.Logger) *Manager {
	return &Manager{path: strings.TrimSpace(path), log: log}
}

func (m *Manager) Path() string              { return m.path }
func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Parse builds a validated Config without committing it: the file is
// decoded strictly over Default(), then the environment is overlaid.
func (m *Manager) Parse() (*Config, error) {
	cfg := Default()
	if m.path != "" {
		if err := m.decodeFile(cfg); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *Manager) decodeFile(cfg *Config) error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	format := detectFormat(m.path, raw)
	if format == formatYAML {
		if raw, err = yamlToJSON(raw); err != nil {
			return fmt.Errorf("yaml config %s: %w", m.path, err)
		}
	}
	if err := decodeStrict(raw, cfg); err != nil {
		return fmt.Errorf("%s config %s: %w", format, m.path, err)
	}
	return nil
}

// decodeStrict rejects unknown fields and anything after the first value.
func decodeStrict(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra json.RawMessage
	switch err := dec.Decode(&extra); {
	case errors.Is(err, io.EOF):
		return nil
	case err != nil:
		return err
	}
	return errors.New("trailing data after config object")
}

// Load parses and commits.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, fingerprint(cfg))
	return cfg, nil
}

func (m *Manager) commit(cfg *Config, hash uint64) {
	m.mu.Lock()
	m.cfg, m.hash = cfg, hash
	m.mu.Unlock()
}

// fingerprint hashes the effective config so reloads that change nothing,
// such as a touch or a comment edit, are not published.
func fingerprint(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel of committed reloads. A subscriber that falls
// behind only sees the newest config.
func (m *Manager) Subscribe(buffer int) <-chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped for slow subscriber")
		}
	}
}

// offerLatest sends v, evicting one stale value if ch is full.
func offerLatest[T any](ch chan T, v T) bool {
	for range 2 {
		select {
		case ch <- v:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// reload is called by Watch after the file settles.
func (m *Manager) reload() {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := fingerprint(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	m.commit(cfg, h)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}
