package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"playersync/internal/tree"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var errInjected = errors.New("injected failure")

type memLive struct {
	mu     sync.Mutex
	values tree.Flat
	fail   map[string]bool
}

func newMemLive(values tree.Flat) *memLive {
	if values == nil {
		values = make(tree.Flat)
	}
	return &memLive{values: values, fail: make(map[string]bool)}
}

func (m *memLive) Get(key string) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memLive) Set(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[key] {
		return errInjected
	}
	m.values[key] = value
	return nil
}

func (m *memLive) Snapshot() (tree.Flat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(tree.Flat, len(m.values))
	for k, v := range m.values {
		out[k] = tree.DeepCopy(v)
	}
	return out, nil
}

func (m *memLive) value(key string) any {
	v, _, _ := m.Get(key)
	return v
}

type memFlags struct {
	mu      sync.Mutex
	flags   map[string]map[string]string
	failSet map[string]bool
	reads   int
}

func newMemFlags() *memFlags {
	return &memFlags{flags: make(map[string]map[string]string), failSet: make(map[string]bool)}
}

func (m *memFlags) GetFlag(_ context.Context, userID, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	v, ok := m.flags[userID][name]
	return v, ok, nil
}

func (m *memFlags) SetFlag(_ context.Context, userID, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet[name] {
		return errInjected
	}
	if m.flags[userID] == nil {
		m.flags[userID] = make(map[string]string)
	}
	m.flags[userID][name] = value
	return nil
}

func (m *memFlags) UnsetFlag(_ context.Context, userID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags[userID], name)
	return nil
}

func (m *memFlags) get(userID, name string) (string, bool) {
	v, ok, _ := m.GetFlag(context.Background(), userID, name)
	return v, ok
}

func (m *memFlags) set(userID, name, value string) {
	_ = m.SetFlag(context.Background(), userID, name, value)
}

type recordingNotifier struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (n *recordingNotifier) Info(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.infos = append(n.infos, msg)
}

func (n *recordingNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, msg)
}
