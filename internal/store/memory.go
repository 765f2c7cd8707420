package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Memory is an in-process Store with the same full-snapshot notification
// semantics as the Redis implementation. Used by tests and dev mode.
type Memory struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage

	subMu  sync.Mutex
	nextID int
	subs   map[int]*memorySub
}

type memorySub struct {
	path   string
	fn     func(Snapshot)
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]json.RawMessage),
		subs: make(map[int]*memorySub),
	}
}

func (m *Memory) Write(ctx context.Context, path string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", path)
	}
	m.mu.Lock()
	m.data[path] = b
	m.mu.Unlock()
	m.changed(path)
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	m.mu.Lock()
	cur := map[string]interface{}{}
	if raw, ok := m.data[path]; ok {
		if err := json.Unmarshal(raw, &cur); err != nil {
			m.mu.Unlock()
			return errors.Wrapf(err, "decode %s", path)
		}
	}
	for k, v := range fields {
		cur[k] = v
	}
	b, err := json.Marshal(cur)
	if err != nil {
		m.mu.Unlock()
		return errors.Wrapf(err, "marshal %s", path)
	}
	m.data[path] = b
	m.mu.Unlock()
	m.changed(path)
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	delete(m.data, path)
	m.mu.Unlock()
	m.changed(path)
	return nil
}

func (m *Memory) Read(ctx context.Context, path string, dst interface{}) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[path]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, errors.Wrapf(err, "decode %s", path)
	}
	return true, nil
}

func (m *Memory) List(ctx context.Context, path string) (Snapshot, error) {
	return m.snapshot(path), nil
}

func (m *Memory) snapshot(path string) Snapshot {
	prefix := path + "/"
	snap := make(Snapshot)
	m.mu.RLock()
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			snap[strings.TrimPrefix(k, prefix)] = v
		}
	}
	m.mu.RUnlock()
	return snap
}

// Subscribe delivers snapshots from a dedicated goroutine so that store
// mutations made from inside a callback cannot deadlock the subscriber.
// Rapid successive changes coalesce into a single delivery.
func (m *Memory) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	sub := &memorySub{
		path:   path,
		fn:     fn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	m.subMu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			case <-sub.notify:
				sub.fn(m.snapshot(sub.path))
			}
		}
	}()

	// Initial delivery with the current state, mirroring the realtime
	// store's subscribe-then-fire behavior.
	sub.signal()

	unsub := func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
		sub.once.Do(func() { close(sub.done) })
	}
	return unsub, nil
}

func (m *Memory) changed(path string) {
	m.subMu.Lock()
	for _, sub := range m.subs {
		if path == sub.path || strings.HasPrefix(path, sub.path+"/") {
			sub.signal()
		}
	}
	m.subMu.Unlock()
}

func (s *memorySub) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
