package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store. It honors the same lazy-expiry and
// atomicity contract as the Redis implementation so the engine cannot
// tell them apart.
type Memory struct {
	mu    sync.Mutex
	items map[string]*memItem
	clock Clock
}

type memItem struct {
	value     []byte
	list      [][]byte
	expiresAt time.Time // zero = no expiry
}

// NewMemory creates an in-process store using the given clock.
// A nil clock means the system clock.
func NewMemory(clock Clock) *Memory {
	if clock == nil {
		clock = SystemClock()
	}
	return &Memory{items: make(map[string]*memItem), clock: clock}
}

// live returns the item at key if present and unexpired, deleting it
// lazily otherwise. Callers hold m.mu.
func (m *Memory) live(key string) (*memItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if !it.expiresAt.IsZero() && !m.clock.Now().Before(it.expiresAt) {
		delete(m.items, key)
		return nil, false
	}
	return it, true
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.live(key)
	if !ok || it.value == nil {
		return nil, false, nil
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := &memItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = m.clock.Now().Add(ttl)
	}
	m.items[key] = it
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) Incr(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cur int64
	it, ok := m.live(key)
	if ok && it.value != nil {
		cur, _ = strconv.ParseInt(string(it.value), 10, 64)
	}
	cur += delta
	if !ok {
		it = &memItem{}
		m.items[key] = it
	}
	it.value = []byte(strconv.FormatInt(cur, 10))
	return cur, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.live(key)
	if !ok {
		return nil
	}
	if ttl > 0 {
		it.expiresAt = m.clock.Now().Add(ttl)
	} else {
		it.expiresAt = time.Time{}
	}
	return nil
}

func (m *Memory) Append(_ context.Context, key string, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.live(key)
	if !ok {
		it = &memItem{}
		m.items[key] = it
	}
	it.list = append(it.list, append([]byte(nil), value...))
	return int64(len(it.list)), nil
}

func (m *Memory) List(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.live(key)
	if !ok {
		return nil, nil
	}
	n := int64(len(it.list))
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range it.list[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (m *Memory) Trim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.live(key)
	if !ok {
		return nil
	}
	n := int64(len(it.list))
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		it.list = nil
		return nil
	}
	it.list = it.list[start : stop+1]
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// normalizeRange resolves negative indexes and clamps to [0, n-1],
// matching Redis LRANGE/LTRIM semantics.
func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}
