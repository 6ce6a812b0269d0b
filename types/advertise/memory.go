package advertise

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Advertiser.
type Memory struct {
	mu sync.Mutex
	// key -> value -> expiry
	entries map[string]map[string]time.Time

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) Announce(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vs := m.entries[key]
	if vs == nil {
		vs = make(map[string]time.Time)
		m.entries[key] = vs
	}
	vs[value] = m.now().Add(ttl)

	return nil
}

func (m *Memory) Withdraw(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if vs := m.entries[key]; vs != nil {
		delete(vs, value)
		if len(vs) == 0 {
			delete(m.entries, key)
		}
	}

	return nil
}

// Lookup returns the unexpired values of key, in order of announcement expiry, latest first.
func (m *Memory) Lookup(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	type entry struct {
		value  string
		expiry time.Time
	}
	var live []entry

	for v, exp := range m.entries[key] {
		if now.After(exp) {
			delete(m.entries[key], v)
			continue
		}
		live = append(live, entry{v, exp})
	}

	slices.SortFunc(live, func(a, b entry) int {
		return b.expiry.Compare(a.expiry)
	})

	values := make([]string, 0, min(len(live), MaxLookup))
	for _, e := range live[:min(len(live), MaxLookup)] {
		values = append(values, e.value)
	}
	return values, nil
}
