package advertise

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type entry struct {
	key, value string
}

// Pool keeps announcing a set of entries until they are removed, so that they do not expire.
type Pool struct {
	adv      Advertiser
	interval time.Duration
	ttl      time.Duration

	mu      sync.Mutex
	entries map[entry]struct{}
}

// NewPool returns a Pool that announces every interval with ttl, zero values use the defaults.
func NewPool(adv Advertiser, interval, ttl time.Duration) *Pool {
	if interval == 0 {
		interval = DefaultInterval
	}
	if ttl == 0 {
		ttl = 3 * interval
	}

	return &Pool{
		adv:      adv,
		interval: interval,
		ttl:      ttl,
		entries:  make(map[entry]struct{}),
	}
}

// Add announces value under key right away, and from then on with every round.
func (p *Pool) Add(ctx context.Context, key, value string) error {
	p.mu.Lock()
	p.entries[entry{key, value}] = struct{}{}
	p.mu.Unlock()

	return p.adv.Announce(ctx, key, value, p.ttl)
}

// Remove stops announcing value under key, and withdraws it.
func (p *Pool) Remove(ctx context.Context, key, value string) error {
	p.mu.Lock()
	delete(p.entries, entry{key, value})
	p.mu.Unlock()

	return p.adv.Withdraw(ctx, key, value)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.entries)
}

// Run announces every entry each interval, until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.announceAll(ctx)
		}
	}
}

func (p *Pool) announceAll(ctx context.Context) {
	p.mu.Lock()
	entries := make([]entry, 0, len(p.entries))
	for e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		if err := p.adv.Announce(ctx, e.key, e.value, p.ttl); err != nil {
			slog.Debug("could not announce", "key", e.key, "value", e.value, "err", err)
		}
	}
}
