package manager

import (
	"sync"
	"time"
)

const (
	defaultPostmortemStreams = 32
	defaultPostmortemTTL     = 10 * time.Minute
)

// postmortem keeps the last log lines of encoders that are gone, bounded by
// count and age.
type postmortem struct {
	mu    sync.Mutex
	max   int
	ttl   time.Duration
	now   func() time.Time
	tails map[string]tail
}

type tail struct {
	lines []string
	at    time.Time
}

func newPostmortem(max int, ttl time.Duration) *postmortem {
	if max <= 0 {
		max = defaultPostmortemStreams
	}
	if ttl <= 0 {
		ttl = defaultPostmortemTTL
	}
	return &postmortem{max: max, ttl: ttl, now: time.Now, tails: make(map[string]tail)}
}

func (p *postmortem) put(key string, lines []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.expire(now)
	p.tails[key] = tail{lines: lines, at: now}
	for len(p.tails) > p.max {
		oldest, first := "", true
		var at time.Time
		for k, t := range p.tails {
			if first || t.at.Before(at) {
				oldest, at, first = k, t.at, false
			}
		}
		delete(p.tails, oldest)
	}
}

func (p *postmortem) get(key string) ([]string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expire(p.now())
	t, ok := p.tails[key]
	if !ok {
		return nil, false
	}
	return append([]string(nil), t.lines...), true
}

func (p *postmortem) drop(key string) {
	p.mu.Lock()
	delete(p.tails, key)
	p.mu.Unlock()
}

func (p *postmortem) expire(now time.Time) {
	for k, t := range p.tails {
		if now.Sub(t.at) > p.ttl {
			delete(p.tails, k)
		}
	}
}
