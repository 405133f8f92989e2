package stage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultWindow is the number of stages retained in memory.
const DefaultWindow = 2

// Record is one live stage result held in memory.
type Record struct {
	Stage     Stage
	Payload   Payload
	Seq       uint64
	WrittenAt time.Time
}

// StoreLoader fetches durable stage data for a session. Implemented by the
// session store client.
type StoreLoader interface {
	PhaseData(ctx context.Context, sessionID string, only *Stage) (map[Stage]json.RawMessage, error)
}

// Cache is the sliding-window stage data cache. Only the most recently
// written `window` stages stay in memory; older ones are evicted in write
// order. Eviction removes data from memory only; durable copies live in
// the remote session store.
type Cache struct {
	mu      sync.Mutex
	window  int
	seq     uint64
	records map[Stage]*Record
	onEvict func(Stage)
	logger  zerolog.Logger
}

// NewCache creates a cache retaining at most window stages.
// A window < 1 falls back to DefaultWindow.
func NewCache(window int, logger zerolog.Logger) *Cache {
	if window < 1 {
		window = DefaultWindow
	}
	return &Cache{
		window:  window,
		records: make(map[Stage]*Record),
		logger:  logger.With().Str("component", "stage_cache").Logger(),
	}
}

// OnEvict registers a hook invoked (outside the lock) for each evicted stage.
func (c *Cache) OnEvict(fn func(Stage)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

// Set inserts or replaces the record for the payload's stage, then evicts
// the oldest-written stages until the window cap holds. Returns the evicted
// stages, oldest first.
func (c *Cache) Set(p Payload) []Stage {
	c.mu.Lock()

	c.seq++
	st := p.Stage()
	c.records[st] = &Record{
		Stage:     st,
		Payload:   p,
		Seq:       c.seq,
		WrittenAt: time.Now().UTC(),
	}

	var evicted []Stage
	if len(c.records) > c.window {
		byAge := make([]*Record, 0, len(c.records))
		for _, r := range c.records {
			byAge = append(byAge, r)
		}
		sort.Slice(byAge, func(i, j int) bool { return byAge[i].Seq < byAge[j].Seq })

		for _, r := range byAge[:len(byAge)-c.window] {
			delete(c.records, r.Stage)
			evicted = append(evicted, r.Stage)
		}
	}
	hook := c.onEvict
	c.mu.Unlock()

	for _, st := range evicted {
		c.logger.Debug().Str("stage", st.String()).Msg("stage data evicted from window")
		if hook != nil {
			hook(st)
		}
	}
	return evicted
}

// Get returns the live in-memory payload for a stage. A false return means
// the stage was never written, cleared, or evicted; callers needing evicted
// data must go through LoadFromStore.
func (c *Cache) Get(s Stage) (Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[s]
	if !ok {
		return nil, false
	}
	return r.Payload, true
}

// Len returns the number of live records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Stages returns the live stages ordered by write sequence, oldest first.
func (c *Cache) Stages() []Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	byAge := make([]*Record, 0, len(c.records))
	for _, r := range c.records {
		byAge = append(byAge, r)
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].Seq < byAge[j].Seq })
	out := make([]Stage, len(byAge))
	for i, r := range byAge {
		out[i] = r.Stage
	}
	return out
}

// Clear removes a single stage's record.
func (c *Cache) Clear(s Stage) {
	c.mu.Lock()
	delete(c.records, s)
	c.mu.Unlock()
}

// ClearAll removes every record. Used on session abort or restart.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	c.records = make(map[Stage]*Record)
	c.mu.Unlock()
}

// LoadFromStore fetches one stage (or all, when only is nil) from the
// durable session store and merges it into the cache, subject to the same
// window cap. Best-effort: transport and decode failures are logged and
// reported as false. Returns true when at least one stage was loaded.
func (c *Cache) LoadFromStore(ctx context.Context, loader StoreLoader, sessionID string, only *Stage) bool {
	data, err := loader.PhaseData(ctx, sessionID, only)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to load stage data from store")
		return false
	}

	loaded := false
	// Merge in workflow order so later stages carry higher sequence numbers.
	for _, st := range All() {
		raw, ok := data[st]
		if !ok || len(raw) == 0 {
			continue
		}
		p, err := Decode(st, raw)
		if err != nil {
			c.logger.Warn().Err(err).Str("stage", st.String()).Msg("skipping malformed stored stage data")
			continue
		}
		c.Set(p)
		loaded = true
	}
	return loaded
}
