package replay

import (
	"encoding/json"

	"github.com/yotsuki/kioku/storage"
)

// Cache is the memo table built from an instance's persisted history
// before each execution attempt. Step results are keyed by step ID and
// completed sleeps by their key, so that replayed workflow code skips
// work it already did.
//
// When the same step ID appears more than once, the earliest recorded
// result wins on every replay.
type Cache struct {
	results map[string]json.RawMessage
	sleeps  map[string]struct{}
	hits    int
}

// BuildCache scans history and indexes step_complete results and
// sleep_complete keys.
func BuildCache(history []storage.Event) *Cache {
	c := &Cache{
		results: make(map[string]json.RawMessage),
		sleeps:  make(map[string]struct{}),
	}
	for _, evt := range history {
		switch evt.Type {
		case storage.EventStepComplete:
			if _, seen := c.results[evt.StepID]; !seen {
				c.results[evt.StepID] = evt.Result
			}
		case storage.EventSleepComplete:
			c.sleeps[evt.StepID] = struct{}{}
		}
	}
	return c
}

// Result returns the memoized result for a step ID, counting the hit.
func (c *Cache) Result(stepID string) (json.RawMessage, bool) {
	raw, ok := c.results[stepID]
	if ok {
		c.hits++
	}
	return raw, ok
}

// Store records a freshly computed step result for later lookups in
// the same attempt.
func (c *Cache) Store(stepID string, result json.RawMessage) {
	if _, seen := c.results[stepID]; !seen {
		c.results[stepID] = result
	}
}

// SleepDone reports whether the sleep with the given key has already
// fired, counting the hit.
func (c *Cache) SleepDone(key string) bool {
	_, ok := c.sleeps[key]
	if ok {
		c.hits++
	}
	return ok
}

// Hits returns how many lookups were served from the cache.
func (c *Cache) Hits() int {
	return c.hits
}

// Steps returns the number of memoized step results.
func (c *Cache) Steps() int {
	return len(c.results)
}
