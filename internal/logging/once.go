package logging

import "sync"

// Once remembers keys it has already reported. It holds at most limit keys and forgets all of
// them when full, so a long-lived bad key may be reported again after many others.
type Once struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	limit int
}

func NewOnce(limit int) *Once {
	if limit <= 0 {
		limit = 1024
	}
	return &Once{seen: make(map[string]struct{}), limit: limit}
}

// First reports whether key has not been seen before.
func (o *Once) First(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.seen[key]; ok {
		return false
	}
	if len(o.seen) >= o.limit {
		o.seen = make(map[string]struct{})
	}
	o.seen[key] = struct{}{}
	return true
}
