package router

import (
	"container/list"
	"sync"
	"time"
)

type seenID struct {
	id string
	at time.Time
}

// dedupWindow remembers message ids for a sliding window bounded by both
// size and age. Oldest ids are evicted first.
type dedupWindow struct {
	mu    sync.Mutex
	max   int
	ttl   time.Duration
	order *list.List
	ids   map[string]*list.Element
}

func newDedupWindow(max int, ttl time.Duration) *dedupWindow {
	return &dedupWindow{
		max:   max,
		ttl:   ttl,
		order: list.New(),
		ids:   make(map[string]*list.Element),
	}
}

// seen reports whether id was already recorded inside the window. A new id
// is recorded as a side effect.
func (d *dedupWindow) seen(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.expire(now)
	if _, ok := d.ids[id]; ok {
		return true
	}
	d.ids[id] = d.order.PushBack(seenID{id: id, at: now})
	for d.max > 0 && d.order.Len() > d.max {
		d.evict(d.order.Front())
	}
	return false
}

// forget removes id so a later message with the same id is admitted.
func (d *dedupWindow) forget(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.ids[id]
	if ok {
		d.evict(e)
	}
	return ok
}

func (d *dedupWindow) expire(now time.Time) {
	if d.ttl <= 0 {
		return
	}
	cutoff := now.Add(-d.ttl)
	for e := d.order.Front(); e != nil; e = d.order.Front() {
		if e.Value.(seenID).at.After(cutoff) {
			return
		}
		d.evict(e)
	}
}

func (d *dedupWindow) evict(e *list.Element) {
	delete(d.ids, e.Value.(seenID).id)
	d.order.Remove(e)
}

func (d *dedupWindow) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
