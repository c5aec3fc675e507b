package router

import (
	"sync"
	"time"

	"boardsync/pkg/types"
)

type queued struct {
	msg      *types.Message
	enqueued time.Time
}

// destQueue holds one FIFO per priority tier for a single destination.
// ARCHITECTURAL DISCOVERY: Each queue is drained by exactly one owner
// goroutine, so per-destination ordering needs no further coordination.
type destQueue struct {
	dest     Destination
	capacity int

	mu     sync.Mutex
	tiers  [types.PriorityLevels][]queued
	size   int
	notify chan struct{}
}

func newDestQueue(dest Destination, capacity int) *destQueue {
	return &destQueue{
		dest:     dest,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push appends item to its tier. When the queue is full the oldest message
// of the lowest non-empty tier below item's priority is evicted and
// returned; if no such tier exists item itself is rejected.
func (q *destQueue) push(item queued) (evicted *queued, accepted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := item.msg.Priority
	if q.capacity > 0 && q.size >= q.capacity {
		victim := -1
		for tier := types.PriorityLow; tier < p; tier++ {
			if len(q.tiers[tier]) > 0 {
				victim = int(tier)
				break
			}
		}
		if victim < 0 {
			return nil, false
		}
		dropped := q.tiers[victim][0]
		q.tiers[victim][0] = queued{}
		q.tiers[victim] = q.tiers[victim][1:]
		q.size--
		evicted = &dropped
	}

	q.tiers[p] = append(q.tiers[p], item)
	q.size++
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted, true
}

// pop removes the oldest message of the highest non-empty tier.
func (q *destQueue) pop() (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for tier := types.PriorityCritical; tier >= types.PriorityLow; tier-- {
		if len(q.tiers[tier]) == 0 {
			continue
		}
		item := q.tiers[tier][0]
		q.tiers[tier][0] = queued{}
		q.tiers[tier] = q.tiers[tier][1:]
		q.size--
		return item, true
	}
	return queued{}, false
}

func (q *destQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
