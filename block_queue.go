package blockclique

import (
	"container/list"
	"sync"
	"time"
)

// BlockQueue is the queue of missing blocks the graph waits for, with the peer asked for each.
type BlockQueue struct {
	blockMap   map[BlockID]*list.Element
	blockQueue *list.List
	maxWait    time.Duration
	lock       sync.RWMutex
}

type blockQueueEntry struct {
	id   BlockID
	who  string
	when time.Time
}

// NewBlockQueue returns a new BlockQueue. A block asked for more than maxWait ago can be
// asked again from another peer.
func NewBlockQueue(maxWait time.Duration) *BlockQueue {
	return &BlockQueue{
		blockMap:   make(map[BlockID]*list.Element),
		blockQueue: list.New(),
		maxWait:    maxWait,
	}
}

// Add queues the block ID and records the peer asked for it. It returns false if the block is
// already pending from a peer asked less than maxWait ago.
func (q *BlockQueue) Add(id BlockID, who string) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if e, ok := q.blockMap[id]; ok {
		entry := e.Value.(*blockQueueEntry)
		if time.Since(entry.when) < q.maxWait {
			return false
		}
		// expired, keep its place and hand it to the new peer
		entry.when = time.Now()
		entry.who = who
		return true
	}
	e := q.blockQueue.PushBack(&blockQueueEntry{id: id, who: who, when: time.Now()})
	q.blockMap[id] = e
	return true
}

// Remove drops the block ID from the queue.
func (q *BlockQueue) Remove(id BlockID) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if e, ok := q.blockMap[id]; ok {
		q.blockQueue.Remove(e)
		delete(q.blockMap, id)
		return true
	}
	return false
}

// Exists returns true if the block ID is queued.
func (q *BlockQueue) Exists(id BlockID) bool {
	q.lock.RLock()
	defer q.lock.RUnlock()
	_, ok := q.blockMap[id]
	return ok
}

// Who returns the peer last asked for the block.
func (q *BlockQueue) Who(id BlockID) (string, bool) {
	q.lock.RLock()
	defer q.lock.RUnlock()
	if e, ok := q.blockMap[id]; ok {
		return e.Value.(*blockQueueEntry).who, true
	}
	return "", false
}

// Expired returns the queued block IDs asked for more than maxWait ago, oldest first.
func (q *BlockQueue) Expired() []BlockID {
	q.lock.RLock()
	defer q.lock.RUnlock()
	var ids []BlockID
	for e := q.blockQueue.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*blockQueueEntry)
		if time.Since(entry.when) >= q.maxWait {
			ids = append(ids, entry.id)
		}
	}
	return ids
}

// Len returns the length of the queue.
func (q *BlockQueue) Len() int {
	q.lock.RLock()
	defer q.lock.RUnlock()
	return q.blockQueue.Len()
}
