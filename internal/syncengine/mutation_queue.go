package syncengine

import "container/list"

// mutationQueue is the outbox's in-memory FIFO: insertion order is kept in
// a list, with indexes by mutation ID and by record for O(1) lookup. It is
// not safe for concurrent use; the outbox serializes access.
type mutationQueue struct {
	order      *list.List
	byMutation map[string]*list.Element
	byRecord   map[string]*list.Element
}

func newMutationQueue() *mutationQueue {
	return &mutationQueue{
		order:      list.New(),
		byMutation: make(map[string]*list.Element),
		byRecord:   make(map[string]*list.Element),
	}
}

func (q *mutationQueue) len() int {
	return q.order.Len()
}

func (q *mutationQueue) head() (PendingMutation, bool) {
	front := q.order.Front()
	if front == nil {
		return PendingMutation{}, false
	}
	return front.Value.(PendingMutation), true
}

func (q *mutationQueue) get(mutationID string) (PendingMutation, bool) {
	e, ok := q.byMutation[mutationID]
	if !ok {
		return PendingMutation{}, false
	}
	return e.Value.(PendingMutation), true
}

// latestFor returns the newest mutation queued for a record.
func (q *mutationQueue) latestFor(key string) (PendingMutation, bool) {
	e, ok := q.byRecord[key]
	if !ok {
		return PendingMutation{}, false
	}
	return e.Value.(PendingMutation), true
}

func (q *mutationQueue) pushBack(m PendingMutation) {
	e := q.order.PushBack(m)
	q.byMutation[m.MutationID] = e
	q.byRecord[m.RecordKey()] = e
}

// replace overwrites a queued mutation in place, keeping its position.
func (q *mutationQueue) replace(m PendingMutation) bool {
	e, ok := q.byMutation[m.MutationID]
	if !ok {
		return false
	}
	e.Value = m
	return true
}

func (q *mutationQueue) remove(mutationID string) (PendingMutation, bool) {
	e, ok := q.byMutation[mutationID]
	if !ok {
		return PendingMutation{}, false
	}
	m := q.order.Remove(e).(PendingMutation)
	delete(q.byMutation, mutationID)

	key := m.RecordKey()
	if q.byRecord[key] == e {
		delete(q.byRecord, key)
		// An older mutation for the same record may still be queued behind
		// an in-flight one; point the record index back at it.
		for back := q.order.Back(); back != nil; back = back.Prev() {
			if back.Value.(PendingMutation).RecordKey() == key {
				q.byRecord[key] = back
				break
			}
		}
	}
	return m, true
}

func (q *mutationQueue) all() []PendingMutation {
	out := make([]PendingMutation, 0, q.order.Len())
	for e := q.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(PendingMutation))
	}
	return out
}

func (q *mutationQueue) reset() {
	q.order.Init()
	clear(q.byMutation)
	clear(q.byRecord)
}
