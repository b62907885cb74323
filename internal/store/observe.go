package store

import "sync"

// Observe subscribes to committed changes. Each subscriber has its own
// unbounded queue, so a slow consumer never blocks writers and never misses
// a change.
func (s *SQLiteStore) Observe() (<-chan StorageChange, func()) {
	o := newObserver()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		o.stop()
		return o.out, func() {}
	}
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = o
	s.mu.Unlock()

	go o.run()

	cancel := func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
		o.stop()
	}
	return o.out, cancel
}

func (s *SQLiteStore) publish(change StorageChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.observers {
		o.push(change)
	}
}

type observer struct {
	mu      sync.Mutex
	queue   []StorageChange
	signal  chan struct{}
	done    chan struct{}
	out     chan StorageChange
	once    sync.Once
	started bool
}

func newObserver() *observer {
	return &observer{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan StorageChange),
	}
}

func (o *observer) push(c StorageChange) {
	o.mu.Lock()
	o.queue = append(o.queue, c)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *observer) stop() {
	o.once.Do(func() {
		close(o.done)
		o.mu.Lock()
		started := o.started
		o.mu.Unlock()
		if !started {
			close(o.out)
		}
	})
}

func (o *observer) run() {
	o.mu.Lock()
	select {
	case <-o.done:
		// stopped before the pump started; stop already closed out
		o.mu.Unlock()
		return
	default:
	}
	o.started = true
	o.mu.Unlock()

	defer close(o.out)
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.mu.Unlock()
			select {
			case <-o.signal:
				continue
			case <-o.done:
				return
			}
		}
		next := o.queue[0]
		o.queue[0] = StorageChange{}
		o.queue = o.queue[1:]
		o.mu.Unlock()

		select {
		case o.out <- next:
		case <-o.done:
			return
		}
	}
}
