package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/syncengine"
)

// Subscribe delivers every committed change of one kind to a model. The
// handler is acknowledged before Subscribe returns; deliveries run on a
// dedicated goroutine in commit order until the subscription is cancelled,
// ctx is done, or the backend closes.
func (b *SQLiteBackend) Subscribe(ctx context.Context, modelName string, op syncengine.SubscriptionType, h syncengine.SubscriptionHandler) (syncengine.Cancelable, error) {
	if !b.registry.Has(modelName) {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownModel, modelName)
	}

	f := newFeed(h)
	key := feedKey(modelName, op)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	id := b.nextID
	b.nextID++
	if b.feeds[key] == nil {
		b.feeds[key] = make(map[int]*feed)
	}
	b.feeds[key][id] = f
	b.mu.Unlock()

	remove := func() {
		b.mu.Lock()
		delete(b.feeds[key], id)
		b.mu.Unlock()
	}
	f.onStop = remove

	if h.OnStart != nil {
		h.OnStart()
	}
	go f.run()
	go func() {
		select {
		case <-ctx.Done():
			f.cancel()
		case <-f.done:
		}
	}()

	slog.Debug("subscription opened",
		"component", "backend",
		"model", modelName,
		"operation", string(op),
	)
	return f, nil
}

func feedKey(modelName string, op syncengine.SubscriptionType) string {
	return modelName + "|" + string(op)
}

func (b *SQLiteBackend) publish(op syncengine.SubscriptionType, item model.RecordWithMetadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.feeds[feedKey(item.Record.Model, op)] {
		f.push(item)
	}
}

// feed is one subscriber's unbounded delivery queue.
type feed struct {
	handler syncengine.SubscriptionHandler
	onStop  func()

	mu        sync.Mutex
	queue     []model.RecordWithMetadata
	completed bool

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newFeed(h syncengine.SubscriptionHandler) *feed {
	return &feed{
		handler: h,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (f *feed) push(item model.RecordWithMetadata) {
	f.mu.Lock()
	f.queue = append(f.queue, item)
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// Cancel stops deliveries. It is safe to call more than once.
func (f *feed) Cancel() {
	f.cancel()
}

func (f *feed) cancel() {
	f.once.Do(func() {
		close(f.done)
		if f.onStop != nil {
			f.onStop()
		}
	})
}

// complete stops the feed after telling the handler the stream ended.
func (f *feed) complete() {
	f.mu.Lock()
	f.completed = true
	f.mu.Unlock()
	f.cancel()
}

func (f *feed) run() {
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			select {
			case <-f.signal:
				continue
			case <-f.done:
				f.finish()
				return
			}
		}
		next := f.queue[0]
		f.queue[0] = model.RecordWithMetadata{}
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case <-f.done:
			f.finish()
			return
		default:
		}
		if f.handler.OnNext != nil {
			item := next
			f.handler.OnNext(syncengine.Response{Data: &item})
		}
	}
}

func (f *feed) finish() {
	f.mu.Lock()
	completed := f.completed
	f.mu.Unlock()
	if completed && f.handler.OnComplete != nil {
		f.handler.OnComplete()
	}
}
