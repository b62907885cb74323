package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/outpost/internal/events"
	"github.com/hyperengineering/outpost/internal/model"
)

// SubscriptionState is the lifecycle state of one subscription.
type SubscriptionState string

const (
	SubscriptionUnstarted SubscriptionState = "UNSTARTED"
	SubscriptionStarting  SubscriptionState = "STARTING"
	SubscriptionActive    SubscriptionState = "ACTIVE"
	SubscriptionCompleted SubscriptionState = "COMPLETED"
	SubscriptionErrored   SubscriptionState = "ERRORED"
	SubscriptionCancelled SubscriptionState = "CANCELLED"
)

func (s SubscriptionState) terminal() bool {
	return s == SubscriptionCompleted || s == SubscriptionErrored || s == SubscriptionCancelled
}

// SubscriptionEvent is a remote change delivered by a subscription.
type SubscriptionEvent struct {
	Model string
	Type  SubscriptionType
	Item  model.RecordWithMetadata
}

type subscription struct {
	model  string
	op     SubscriptionType
	state  SubscriptionState
	cancel Cancelable
	ready  sync.Once
}

// SubscriptionProcessor keeps one subscription open per model and change
// type. Deliveries are buffered from the moment subscriptions open, and are
// applied only once Drain is called, so hydration can finish first.
type SubscriptionProcessor struct {
	registry        *model.Registry
	gateway         RemoteSyncGateway
	merger          *Merger
	events          events.Publisher
	timeoutPerModel time.Duration

	buffer *replayBuffer

	mu          sync.Mutex
	subs        map[string]*subscription
	started     bool
	established bool
	cancelCtx   context.CancelFunc
}

// NewSubscriptionProcessor creates a processor. timeoutPerModel scales the
// wait for subscription acknowledgements with the number of models.
func NewSubscriptionProcessor(reg *model.Registry, gateway RemoteSyncGateway, merger *Merger, pub events.Publisher, timeoutPerModel time.Duration) *SubscriptionProcessor {
	return &SubscriptionProcessor{
		registry:        reg,
		gateway:         gateway,
		merger:          merger,
		events:          pub,
		timeoutPerModel: timeoutPerModel,
		buffer:          newReplayBuffer(),
		subs:            make(map[string]*subscription),
	}
}

func subscriptionKey(modelName string, op SubscriptionType) string {
	return modelName + "|" + string(op)
}

// Start opens every subscription concurrently and waits until each has been
// acknowledged or has failed, or until the startup timeout passes. Calling
// Start on a started processor does nothing.
func (p *SubscriptionProcessor) Start(ctx context.Context) error {
	names := p.registry.Names()
	total := len(names) * len(SubscriptionTypes)

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancelCtx = cancel

	gate := make(chan struct{}, total)
	var subs []*subscription
	for _, name := range names {
		for _, op := range SubscriptionTypes {
			sub := &subscription{model: name, op: op, state: SubscriptionStarting}
			p.subs[subscriptionKey(name, op)] = sub
			subs = append(subs, sub)
		}
	}
	p.mu.Unlock()

	slog.Info("starting subscriptions", "component", "subscription-processor", "count", total)
	for _, sub := range subs {
		go p.open(subCtx, sub, gate)
	}

	timeout := p.timeoutPerModel * time.Duration(len(names))
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for ready := 0; ready < total; {
		select {
		case <-gate:
			ready++
		case <-expired:
			slog.Warn("timed out waiting for subscriptions to start",
				"component", "subscription-processor",
				"ready", ready,
				"total", total,
				"timeout", timeout.String(),
			)
			ready = total
		case <-ctx.Done():
			p.Stop()
			return ctx.Err()
		}
	}

	p.mu.Lock()
	p.established = true
	p.mu.Unlock()

	slog.Info("subscriptions established", "component", "subscription-processor")
	events.Announce(p.events, events.SubscriptionsEstablished, nil)
	return nil
}

func (p *SubscriptionProcessor) open(ctx context.Context, sub *subscription, gate chan<- struct{}) {
	signal := func() {
		sub.ready.Do(func() { gate <- struct{}{} })
	}

	handler := SubscriptionHandler{
		OnStart: func() {
			p.transition(sub, SubscriptionActive)
			signal()
		},
		OnNext: func(resp Response) {
			p.onNext(sub, resp)
		},
		OnError: func(err error) {
			p.onError(sub, err)
			signal()
		},
		OnComplete: func() {
			p.transition(sub, SubscriptionCompleted)
			signal()
		},
	}

	c, err := p.gateway.Subscribe(ctx, sub.model, sub.op, handler)
	if err != nil {
		handler.OnError(err)
		return
	}

	// The subscription may have ended while Subscribe was still running.
	p.mu.Lock()
	if sub.state.terminal() {
		p.mu.Unlock()
		c.Cancel()
		return
	}
	sub.cancel = c
	p.mu.Unlock()
}

// transition moves sub to state unless it already reached a terminal state.
// It reports whether the subscription was still live.
func (p *SubscriptionProcessor) transition(sub *subscription, state SubscriptionState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub.state.terminal() {
		return false
	}
	sub.state = state
	return true
}

func (p *SubscriptionProcessor) live(sub *subscription) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !sub.state.terminal()
}

func (p *SubscriptionProcessor) onNext(sub *subscription, resp Response) {
	if !p.live(sub) {
		return
	}
	if resp.Unauthorized() {
		slog.Warn("unauthorized subscription delivery ignored",
			"component", "subscription-processor",
			"model", sub.model,
			"operation", string(sub.op),
		)
		return
	}
	if resp.HasErrors() {
		p.fail(sub, fmt.Errorf("%w: %s %s: %w", ErrSubscriptionFailed, sub.model, sub.op, resp.Err()))
		return
	}
	if resp.Data == nil {
		p.fail(sub, fmt.Errorf("%w: %s %s: %w", ErrSubscriptionFailed, sub.model, sub.op, ErrEmptyResponse))
		return
	}

	item := *resp.Data
	if item.Record.Model == "" {
		item.Record.Model = sub.model
	}
	p.buffer.push(bufferEntry{event: SubscriptionEvent{Model: sub.model, Type: sub.op, Item: item}})
}

func (p *SubscriptionProcessor) onError(sub *subscription, err error) {
	if errors.Is(err, ErrUnauthorized) {
		if p.transition(sub, SubscriptionErrored) {
			slog.Warn("subscription unauthorized, leaving it inactive",
				"component", "subscription-processor",
				"model", sub.model,
				"operation", string(sub.op),
				"error", err,
			)
		}
		return
	}
	p.fail(sub, fmt.Errorf("%w: %s %s: %w", ErrSubscriptionFailed, sub.model, sub.op, err))
}

// fail terminates sub and queues err so a running drain stops at it.
func (p *SubscriptionProcessor) fail(sub *subscription, err error) {
	p.mu.Lock()
	if sub.state.terminal() {
		p.mu.Unlock()
		return
	}
	sub.state = SubscriptionErrored
	c := sub.cancel
	p.mu.Unlock()

	if c != nil {
		c.Cancel()
	}
	slog.Error("subscription failed",
		"component", "subscription-processor",
		"model", sub.model,
		"operation", string(sub.op),
		"error", err,
	)
	p.buffer.push(bufferEntry{err: err})
}

// Drain applies buffered deliveries in arrival order until ctx is done or
// the pipeline breaks. A merge failure or a failed subscription ends the
// drain with that error.
func (p *SubscriptionProcessor) Drain(ctx context.Context) error {
	slog.Info("subscription drain started", "component", "subscription-processor", "buffered", p.buffer.len())
	for {
		entry, ok := p.buffer.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.buffer.wait():
				continue
			}
		}
		if entry.err != nil {
			return entry.err
		}

		e := entry.event
		outcome, err := p.merger.Merge(ctx, e.Item)
		if err != nil {
			return fmt.Errorf("merge %s delivery for %s %s: %w", e.Type, e.Model, e.Item.Record.ID, err)
		}
		events.Announce(p.events, events.SubscriptionDataProcessed, events.MutationData{
			Model:    e.Model,
			RecordID: e.Item.Record.ID,
			Type:     outcome.String(),
			Version:  e.Item.Metadata.Version,
		})
	}
}

// Stop cancels every subscription and discards undelivered events. It is
// safe to call more than once.
func (p *SubscriptionProcessor) Stop() {
	p.mu.Lock()
	var cancels []Cancelable
	for key, sub := range p.subs {
		if !sub.state.terminal() {
			sub.state = SubscriptionCancelled
		}
		if sub.cancel != nil {
			cancels = append(cancels, sub.cancel)
		}
		delete(p.subs, key)
	}
	cancelCtx := p.cancelCtx
	p.cancelCtx = nil
	wasStarted := p.started
	p.started = false
	p.established = false
	p.mu.Unlock()

	for _, c := range cancels {
		c.Cancel()
	}
	if cancelCtx != nil {
		cancelCtx()
	}
	p.buffer.reset()
	if wasStarted {
		slog.Info("subscriptions stopped", "component", "subscription-processor")
	}
}

// State reports a subscription's lifecycle state.
func (p *SubscriptionProcessor) State(modelName string, op SubscriptionType) SubscriptionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[subscriptionKey(modelName, op)]
	if !ok {
		return SubscriptionUnstarted
	}
	return sub.state
}

// Established reports whether startup finished.
func (p *SubscriptionProcessor) Established() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.established
}

type bufferEntry struct {
	event SubscriptionEvent
	err   error
}

// replayBuffer is an unbounded FIFO of deliveries.
type replayBuffer struct {
	mu     sync.Mutex
	items  []bufferEntry
	signal chan struct{}
}

func newReplayBuffer() *replayBuffer {
	return &replayBuffer{signal: make(chan struct{}, 1)}
}

func (b *replayBuffer) push(e bufferEntry) {
	b.mu.Lock()
	b.items = append(b.items, e)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *replayBuffer) pop() (bufferEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return bufferEntry{}, false
	}
	e := b.items[0]
	b.items[0] = bufferEntry{}
	b.items = b.items[1:]
	return e, true
}

func (b *replayBuffer) wait() <-chan struct{} {
	return b.signal
}

func (b *replayBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *replayBuffer) reset() {
	b.mu.Lock()
	b.items = nil
	b.mu.Unlock()
}
