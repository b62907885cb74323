package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/outpost/internal/events"
	"github.com/hyperengineering/outpost/internal/model"
)

// MutationProcessor drains the outbox one mutation at a time, publishing
// each to the backend and removing it once the backend accepts it.
type MutationProcessor struct {
	outbox      *MutationOutbox
	merger      *Merger
	versions    *VersionRegistry
	gateway     RemoteSyncGateway
	resolver    *ConflictResolver
	events      events.Publisher
	itemTimeout time.Duration
	retry       RetryPolicy
}

// NewMutationProcessor creates a processor. itemTimeout bounds the handling
// of a single mutation, retries and conflict resolution included.
func NewMutationProcessor(outbox *MutationOutbox, merger *Merger, versions *VersionRegistry, gateway RemoteSyncGateway, resolver *ConflictResolver, pub events.Publisher, itemTimeout time.Duration, retry RetryPolicy) *MutationProcessor {
	return &MutationProcessor{
		outbox:      outbox,
		merger:      merger,
		versions:    versions,
		gateway:     gateway,
		resolver:    resolver,
		events:      pub,
		itemTimeout: itemTimeout,
		retry:       retry,
	}
}

// Drain publishes queued mutations in order until ctx is done or a mutation
// fails. A failed mutation stays at the head of the outbox so ordering is
// preserved when draining resumes.
func (p *MutationProcessor) Drain(ctx context.Context) error {
	slog.Info("outbox drain started", "component", "mutation-processor", "pending", p.outbox.Len())
	defer slog.Info("outbox drain stopped", "component", "mutation-processor")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m, ok := p.outbox.Peek()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.outbox.Events():
				continue
			}
		}

		if err := p.process(ctx, m); err != nil {
			return err
		}
	}
}

func (p *MutationProcessor) process(ctx context.Context, m PendingMutation) error {
	if err := p.outbox.MarkInFlight(m.MutationID); err != nil {
		return err
	}

	itemCtx := ctx
	if p.itemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, p.itemTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := p.publishAndResolve(itemCtx, m)
	if err != nil {
		p.outbox.ReleaseInFlight(m.MutationID)
		slog.Error("mutation publish failed",
			"component", "mutation-processor",
			"model", m.Model(),
			"record_id", m.Record.ID,
			"mutation_id", m.MutationID,
			"type", string(m.Type),
			"error", err,
		)
		return fmt.Errorf("publish %s %s %s (mutation %s): %w", m.Type, m.Model(), m.Record.ID, m.MutationID, err)
	}

	// The backend has accepted the mutation; finish even if we are stopping.
	finalCtx := context.WithoutCancel(ctx)
	if err := p.outbox.Remove(finalCtx, m.MutationID); err != nil {
		p.outbox.ReleaseInFlight(m.MutationID)
		return err
	}
	if _, err := p.merger.Merge(finalCtx, result); err != nil {
		return fmt.Errorf("merge published %s %s: %w", m.Model(), m.Record.ID, err)
	}

	slog.Info("mutation published",
		"component", "mutation-processor",
		"model", m.Model(),
		"record_id", m.Record.ID,
		"mutation_id", m.MutationID,
		"type", string(m.Type),
		"version", result.Metadata.Version,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	events.Announce(p.events, events.OutboxMutationProcessed, events.MutationData{
		Model:      m.Model(),
		RecordID:   m.Record.ID,
		MutationID: m.MutationID,
		Type:       string(m.Type),
		Version:    result.Metadata.Version,
	})
	return nil
}

func (p *MutationProcessor) publishAndResolve(ctx context.Context, m PendingMutation) (model.RecordWithMetadata, error) {
	version := 0
	if m.Type != model.MutationCreate {
		v, err := p.versions.FindVersion(ctx, m.Model(), m.Record.ID)
		if err != nil {
			return model.RecordWithMetadata{}, err
		}
		version = v
	}

	var resp Response
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		r, err := p.publish(ctx, m, version)
		if err != nil {
			slog.Warn("mutation publish attempt failed",
				"component", "mutation-processor",
				"mutation_id", m.MutationID,
				"error", err,
			)
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return model.RecordWithMetadata{}, err
	}

	if conflict, ok := resp.Conflict(); ok {
		if conflict.ServerVersion == nil {
			return model.RecordWithMetadata{}, fmt.Errorf("%w: conflict reported without the server's version", ErrMutationRejected)
		}
		return p.resolver.Resolve(ctx, m, *conflict.ServerVersion)
	}
	if resp.HasErrors() {
		if resp.Unauthorized() {
			return model.RecordWithMetadata{}, fmt.Errorf("%w: %w: %w", ErrMutationRejected, ErrUnauthorized, resp.Err())
		}
		return model.RecordWithMetadata{}, fmt.Errorf("%w: %w", ErrMutationRejected, resp.Err())
	}
	if resp.Data == nil {
		return model.RecordWithMetadata{}, fmt.Errorf("%w: %w", ErrMutationRejected, ErrEmptyResponse)
	}
	return *resp.Data, nil
}

func (p *MutationProcessor) publish(ctx context.Context, m PendingMutation, version int) (Response, error) {
	switch m.Type {
	case model.MutationCreate:
		return p.gateway.Create(ctx, m.Record)
	case model.MutationUpdate:
		return p.gateway.Update(ctx, m.Record, version, m.Predicate)
	case model.MutationDelete:
		return p.gateway.Delete(ctx, m.Model(), m.Record.ID, version, m.Predicate)
	}
	return Response{}, fmt.Errorf("%w: unknown mutation type %q", ErrInvalidMutation, m.Type)
}
