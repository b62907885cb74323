package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/outpost/internal/events"
	"github.com/hyperengineering/outpost/internal/model"
	"golang.org/x/sync/errgroup"
)

// SyncProcessorConfig tunes hydration.
type SyncProcessorConfig struct {
	// BaseSyncInterval is how long a model's last sync stays fresh enough
	// for a delta sync. Older (or missing) sync times trigger a base sync.
	BaseSyncInterval time.Duration
	// PageSize is the sync query page limit; zero lets the backend choose.
	PageSize int
	// Concurrency caps simultaneous per-model queries; zero means no limit.
	Concurrency int
	Retry       RetryPolicy
}

// SyncProcessor hydrates the local store from the backend: it queries every
// model, then merges everything parents-first.
type SyncProcessor struct {
	registry  *model.Registry
	ordering  *TopologicalOrdering
	syncTimes *SyncTimeRegistry
	gateway   RemoteSyncGateway
	merger    *Merger
	events    events.Publisher
	cfg       SyncProcessorConfig
	now       func() time.Time
}

// NewSyncProcessor creates a hydrator.
func NewSyncProcessor(reg *model.Registry, ordering *TopologicalOrdering, syncTimes *SyncTimeRegistry, gateway RemoteSyncGateway, merger *Merger, pub events.Publisher, cfg SyncProcessorConfig) *SyncProcessor {
	return &SyncProcessor{
		registry:  reg,
		ordering:  ordering,
		syncTimes: syncTimes,
		gateway:   gateway,
		merger:    merger,
		events:    pub,
		cfg:       cfg,
		now:       time.Now,
	}
}

type modelSync struct {
	model   string
	kind    SyncType
	started time.Time
	items   []model.RecordWithMetadata
}

// Hydrate runs one full pass. Any model's failure aborts the pass; merges
// already applied are kept since merging is idempotent.
func (p *SyncProcessor) Hydrate(ctx context.Context) error {
	names := p.ordering.Order()
	start := p.now()
	slog.Info("hydration started", "component", "sync-processor", "models", len(names))
	events.Announce(p.events, events.SyncQueriesStarted, events.SyncQueriesStartedData{Models: names})

	// Records are collected as queries finish and sorted parents first
	// before any is merged.
	var (
		mu  sync.Mutex
		all []model.RecordWithMetadata
	)
	results := make([]*modelSync, len(names))
	g, gctx := errgroup.WithContext(ctx)
	if p.cfg.Concurrency > 0 {
		g.SetLimit(p.cfg.Concurrency)
	}
	for i, name := range names {
		g.Go(func() error {
			res, err := p.query(gctx, name)
			if err != nil {
				return fmt.Errorf("sync %s: %w", name, err)
			}
			results[i] = res
			mu.Lock()
			all = append(all, res.items...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("hydration failed", "component", "sync-processor", "error", err)
		return err
	}

	p.ordering.Sort(all)

	counts := make(map[string]*events.ModelSyncedData, len(names))
	for _, res := range results {
		counts[res.model] = &events.ModelSyncedData{
			Model:       res.model,
			IsFullSync:  res.kind == SyncBase,
			IsDeltaSync: res.kind == SyncDelta,
		}
	}
	for _, item := range all {
		outcome, err := p.merger.Merge(ctx, item)
		if err != nil {
			slog.Error("hydration failed", "component", "sync-processor", "error", err)
			return fmt.Errorf("merge %s %s: %w", item.Record.Model, item.Record.ID, err)
		}
		c := counts[item.Record.Model]
		if c == nil {
			continue
		}
		switch outcome {
		case MergeCreated:
			c.Created++
		case MergeUpdated:
			c.Updated++
		case MergeDeleted:
			c.Deleted++
		}
	}

	for _, res := range results {
		if err := p.syncTimes.Save(ctx, res.model, res.started, res.kind); err != nil {
			return err
		}
		events.Announce(p.events, events.ModelSynced, *counts[res.model])
	}

	slog.Info("hydration complete",
		"component", "sync-processor",
		"models", len(names),
		"records", len(all),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	events.Announce(p.events, events.SyncQueriesReady, nil)
	return nil
}

// query fetches every page for one model.
func (p *SyncProcessor) query(ctx context.Context, name string) (*modelSync, error) {
	md, err := p.syncTimes.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	since := p.filterOutOldSyncTime(md.LastSyncTime)
	res := &modelSync{model: name, kind: SyncBase, started: p.now()}
	if since != nil {
		res.kind = SyncDelta
	}

	token := ""
	for {
		var page SyncPage
		err := p.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			var err error
			page, err = p.gateway.Sync(ctx, name, since, token, p.cfg.PageSize)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(page.Errors) > 0 {
			return nil, Response{Errors: page.Errors}.Err()
		}
		for _, item := range page.Items {
			if item.Record.Model == "" {
				item.Record.Model = name
			}
			res.items = append(res.items, item)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	slog.Debug("model queried",
		"component", "sync-processor",
		"model", name,
		"sync_type", string(res.kind),
		"records", len(res.items),
	)
	return res, nil
}

// filterOutOldSyncTime keeps the last sync time only while it is recent
// enough for a delta sync.
func (p *SyncProcessor) filterOutOldSyncTime(last *time.Time) *time.Time {
	if last == nil {
		return nil
	}
	if p.cfg.BaseSyncInterval > 0 && p.now().Sub(*last) > p.cfg.BaseSyncInterval {
		return nil
	}
	t := *last
	return &t
}
