package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/outpost/internal/model"
)

// ConflictData pairs the local candidate with the backend's copy of the same
// record.
type ConflictData struct {
	Local  model.RecordWithMetadata
	Remote model.RecordWithMetadata
}

// ResolutionStrategy is the kind of decision a conflict handler makes.
type ResolutionStrategy string

const (
	StrategyApplyRemote ResolutionStrategy = "APPLY_REMOTE"
	StrategyRetryLocal  ResolutionStrategy = "RETRY_LOCAL"
	StrategyRetry       ResolutionStrategy = "RETRY"
)

// ConflictResolutionDecision is a conflict handler's answer.
type ConflictResolutionDecision struct {
	Strategy ResolutionStrategy
	// Custom is the record to publish for StrategyRetry. Nil means delete.
	Custom *model.Record
}

// ApplyRemote discards the local change.
func ApplyRemote() ConflictResolutionDecision {
	return ConflictResolutionDecision{Strategy: StrategyApplyRemote}
}

// RetryLocal resubmits the local change against the backend's version.
func RetryLocal() ConflictResolutionDecision {
	return ConflictResolutionDecision{Strategy: StrategyRetryLocal}
}

// Retry resubmits custom against the backend's version. A nil record deletes.
func Retry(custom *model.Record) ConflictResolutionDecision {
	return ConflictResolutionDecision{Strategy: StrategyRetry, Custom: custom}
}

// ConflictHandler decides how to resolve a conflict.
type ConflictHandler interface {
	OnConflictDetected(ctx context.Context, data ConflictData) (ConflictResolutionDecision, error)
}

// ConflictHandlerFunc adapts a function to ConflictHandler.
type ConflictHandlerFunc func(ctx context.Context, data ConflictData) (ConflictResolutionDecision, error)

func (f ConflictHandlerFunc) OnConflictDetected(ctx context.Context, data ConflictData) (ConflictResolutionDecision, error) {
	return f(ctx, data)
}

// AlwaysApplyRemote resolves every conflict in the backend's favour.
func AlwaysApplyRemote() ConflictHandler {
	return ConflictHandlerFunc(func(context.Context, ConflictData) (ConflictResolutionDecision, error) {
		return ApplyRemote(), nil
	})
}

// AlwaysRetryLocal resolves every conflict by resubmitting the local change.
func AlwaysRetryLocal() ConflictHandler {
	return ConflictHandlerFunc(func(context.Context, ConflictData) (ConflictResolutionDecision, error) {
		return RetryLocal(), nil
	})
}

// ConflictResolver reconciles a rejected mutation with the backend's copy.
type ConflictResolver struct {
	handler   ConflictHandler
	gateway   RemoteSyncGateway
	versions  *VersionRegistry
	syncTimes *SyncTimeRegistry
	timeout   time.Duration
}

// NewConflictResolver creates a resolver. A zero timeout waits for the
// handler as long as ctx allows.
func NewConflictResolver(handler ConflictHandler, gateway RemoteSyncGateway, versions *VersionRegistry, syncTimes *SyncTimeRegistry, timeout time.Duration) *ConflictResolver {
	if handler == nil {
		handler = AlwaysApplyRemote()
	}
	return &ConflictResolver{
		handler:   handler,
		gateway:   gateway,
		versions:  versions,
		syncTimes: syncTimes,
		timeout:   timeout,
	}
}

// Resolve returns the version of the record to merge locally. For
// APPLY_REMOTE that is the backend's copy; otherwise it is the response to
// republishing the resolution against the backend's version.
func (r *ConflictResolver) Resolve(ctx context.Context, m PendingMutation, remote model.RecordWithMetadata) (model.RecordWithMetadata, error) {
	local, err := r.localCandidate(ctx, m)
	if err != nil {
		return model.RecordWithMetadata{}, err
	}

	decision, err := r.decide(ctx, ConflictData{Local: local, Remote: remote})
	if err != nil {
		return model.RecordWithMetadata{}, err
	}

	resolution, err := resolutionVersion(decision, local, remote)
	if err != nil {
		return model.RecordWithMetadata{}, err
	}

	slog.Info("conflict resolved",
		"component", "conflict-resolver",
		"model", m.Model(),
		"record_id", m.Record.ID,
		"strategy", string(decision.Strategy),
		"local_version", local.Metadata.Version,
		"remote_version", remote.Metadata.Version,
	)

	if decision.Strategy == StrategyApplyRemote {
		return resolution, nil
	}
	return r.republish(ctx, resolution, remote.Metadata.Version)
}

func (r *ConflictResolver) localCandidate(ctx context.Context, m PendingMutation) (model.RecordWithMetadata, error) {
	version, err := r.versions.FindVersion(ctx, m.Model(), m.Record.ID)
	if err != nil && !errors.Is(err, ErrNoVersion) {
		return model.RecordWithMetadata{}, err
	}

	sm, err := r.syncTimes.Lookup(ctx, m.Model())
	if err != nil {
		return model.RecordWithMetadata{}, err
	}
	var lastChanged time.Time
	if sm.LastSyncTime != nil {
		lastChanged = *sm.LastSyncTime
	}

	return model.RecordWithMetadata{
		Record: m.Record,
		Metadata: model.RecordMetadata{
			Model:         m.Model(),
			ID:            m.Record.ID,
			Version:       version,
			LastChangedAt: lastChanged,
			Deleted:       m.Type == model.MutationDelete,
		},
	}, nil
}

type decisionResult struct {
	decision ConflictResolutionDecision
	err      error
}

// decide runs the handler with a deadline. A handler that ignores its
// context is abandoned when the deadline passes.
func (r *ConflictResolver) decide(ctx context.Context, data ConflictData) (ConflictResolutionDecision, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result := make(chan decisionResult, 1)
	go func() {
		d, err := r.handler.OnConflictDetected(ctx, data)
		result <- decisionResult{decision: d, err: err}
	}()

	select {
	case res := <-result:
		if res.err != nil {
			return ConflictResolutionDecision{}, fmt.Errorf("conflict handler: %w", res.err)
		}
		return res.decision, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ConflictResolutionDecision{}, fmt.Errorf("%s %s: %w", data.Remote.Record.Model, data.Remote.Record.ID, ErrConflictHandlerTimeout)
		}
		return ConflictResolutionDecision{}, ctx.Err()
	}
}

func resolutionVersion(d ConflictResolutionDecision, local, remote model.RecordWithMetadata) (model.RecordWithMetadata, error) {
	switch d.Strategy {
	case StrategyApplyRemote:
		return remote, nil
	case StrategyRetryLocal:
		return local, nil
	case StrategyRetry:
		md := remote.Metadata
		if d.Custom == nil {
			md.Deleted = true
			return model.RecordWithMetadata{Record: remote.Record, Metadata: md}, nil
		}
		custom := d.Custom.Clone()
		custom.Model = remote.Record.Model
		custom.ID = remote.Record.ID
		md.Deleted = false
		return model.RecordWithMetadata{Record: custom, Metadata: md}, nil
	}
	return model.RecordWithMetadata{}, fmt.Errorf("conflict handler returned unknown strategy %q", d.Strategy)
}

// republish sends the resolution using the backend's version. Its response
// is the only copy merged locally; a failure here is terminal.
func (r *ConflictResolver) republish(ctx context.Context, resolution model.RecordWithMetadata, serverVersion int) (model.RecordWithMetadata, error) {
	var (
		resp Response
		err  error
	)
	rec := resolution.Record
	if resolution.Metadata.Deleted {
		resp, err = r.gateway.Delete(ctx, rec.Model, rec.ID, serverVersion, nil)
	} else {
		resp, err = r.gateway.Update(ctx, rec, serverVersion, nil)
	}
	if err != nil {
		return model.RecordWithMetadata{}, fmt.Errorf("%w: %s %s: %w", ErrConflictRetryFailed, rec.Model, rec.ID, err)
	}
	if resp.HasErrors() {
		return model.RecordWithMetadata{}, fmt.Errorf("%w: %s %s: %w", ErrConflictRetryFailed, rec.Model, rec.ID, resp.Err())
	}
	if resp.Data == nil {
		return model.RecordWithMetadata{}, fmt.Errorf("%w: %s %s: %w", ErrConflictRetryFailed, rec.Model, rec.ID, ErrEmptyResponse)
	}
	return *resp.Data, nil
}
