// Package reconciler drives the pipeline. It periodically scans the entity
// version log past a checkpoint, decides which entities need intelligence
// work, and submits the missing jobs. All decisions are derived from
// persistent state, so a crashed pass is simply rerun.
package reconciler

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/arvela/insight-go/internal/capability"
	"github.com/arvela/insight-go/internal/conf"
	"github.com/arvela/insight-go/internal/datastore"
	"github.com/arvela/insight-go/internal/jobs"
	"github.com/arvela/insight-go/internal/logging"
	"github.com/arvela/insight-go/internal/notify"
	"github.com/arvela/insight-go/internal/observability"
	"github.com/arvela/insight-go/internal/status"
)

// Engine owns the reconciliation loop.
type Engine struct {
	store        datastore.Interface
	orchestrator *jobs.Orchestrator
	registry     *capability.Registry
	broadcaster  *notify.Broadcaster
	settings     *conf.Settings
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// NewEngine wires the reconciliation engine. registry and broadcaster may be
// nil when MQTT is disabled.
func NewEngine(store datastore.Interface, orchestrator *jobs.Orchestrator, registry *capability.Registry, broadcaster *notify.Broadcaster, settings *conf.Settings, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:        store,
		orchestrator: orchestrator,
		registry:     registry,
		broadcaster:  broadcaster,
		settings:     settings,
		metrics:      metrics,
		logger:       logging.ForService("reconciler"),
	}
}

// Start runs reconciliation passes until ctx is cancelled. The first pass
// runs immediately.
func (e *Engine) Start(ctx context.Context) {
	interval := e.settings.ReconcileInterval()
	e.logger.Info("reconciler started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.RunOnce(ctx); err != nil {
			e.logger.Error("reconciliation pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			e.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single reconciliation pass and returns the number of
// entities it enqueued work for.
//
// The checkpoint is advanced only after the whole pass, so a crash mid-pass
// rescans from the previous watermark on restart. Everything in between is
// idempotent: unchanged entities are skipped and duplicate submissions are
// absorbed by the job store.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	started := time.Now()

	checkpoint, err := e.store.GetCheckpoint()
	if err != nil {
		return 0, err
	}

	versions, err := e.store.ListChangedEntities(checkpoint)
	if err != nil {
		return 0, err
	}

	// Coalesce to the latest version per entity. The list is ordered by
	// version, so later rows win.
	latest := make(map[int64]*datastore.EntityVersion, len(versions))
	order := make([]int64, 0, len(versions))
	maxVersion := checkpoint
	for i := range versions {
		v := &versions[i]
		if _, seen := latest[v.EntityID]; !seen {
			order = append(order, v.EntityID)
		}
		latest[v.EntityID] = v
		if v.Version > maxVersion {
			maxVersion = v.Version
		}
	}

	// Sweep entities with processing still in flight. Their version rows sit
	// below the checkpoint, so the version log alone never revisits them: a
	// manual reset or a crash before submission would otherwise strand them.
	e.sweepInFlight(latest, &order)

	if len(order) == 0 {
		return 0, nil
	}

	e.logger.Info("reconciliation pass started",
		"from_version", checkpoint,
		"to_version", maxVersion,
		"changed_entities", len(latest))
	if e.broadcaster != nil {
		e.broadcaster.PublishStart(checkpoint, maxVersion)
	}
	e.warnOnMissingWorkers()

	processed := 0
	for _, entityID := range order {
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		default:
		}
		if e.processEntity(ctx, latest[entityID]) {
			processed++
		}
	}

	if err := e.store.AdvanceCheckpoint(maxVersion); err != nil {
		return processed, err
	}

	if e.broadcaster != nil {
		e.broadcaster.PublishEnd(processed)
	}
	if e.metrics != nil {
		e.metrics.ReconcilePasses.Inc()
		e.metrics.ReconcileDuration.Observe(time.Since(started).Seconds())
	}
	e.logger.Info("reconciliation pass finished",
		"to_version", maxVersion,
		"enqueued_entities", processed,
		"duration", time.Since(started))

	return processed, nil
}

// sweepInFlight adds entities whose intelligence record still carries an
// active content hash to the pass, unless the version log batch already
// covers them. Entities mid-flight with active or failed jobs come out of
// processEntity untouched; only ones with genuinely missing tasks resubmit.
func (e *Engine) sweepInFlight(latest map[int64]*datastore.EntityVersion, order *[]int64) {
	records, err := e.store.ListActiveIntelligence()
	if err != nil {
		e.logger.Error("failed to list in-flight intelligence records", "error", err)
		return
	}
	for i := range records {
		entityID := records[i].EntityID
		if _, seen := latest[entityID]; seen {
			continue
		}
		version, err := e.store.GetLatestEntityVersion(entityID)
		if err != nil {
			e.logger.Error("failed to load latest entity version",
				"entity_id", entityID, "error", err)
			continue
		}
		if version == nil {
			continue
		}
		latest[entityID] = version
		*order = append(*order, entityID)
	}
}

// processEntity decides whether one entity needs work and submits whatever
// required tasks are missing for its current content hash. Returns true if
// any submission was attempted.
func (e *Engine) processEntity(ctx context.Context, version *datastore.EntityVersion) bool {
	if e.metrics != nil {
		e.metrics.EntitiesScanned.Inc()
	}

	if !e.qualifies(version) {
		return false
	}

	intel, err := e.store.GetIntelligence(version.EntityID)
	if err != nil {
		e.logger.Error("failed to load intelligence record",
			"entity_id", version.EntityID, "error", err)
		return false
	}
	if intel != nil && intel.LastProcessedContentHash == version.ContentHash {
		return false
	}

	jobRecords, err := e.store.ListJobsForHash(version.EntityID, version.ContentHash)
	if err != nil {
		e.logger.Error("failed to list jobs",
			"entity_id", version.EntityID, "error", err)
		return false
	}
	missing := status.MissingTasks(jobRecords, datastore.RequiredTasks)
	if len(missing) == 0 {
		return false
	}

	if intel == nil {
		intel = &datastore.IntelligenceRecord{EntityID: version.EntityID}
	}
	intel.ActiveContentHash = version.ContentHash
	intel.LastProcessedVersion = version.Version
	if err := e.store.UpsertIntelligence(intel); err != nil {
		e.logger.Error("failed to upsert intelligence record",
			"entity_id", version.EntityID, "error", err)
		return false
	}

	for _, taskType := range missing {
		_, _, err := e.orchestrator.Submit(ctx, &jobs.SubmitSpec{
			EntityID:    version.EntityID,
			TaskType:    taskType,
			ContentHash: version.ContentHash,
			FaceIndex:   datastore.EntityScopedFaceIndex,
			FilePath:    version.FilePath,
		})
		if err != nil {
			e.logger.Error("job submission failed",
				"entity_id", version.EntityID,
				"task_type", taskType,
				"error", err)
		}
	}
	return true
}

// qualifies reports whether an entity version is processable: a media type
// we handle, not a collection, not deleted, and carrying a content hash.
func (e *Engine) qualifies(version *datastore.EntityVersion) bool {
	if version.Collection || version.Deleted {
		return false
	}
	if version.ContentHash == "" || version.FilePath == "" {
		return false
	}
	return slices.Contains(e.settings.Reconcile.MediaTypes, version.MediaType)
}

// warnOnMissingWorkers logs when no live worker advertises a required task
// type. Submission proceeds regardless; the cluster queues jobs until a
// worker picks them up.
func (e *Engine) warnOnMissingWorkers() {
	if e.registry == nil || !e.settings.Capability.RequireWorkers {
		return
	}
	snapshot := e.registry.Snapshot()
	for _, taskType := range datastore.RequiredTasks {
		if snapshot[taskType] == 0 {
			e.logger.Warn("no idle worker advertises required task type",
				"task_type", taskType)
		}
	}
}
