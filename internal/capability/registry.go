// Package capability tracks which compute workers are alive and what task
// types they advertise. Workers announce themselves on retained MQTT topics;
// entries expire after a liveness window so a worker that stops announcing
// drops out of the snapshot without any explicit removal.
package capability

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/arvela/insight-go/internal/logging"
	"github.com/arvela/insight-go/internal/mqtt"
	"github.com/arvela/insight-go/internal/observability"
)

// Announcement is the payload a worker publishes on its capability topic.
type Announcement struct {
	WorkerID     string   `json:"worker_id,omitempty"`
	Capabilities []string `json:"capabilities"`
	IdleCount    int      `json:"idle_count"`
}

// Registry aggregates worker announcements into per-task idle counts.
type Registry struct {
	workers *cache.Cache
	topics  string
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewRegistry creates a registry whose entries expire after livenessWindow.
// topicPrefix is the capability topic root, e.g. "inference/workers".
func NewRegistry(topicPrefix string, livenessWindow time.Duration, metrics *observability.Metrics) *Registry {
	return &Registry{
		workers: cache.New(livenessWindow, livenessWindow/2),
		topics:  topicPrefix,
		metrics: metrics,
		logger:  logging.ForService("capability"),
	}
}

// Attach subscribes the registry to the capability topics on client.
// The wildcard covers one level, one worker per topic.
func (r *Registry) Attach(client mqtt.Client) error {
	return client.Subscribe(r.topics+"/+", r.HandleMessage)
}

// HandleMessage processes one announcement. The worker id is the last topic
// segment; an empty payload is the broker's last-will for a worker that
// disconnected and removes it immediately.
func (r *Registry) HandleMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		r.logger.Warn("invalid capability topic", "topic", topic)
		return
	}
	workerID := parts[len(parts)-1]

	if len(strings.TrimSpace(string(payload))) == 0 {
		r.workers.Delete(workerID)
		r.logger.Info("worker disconnected", "worker_id", workerID)
		r.publishGauges()
		return
	}

	var ann Announcement
	if err := json.Unmarshal(payload, &ann); err != nil {
		r.logger.Error("failed to parse capability announcement",
			"worker_id", workerID, "error", err)
		return
	}

	r.workers.SetDefault(workerID, &ann)
	r.logger.Debug("updated worker capabilities",
		"worker_id", workerID,
		"capabilities", ann.Capabilities,
		"idle_count", ann.IdleCount)
	r.publishGauges()
}

// RecordAnnouncement inserts an announcement directly, bypassing MQTT.
// Used by tests and by local in-process workers.
func (r *Registry) RecordAnnouncement(workerID string, ann *Announcement) {
	r.workers.SetDefault(workerID, ann)
	r.publishGauges()
}

// Snapshot returns total idle worker slots per task type across all live
// workers. Task types with no live worker are absent from the map.
func (r *Registry) Snapshot() map[string]int {
	aggregated := make(map[string]int)
	for _, item := range r.workers.Items() {
		ann, ok := item.Object.(*Announcement)
		if !ok {
			continue
		}
		for _, capability := range ann.Capabilities {
			aggregated[capability] += ann.IdleCount
		}
	}
	return aggregated
}

// Available reports whether any live worker advertises taskType.
func (r *Registry) Available(taskType string) bool {
	return r.Snapshot()[taskType] > 0
}

// WorkerCount returns the number of live workers.
func (r *Registry) WorkerCount() int {
	return r.workers.ItemCount()
}

func (r *Registry) publishGauges() {
	if r.metrics == nil {
		return
	}
	r.metrics.WorkersAvailable.Reset()
	for taskType, idle := range r.Snapshot() {
		r.metrics.WorkersAvailable.WithLabelValues(taskType).Set(float64(idle))
	}
}
