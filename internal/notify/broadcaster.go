// Package notify publishes the reconciler's status on a retained MQTT topic
// so dashboards and sibling services see the current state without polling.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/arvela/insight-go/internal/logging"
	"github.com/arvela/insight-go/internal/mqtt"
)

// Status is the retained payload on the status topic.
type Status struct {
	Status         string `json:"status"` // running, idle, offline
	VersionStart   int64  `json:"version_start"`
	VersionEnd     int64  `json:"version_end"`
	ProcessedCount int    `json:"processed_count"`
	Timestamp      int64  `json:"timestamp"` // unix milliseconds
}

// Broadcaster publishes reconciliation status updates. All methods are
// best-effort: a broken broker connection is logged, never propagated, so
// the reconciler keeps running without MQTT.
type Broadcaster struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger

	mu      sync.Mutex
	current Status
}

// NewBroadcaster creates a broadcaster on topic. client may be nil when MQTT
// is disabled; every publish then becomes a no-op.
func NewBroadcaster(client mqtt.Client, topic string) *Broadcaster {
	b := &Broadcaster{
		client: client,
		topic:  topic,
		logger: logging.ForService("notify"),
		current: Status{
			Status:         "unknown",
			ProcessedCount: -1,
		},
	}
	if client != nil {
		// The broker publishes the offline status for us if we vanish.
		offline := b.current
		offline.Status = "offline"
		if payload, err := json.Marshal(&offline); err == nil {
			client.SetWill(topic, string(payload))
		}
	}
	return b
}

// PublishStart announces a reconciliation pass over [versionStart, versionEnd].
func (b *Broadcaster) PublishStart(versionStart, versionEnd int64) {
	b.mu.Lock()
	b.current.Status = "running"
	b.current.VersionStart = versionStart
	b.current.VersionEnd = versionEnd
	b.current.ProcessedCount = -1
	b.mu.Unlock()
	b.broadcast()
}

// PublishEnd announces the end of a pass and how many entities it touched.
func (b *Broadcaster) PublishEnd(processedCount int) {
	b.mu.Lock()
	b.current.Status = "idle"
	b.current.ProcessedCount = processedCount
	b.mu.Unlock()
	b.broadcast()
}

// PublishStatus publishes an arbitrary status string, keeping the other
// fields from the previous update.
func (b *Broadcaster) PublishStatus(status string) {
	b.mu.Lock()
	b.current.Status = status
	b.mu.Unlock()
	b.broadcast()
}

func (b *Broadcaster) broadcast() {
	if b.client == nil {
		return
	}

	b.mu.Lock()
	b.current.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(&b.current)
	b.mu.Unlock()
	if err != nil {
		b.logger.Error("failed to marshal status", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.client.PublishRetained(ctx, b.topic, string(payload)); err != nil {
		b.logger.Warn("failed to publish status", "topic", b.topic, "error", err)
	}
}
