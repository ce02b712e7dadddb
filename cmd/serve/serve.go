// Package serve implements the serve command, which runs the full service:
// reconciliation loop, callback API and MQTT side channels.
package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/arvela/insight-go/internal/api"
	"github.com/arvela/insight-go/internal/callback"
	"github.com/arvela/insight-go/internal/capability"
	"github.com/arvela/insight-go/internal/compute"
	"github.com/arvela/insight-go/internal/conf"
	"github.com/arvela/insight-go/internal/datastore"
	"github.com/arvela/insight-go/internal/jobs"
	"github.com/arvela/insight-go/internal/logging"
	"github.com/arvela/insight-go/internal/mediastore"
	"github.com/arvela/insight-go/internal/mqtt"
	"github.com/arvela/insight-go/internal/notify"
	"github.com/arvela/insight-go/internal/observability"
	"github.com/arvela/insight-go/internal/reconciler"
	"github.com/arvela/insight-go/internal/vectorindex"
)

// Command returns the serve subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the intelligence service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settings)
		},
	}
}

func run(settings *conf.Settings) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := datastore.New(settings)
	if store == nil {
		return fmt.Errorf("no database backend enabled in configuration")
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer store.Close()

	metrics := observability.NewMetrics()

	vectors, err := vectorindex.New(&settings.Vector)
	if err != nil {
		return fmt.Errorf("failed to create vector index gateway: %w", err)
	}
	defer vectors.Close()
	if err := vectors.EnsureCollections(ctx); err != nil {
		// The index may simply not be up yet; embedding callbacks retry
		// collection-level failures per operation.
		logging.Warn("vector collections not ready", "error", err)
	}

	blobs, err := mediastore.NewFileStore(settings)
	if err != nil {
		return fmt.Errorf("failed to open media storage: %w", err)
	}

	cluster, err := compute.NewClient(settings)
	if err != nil {
		return fmt.Errorf("failed to create compute client: %w", err)
	}
	defer cluster.Close()

	// MQTT side channels: capability discovery in, status broadcasts out.
	var mqttClient mqtt.Client
	var registry *capability.Registry
	var broadcaster *notify.Broadcaster
	if settings.MQTT.Enabled {
		mqttClient, err = mqtt.NewClient(settings)
		if err != nil {
			return fmt.Errorf("failed to create MQTT client: %w", err)
		}
		broadcaster = notify.NewBroadcaster(mqttClient, settings.MQTT.StatusTopic)

		if err := mqttClient.Connect(ctx); err != nil {
			logging.Warn("MQTT connect failed, continuing without side channels", "error", err)
		}
		defer mqttClient.Disconnect()

		registry = capability.NewRegistry(settings.MQTT.CapabilityTopicPrefix, settings.LivenessWindow(), metrics)
		if err := registry.Attach(mqttClient); err != nil {
			logging.Warn("capability subscription failed", "error", err)
		}
	}

	orchestrator := jobs.NewOrchestrator(store, cluster, blobs, settings.Compute.CallbackBaseURL, metrics)
	processor := callback.NewProcessor(store, vectors, cluster, blobs, orchestrator, settings, metrics)
	engine := reconciler.NewEngine(store, orchestrator, registry, broadcaster, settings, metrics)

	e := echo.New()
	e.HideBanner = true
	controller := api.New(e, store, settings, processor, registry, vectors, metrics)
	defer controller.Close()

	serverErr := make(chan error, 1)
	go func() {
		addr := ":" + settings.WebServer.Port
		logging.Info("HTTP server listening", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go engine.Start(ctx)

	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	logging.Info("shutting down")
	if broadcaster != nil {
		broadcaster.PublishStatus("offline")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logging.Error("HTTP server shutdown failed", "error", err)
	}
	return nil
}
