// Package reset implements the reset command, the operator path for
// retrying an entity whose jobs failed terminally.
package reset

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/arvela/insight-go/internal/conf"
	"github.com/arvela/insight-go/internal/datastore"
)

// Command returns the reset subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [entity-id]",
		Short: "Delete an entity's failed jobs so reconciliation retries them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entity id %q: %w", args[0], err)
			}
			return run(settings, entityID)
		},
	}
}

func run(settings *conf.Settings, entityID int64) error {
	store := datastore.New(settings)
	if store == nil {
		return fmt.Errorf("no database backend enabled in configuration")
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer store.Close()

	intel, err := store.GetIntelligence(entityID)
	if err != nil {
		return err
	}
	if intel == nil {
		return fmt.Errorf("entity %d has no intelligence record", entityID)
	}

	contentHash := intel.ActiveContentHash
	if contentHash == "" {
		contentHash = intel.LastProcessedContentHash
	}

	deleted, err := store.DeleteFailedJobs(entityID, contentHash)
	if err != nil {
		return err
	}

	intel.ErrorMessage = ""
	if err := store.UpsertIntelligence(intel); err != nil {
		return err
	}

	fmt.Printf("entity %d: deleted %d failed job(s) for hash %s\n", entityID, deleted, contentHash)
	fmt.Println("the next reconciliation pass will resubmit the missing tasks")
	return nil
}
