package datastore

import (
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultSlowQueryThreshold defines the duration after which a query is
// considered slow and logged at warn level.
const DefaultSlowQueryThreshold = 1 * time.Second

// createGormLogger configures and returns a new GORM logger instance.
func createGormLogger(debug bool) gormlogger.Interface {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	return gormlogger.Default.LogMode(level)
}

// performAutoMigration runs gorm AutoMigrate for all tables owned by this
// service. The entity version log table is included so a standalone deployment
// is self-contained; in shared-database deployments the entity CRUD service
// owns that table and the migration is a no-op.
func performAutoMigration(db *gorm.DB, debug bool, dialect, connInfo string) error {
	if err := db.AutoMigrate(
		&SyncCheckpoint{},
		&IntelligenceRecord{},
		&JobRecord{},
		&DetectedFace{},
		&Person{},
		&FaceMatch{},
		&EntityVersion{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate %s database: %w", dialect, err)
	}
	if debug {
		fmt.Printf("%s database initialized: %s\n", dialect, connInfo)
	}
	return nil
}

// sortEntityVersions orders coalesced version rows by version ascending so the
// reconciler processes entities in log order.
func sortEntityVersions(versions []EntityVersion) {
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version < versions[j].Version
	})
}
