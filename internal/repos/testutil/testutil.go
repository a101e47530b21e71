package testutil

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

// DB opens a fresh in-memory sqlite database with the full schema
// migrated. Each call gets its own database, so tests never share rows.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=private"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&domain.Dag{},
		&domain.Node{},
		&domain.Edge{},
		&domain.Workflow{},
		&domain.WorkflowAttribute{},
		&domain.WorkflowRun{},
		&domain.Array{},
		&domain.Task{},
		&domain.TaskArg{},
		&domain.TaskAttribute{},
		&domain.TaskInstance{},
		&domain.TaskResources{},
		&domain.TaskInstanceErrorLog{},
		&domain.TaskStatusAudit{},
		&domain.DistributorInstance{},
		&domain.Cluster{},
		&domain.Queue{},
	)
	if err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	return db
}

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	return logger.Nop()
}
