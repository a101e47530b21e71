package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/jobmon/jobmon/internal/config"
	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

// New opens the configured database. db.dialect selects sqlite or
// mysql; db.dsn is passed to the driver verbatim.
func New(cfg *config.Config, log *logger.Logger) (*Service, error) {
	serviceLog := log.With("service", "DBService")

	dialect := strings.ToLower(cfg.String("db.dialect", "sqlite"))
	dsn := cfg.String("db.dsn", "file:jobmon.db?_busy_timeout=5000&_journal_mode=WAL")

	gormCfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	}

	var (
		db  *gorm.DB
		err error
	)
	switch dialect {
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case "mysql":
		db, err = gorm.Open(mysql.Open(dsn), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported db dialect %q", dialect)
	}
	if err != nil {
		serviceLog.Error("Failed to connect to database", "dialect", dialect, "error", err)
		return nil, fmt.Errorf("connect %s: %w", dialect, err)
	}

	if dialect == "sqlite" {
		// Single writer at a time; busy_timeout keeps concurrent
		// handlers from surfacing "database is locked" immediately.
		sqlDB, derr := db.DB()
		if derr == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	serviceLog.Info("Connected to database", "dialect", dialect)
	return &Service{db: db, log: serviceLog}, nil
}

func (s *Service) AutoMigrateAll() error {
	s.log.Info("Auto migrating jobmon tables...")
	return s.db.AutoMigrate(
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
}

func (s *Service) DB() *gorm.DB {
	return s.db
}
