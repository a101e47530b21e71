package services

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/platform/logger"
)

const (
	lockRetryMax     = 5
	lockRetryInitial = 2 * time.Millisecond
)

// TxRunner wraps a unit of work in one transaction and retries the
// whole transaction on lock contention with exponential backoff
// (2, 4, 8, 16, 32 ms). Services called inside never commit; every
// retry starts from a rollback.
type TxRunner struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTxRunner(db *gorm.DB, baseLog *logger.Logger) *TxRunner {
	return &TxRunner{db: db, log: baseLog.With("component", "TxRunner")}
}

func (r *TxRunner) Run(ctx context.Context, fn func(tx *gorm.DB) error) error {
	delay := lockRetryInitial
	var err error
	for attempt := 0; attempt < lockRetryMax; attempt++ {
		err = r.db.WithContext(ctx).Transaction(fn)
		if err == nil || !isLockError(err) {
			return err
		}
		r.log.Debug("Retrying transaction after lock contention",
			"attempt", attempt+1, "delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadlock"),
		strings.Contains(msg, "lock wait timeout"),
		strings.Contains(msg, "could not obtain lock"),
		strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"):
		return true
	}
	return false
}
