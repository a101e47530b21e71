package repos

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// resolve returns the transaction handle to use: the caller's tx when
// given, the repo's base handle otherwise. Same contract as every repo
// method in this package: passing tx == nil runs outside any caller
// transaction.
func resolve(base, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return base
}

// rowLock applies FOR UPDATE with the given options on MySQL. SQLite
// has no row locks; its single-writer connection plus busy_timeout
// serves the same purpose, so the clause is skipped there.
func rowLock(tx *gorm.DB, options string) *gorm.DB {
	if tx.Dialector.Name() != "mysql" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: options})
}

const (
	LockNowait     = "NOWAIT"
	LockSkipLocked = "SKIP LOCKED"
)
