// Package locks estimates the PostgreSQL table lock a migration statement
// takes.
package locks

import "fmt"

// LockMode represents PostgreSQL lock modes
// See: https://www.postgresql.org/docs/current/explicit-locking.html
type LockMode int

const (
	// LockAccessShare is taken by SELECT.
	LockAccessShare LockMode = iota

	// LockRowShare is taken by SELECT FOR UPDATE/FOR SHARE.
	LockRowShare

	// LockRowExclusive is taken by INSERT, UPDATE and DELETE.
	LockRowExclusive

	// LockShareUpdateExclusive is taken by CREATE INDEX CONCURRENTLY and
	// VALIDATE CONSTRAINT. Reads and writes continue.
	LockShareUpdateExclusive

	// LockShare is taken by CREATE INDEX. Blocks writes, allows reads.
	LockShare

	LockShareRowExclusive

	LockExclusive

	// LockAccessExclusive is taken by most DDL. Blocks all reads and writes.
	LockAccessExclusive
)

func (l LockMode) String() string {
	switch l {
	case LockAccessShare:
		return "ACCESS SHARE"
	case LockRowShare:
		return "ROW SHARE"
	case LockRowExclusive:
		return "ROW EXCLUSIVE"
	case LockShareUpdateExclusive:
		return "SHARE UPDATE EXCLUSIVE"
	case LockShare:
		return "SHARE"
	case LockShareRowExclusive:
		return "SHARE ROW EXCLUSIVE"
	case LockExclusive:
		return "EXCLUSIVE"
	case LockAccessExclusive:
		return "ACCESS EXCLUSIVE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", l)
	}
}

// BlocksReads returns true if this lock mode blocks SELECT queries
func (l LockMode) BlocksReads() bool {
	return l == LockAccessExclusive
}

// BlocksWrites returns true if this lock mode blocks INSERT/UPDATE/DELETE
func (l LockMode) BlocksWrites() bool {
	return l >= LockShare
}

// ImpactLevel returns a simple categorization of the lock's impact
func (l LockMode) ImpactLevel() ImpactLevel {
	switch l {
	case LockAccessShare, LockRowShare, LockRowExclusive:
		return ImpactNone
	case LockShareUpdateExclusive:
		return ImpactLow
	case LockShare:
		return ImpactMedium
	default:
		return ImpactHigh
	}
}

// ImpactLevel categorizes the severity of lock impact
type ImpactLevel int

const (
	ImpactNone   ImpactLevel = iota // no blocking
	ImpactLow                       // concurrent operations
	ImpactMedium                    // blocks writes
	ImpactHigh                      // blocks everything
)

func (i ImpactLevel) String() string {
	switch i {
	case ImpactNone:
		return "NONE"
	case ImpactLow:
		return "LOW"
	case ImpactMedium:
		return "MEDIUM"
	case ImpactHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}
