package models

import "time"

// StorageTime is the one conversion applied to every timestamp that crosses
// the storage boundary: UTC, microsecond precision (what PostgreSQL keeps).
func StorageTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// StorageTimePtr is StorageTime for optional fields.
func StorageTimePtr(t time.Time) *time.Time {
	st := StorageTime(t)
	return &st
}
