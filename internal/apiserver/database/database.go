package database

import (
	"context"
)

// Database is the narrow persistence surface the notification service
// uses: create and query audit records. Everything else about storage
// lives behind this interface.
type Database interface {
	// Close closes the database connection.
	Close() error

	// SaveAuditRecord persists one audit record.
	SaveAuditRecord(ctx context.Context, record *AuditRecord) error

	// ListAuditRecords returns audit records matching the filter,
	// newest first, with the total match count.
	ListAuditRecords(ctx context.Context, filter AuditFilter) ([]*AuditRecord, int64, error)
}

// AuditFilter narrows an audit query.
type AuditFilter struct {
	Action      string
	PrincipalID string
	JobID       string
	Page        int
	PageSize    int
}
