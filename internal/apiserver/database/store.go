package database

import (
	"context"

	"gorm.io/gorm"
)

// store implements Database on top of a gorm connection. All three
// drivers share this implementation and differ only in their dialector.
type store struct {
	db *gorm.DB
}

var _ Database = (*store)(nil)

func newStore(db *gorm.DB) (*store, error) {
	if err := db.AutoMigrate(&AuditRecord{}); err != nil {
		return nil, err
	}
	return &store{db: db}, nil
}

// Close implements Database.Close
func (s *store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveAuditRecord implements Database.SaveAuditRecord
func (s *store) SaveAuditRecord(ctx context.Context, record *AuditRecord) error {
	return s.db.WithContext(ctx).Create(record).Error
}

// ListAuditRecords implements Database.ListAuditRecords
func (s *store) ListAuditRecords(ctx context.Context, filter AuditFilter) ([]*AuditRecord, int64, error) {
	query := s.db.WithContext(ctx).Model(&AuditRecord{})
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.PrincipalID != "" {
		query = query.Where("principal_id = ?", filter.PrincipalID)
	}
	if filter.JobID != "" {
		query = query.Where("job_id = ?", filter.JobID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	var records []*AuditRecord
	err := query.
		Order("created_at desc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error
	return records, total, err
}
