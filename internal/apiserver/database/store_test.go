package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatscope/threatscope/internal/common/config"
)

func newTestDatabase(t *testing.T) Database {
	t.Helper()
	db, err := NewDatabase(&config.DatabaseConfig{
		Type:   "sqlite",
		DBName: filepath.Join(t.TempDir(), "audit.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSaveAndListAuditRecords(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	records := []*AuditRecord{
		{Action: ActionConnected, ConnectionID: "c1", PrincipalID: "u1", RemoteAddr: "1.2.3.4"},
		{Action: ActionConnected, ConnectionID: "c2", PrincipalID: "u2"},
		{Action: ActionDisconnected, ConnectionID: "c1", PrincipalID: "u1"},
		{Action: ActionDispatch, PrincipalID: "admin", JobID: "scan-1", Detail: `{"delivered":3}`},
	}
	for _, r := range records {
		require.NoError(t, db.SaveAuditRecord(ctx, r))
	}

	t.Run("all records", func(t *testing.T) {
		got, total, err := db.ListAuditRecords(ctx, AuditFilter{})
		require.NoError(t, err)
		assert.EqualValues(t, 4, total)
		assert.Len(t, got, 4)
	})

	t.Run("filter by action", func(t *testing.T) {
		got, total, err := db.ListAuditRecords(ctx, AuditFilter{Action: ActionConnected})
		require.NoError(t, err)
		assert.EqualValues(t, 2, total)
		for _, r := range got {
			assert.Equal(t, ActionConnected, r.Action)
		}
	})

	t.Run("filter by principal", func(t *testing.T) {
		_, total, err := db.ListAuditRecords(ctx, AuditFilter{PrincipalID: "u1"})
		require.NoError(t, err)
		assert.EqualValues(t, 2, total)
	})

	t.Run("filter by job", func(t *testing.T) {
		got, total, err := db.ListAuditRecords(ctx, AuditFilter{JobID: "scan-1"})
		require.NoError(t, err)
		assert.EqualValues(t, 1, total)
		require.Len(t, got, 1)
		assert.Equal(t, ActionDispatch, got[0].Action)
	})

	t.Run("no matches", func(t *testing.T) {
		got, total, err := db.ListAuditRecords(ctx, AuditFilter{PrincipalID: "nobody"})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, got)
	})
}

func TestListAuditRecordsPagination(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, db.SaveAuditRecord(ctx, &AuditRecord{Action: ActionConnected}))
	}

	page1, total, err := db.ListAuditRecords(ctx, AuditFilter{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 25, total)
	assert.Len(t, page1, 10)

	page3, _, err := db.ListAuditRecords(ctx, AuditFilter{Page: 3, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, page3, 5)
}

func TestNewDatabaseUnsupportedType(t *testing.T) {
	_, err := NewDatabase(&config.DatabaseConfig{Type: "mongodb"})
	assert.Error(t, err)
}
