package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"oncoflow/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ctx := context.Background()
	first, err := Migrate(ctx, conn)
	require.NoError(t, err)
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.Equal(t, migrations[len(migrations)-1].Version, first)

	again, err := Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, first, again)

	for _, table := range []string{"dossiers", "transition_records", "checklist_items", "workflow_versions", "events", "api_keys", "staleness_marks"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}
