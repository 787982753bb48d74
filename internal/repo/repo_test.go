package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncoflow/internal/config"
	"oncoflow/internal/db"
	"oncoflow/internal/domain"
	"oncoflow/internal/migrate"
	"oncoflow/internal/repo"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	version, err := migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, 1, version)
	return repo.Repo{DB: conn}
}

func seedDossier(t *testing.T, r repo.Repo, id string) domain.Dossier {
	t.Helper()
	d := domain.Dossier{
		ID:              id,
		PatientRef:      "PAT-" + id,
		Machine:         "linac-1",
		Status:          domain.StatusToPrepare,
		Labels:          []string{"breast"},
		CreatedAt:       t0,
		StatusChangedAt: t0,
	}
	require.NoError(t, r.CreateDossier(context.Background(), d))
	return d
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	v, err := migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestDossierRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	want := seedDossier(t, r, "d-1")

	got, err := r.GetDossier(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	err = r.CreateDossier(ctx, want)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = r.GetDossier(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrUnknownDossier)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCommitTransitionCompareAndSet(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedDossier(t, r, "d-1")

	rec := domain.TransitionRecord{
		ID: "r-1", DossierID: "d-1",
		From: domain.StatusToPrepare, To: domain.StatusPrescriptionValidated,
		ActorID: "dr-a", ActorRole: domain.RoleOncologist,
		Timestamp: t0.Add(time.Hour), Outcome: domain.OutcomeCommitted,
	}
	got, err := r.CommitTransition(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Seq)

	d, err := r.GetDossier(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPrescriptionValidated, d.Status)
	assert.True(t, d.StatusChangedAt.Equal(t0.Add(time.Hour)))

	rec.ID = "r-2"
	_, err = r.CommitTransition(ctx, rec)
	assert.ErrorIs(t, err, domain.ErrStaleState)

	recs, err := r.ListTransitions(ctx, "d-1")
	require.NoError(t, err)
	require.Len(t, recs, 1, "a missed compare-and-set appends nothing")

	_, err = r.CommitTransition(ctx, domain.TransitionRecord{ID: "r-3", DossierID: "nope", Outcome: domain.OutcomeCommitted, Timestamp: t0})
	assert.ErrorIs(t, err, domain.ErrUnknownDossier)
}

func TestAppendTransitionSequences(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedDossier(t, r, "d-1")
	seedDossier(t, r, "d-2")

	for i, id := range []string{"d-1", "d-1", "d-2", "d-1"} {
		_, err := r.AppendTransition(ctx, domain.TransitionRecord{
			ID: "rej-" + string(rune('a'+i)), DossierID: id,
			From: domain.StatusToPrepare, To: domain.StatusClosed,
			ActorID: "x", ActorRole: domain.RoleTechnologist,
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Outcome:   domain.OutcomeRejected, Reason: domain.ReasonTransitionNotAllowed,
			MissingItems: []string{"a", "b"},
		})
		require.NoError(t, err)
	}
	recs, err := r.ListTransitions(ctx, "d-1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, int64(i+1), rec.Seq)
		assert.Equal(t, []string{"a", "b"}, rec.MissingItems)
	}
	all, err := r.ListAllTransitions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestRecordsAreImmutable(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedDossier(t, r, "d-1")
	_, err := r.AppendTransition(ctx, domain.TransitionRecord{
		ID: "r-1", DossierID: "d-1", From: domain.StatusToPrepare, To: domain.StatusClosed,
		ActorID: "x", ActorRole: domain.RoleTechnologist, Timestamp: t0, Outcome: domain.OutcomeRejected,
	})
	require.NoError(t, err)

	_, err = r.DB.ExecContext(ctx, `UPDATE transition_records SET outcome='committed'`)
	assert.Error(t, err)
	_, err = r.DB.ExecContext(ctx, `DELETE FROM transition_records`)
	assert.Error(t, err)
}

func TestChecklistPutReportsChange(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedDossier(t, r, "d-1")

	item := domain.ChecklistItem{DossierID: "d-1", Status: domain.StatusPlanValidated, Item: "qa_dosimetric", Checked: true, UpdatedBy: "phys", UpdatedAt: t0}
	changed, err := r.PutChecklistItem(ctx, item)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.PutChecklistItem(ctx, item)
	require.NoError(t, err)
	assert.False(t, changed)

	item.Checked = false
	changed, err = r.PutChecklistItem(ctx, item)
	require.NoError(t, err)
	assert.True(t, changed)

	items, err := r.ChecklistItems(ctx, "d-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, items[0].Checked)

	require.NoError(t, r.ClearChecklist(ctx, "d-1", []domain.Status{domain.StatusPlanValidated}))
	items, err = r.ChecklistItems(ctx, "d-1")
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = r.PutChecklistItem(ctx, domain.ChecklistItem{DossierID: "ghost", Status: domain.StatusClosed, Item: "x", UpdatedAt: t0})
	assert.ErrorIs(t, err, domain.ErrUnknownDossier)
}

func TestWorkflowVersions(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	_, err := r.LatestWorkflow(ctx)
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	def := config.Default().Definition()
	def.UpdatedAt = t0
	require.NoError(t, r.SaveWorkflow(ctx, def))
	next := def.Clone()
	next.Version = 2
	next.UpdatedBy = "admin"
	require.NoError(t, r.SaveWorkflow(ctx, next))

	got, err := r.LatestWorkflow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "admin", got.UpdatedBy)
	assert.Equal(t, def.Transitions, got.Transitions)
	assert.NoError(t, got.Validate())

	assert.Error(t, r.SaveWorkflow(ctx, next), "a version is written once")
}

func TestEventsAndAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	require.NoError(t, r.AppendEvent(ctx, domain.Event{TS: t0, Type: "workflow.updated", EntityKind: "workflow", ActorID: "admin", Payload: map[string]any{"version": 2}}))
	require.NoError(t, r.AppendEvent(ctx, domain.Event{TS: t0, Type: "checklist.item.set", EntityKind: "dossier", EntityID: "d-1", ActorID: "phys"}))
	evts, err := r.ListEvents(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "workflow.updated", evts[0].Type)
	assert.EqualValues(t, 2, evts[0].Payload["version"])
	later, err := r.ListEvents(ctx, evts[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, "d-1", later[0].EntityID)

	key := domain.APIKey{ID: "k-1", ActorID: "phys-1", Role: domain.RolePhysicist, Permissions: []string{"workflow.admin"}, KeyHash: repo.HashAPIKey("secret"), CreatedAt: t0}
	require.NoError(t, r.InsertAPIKey(ctx, key))
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" secret "))
	require.NoError(t, err)
	assert.Equal(t, key, got)
	keys, err := r.ListAPIKeys(ctx, "phys-1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	require.NoError(t, r.DeleteAPIKey(ctx, "k-1"))
	_, err = r.GetAPIKeyByHash(ctx, key.KeyHash)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
