package checklist_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncoflow/internal/checklist"
	"oncoflow/internal/config"
	"oncoflow/internal/domain"
	"oncoflow/internal/logging"
	"oncoflow/internal/memstore"
)

func newTracker(t *testing.T) (*checklist.Tracker, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	now := time.Date(2024, 6, 1, 7, 30, 0, 0, time.UTC)
	require.NoError(t, store.CreateDossier(context.Background(), domain.Dossier{ID: "d-1", Status: domain.StatusToPrepare, CreatedAt: now, StatusChangedAt: now}))
	tr := checklist.New(store, store, logging.NewNop())
	tr.Now = func() time.Time { return now }
	return tr, store
}

func item(dossierID string, status domain.Status, key string, checked bool, actorID string) domain.ChecklistItem {
	return domain.ChecklistItem{DossierID: dossierID, Status: status, Item: key, Checked: checked, UpdatedBy: actorID}
}

func TestSetItemIsIdempotent(t *testing.T) {
	tr, store := newTracker(t)
	ctx := context.Background()
	def := config.Default().Definition()

	for i := 0; i < 3; i++ {
		_, err := tr.SetItem(ctx, def, item("d-1", domain.StatusPlanValidated, "qa_dosimetric", true, "phys-1"))
		require.NoError(t, err)
	}
	evts, err := store.ListEvents(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, evts, 1, "repeated writes of the same value record one change")

	ok, missing, err := tr.IsSatisfied(ctx, def, "d-1", domain.StatusPlanValidated)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, missing)

	_, err = tr.SetItem(ctx, def, item("d-1", domain.StatusPlanValidated, "qa_dosimetric", false, "phys-1"))
	require.NoError(t, err)
	evts, err = store.ListEvents(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, evts, 2)
	assert.Equal(t, "checklist.item.set", evts[1].Type)
}

func TestIsSatisfiedReportsMissingSorted(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	def := config.Default().Definition()
	def.ChecklistRequirements[domain.StatusPlanValidated] = []string{"qa_dosimetric", "oncologist_signature", "contours_locked"}

	_, err := tr.SetItem(ctx, def, item("d-1", domain.StatusPlanValidated, "oncologist_signature", true, "onc-1"))
	require.NoError(t, err)
	// checked under another status does not count
	_, err = tr.SetItem(ctx, def, item("d-1", domain.StatusPlanInReview, "contours_locked", true, "onc-1"))
	require.NoError(t, err)

	ok, missing, err := tr.IsSatisfied(ctx, def, "d-1", domain.StatusPlanValidated)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"contours_locked", "qa_dosimetric"}, missing)

	ok, missing, err = tr.IsSatisfied(ctx, def, "d-1", domain.StatusContouringRework)
	require.NoError(t, err)
	assert.True(t, ok, "no requirements is vacuously satisfied")
	assert.Nil(t, missing)
}

func TestSetItemRejectsUnknownItem(t *testing.T) {
	tr, _ := newTracker(t)
	def := config.Default().Definition()
	_, err := tr.SetItem(context.Background(), def, item("d-1", domain.StatusPlanValidated, "coffee", true, "onc-1"))
	assert.ErrorIs(t, err, domain.ErrUnknownChecklistItem)

	_, err = tr.SetItem(context.Background(), def, item("missing", domain.StatusPlanValidated, "qa_dosimetric", true, "onc-1"))
	assert.ErrorIs(t, err, domain.ErrUnknownDossier)
}

func TestResetAndState(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	def := config.Default().Definition()
	_, err := tr.SetItem(ctx, def, item("d-1", domain.StatusPlanValidated, "qa_dosimetric", true, "phys-1"))
	require.NoError(t, err)
	_, err = tr.SetItem(ctx, def, item("d-1", domain.StatusInTreatment, "daily_machine_qa", true, "tech-1"))
	require.NoError(t, err)

	require.NoError(t, tr.Reset(ctx, "d-1", domain.StatusInTreatment))
	state, err := tr.State(ctx, "d-1")
	require.NoError(t, err)
	assert.Len(t, state[domain.StatusPlanValidated], 1)
	assert.Empty(t, state[domain.StatusInTreatment])
}

func TestReentryStatuses(t *testing.T) {
	assert.Equal(t,
		[]domain.Status{domain.StatusReadyForTreatment, domain.StatusInTreatment},
		checklist.ReentryStatuses(domain.StatusInTreatment, domain.StatusPlanValidated))
	assert.Equal(t,
		[]domain.Status{domain.StatusPlanInReview},
		checklist.ReentryStatuses(domain.StatusPlanInReview, domain.StatusContouringRework))
	assert.Equal(t,
		[]domain.Status{domain.StatusContouringRework},
		checklist.ReentryStatuses(domain.StatusContouringRework, domain.StatusContoursValidated))
}
