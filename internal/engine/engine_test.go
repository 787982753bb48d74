package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"oncoflow/internal/config"
	"oncoflow/internal/db"
	"oncoflow/internal/domain"
	"oncoflow/internal/engine"
	"oncoflow/internal/engine/auth"
	"oncoflow/internal/logging"
	"oncoflow/internal/memstore"
	"oncoflow/internal/migrate"
	"oncoflow/internal/notify"
	"oncoflow/internal/repo"
)

var (
	onc   = domain.Actor{ID: "dr-onc", Role: domain.RoleOncologist}
	phys  = domain.Actor{ID: "phys-1", Role: domain.RolePhysicist}
	dosi  = domain.Actor{ID: "dosi-1", Role: domain.RoleDosimetrist}
	tech  = domain.Actor{ID: "tech-1", Role: domain.RoleTechnologist}
	coord = domain.Actor{ID: "coord-1", Role: domain.RoleCoordination}
	admin = domain.Actor{ID: "admin", Role: domain.RoleCoordination, Permissions: []string{auth.PermissionWorkflowAdmin}}
)

type testEnv struct {
	Engine engine.Engine
	DB     *sql.DB
	Feed   *notify.Feed
	Disp   *notify.Dispatcher
	Ctx    context.Context
}

func openSQLite(t *testing.T, dir string) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func newEnv(t *testing.T, store engine.Store, conn *sql.DB, opts engine.Options) testEnv {
	t.Helper()
	ctx := context.Background()
	eng, err := engine.New(ctx, store, config.Default().Definition(), opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	feed := notify.NewFeed(100)
	disp := notify.NewDispatcher(store, eng.Workflow.Snapshot, []notify.Sink{feed}, notify.Options{Logger: logging.NewNop(), Metrics: eng.Metrics})
	eng.Notifier = disp
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, DB: conn, Feed: feed, Disp: disp, Ctx: ctx}
}

// newTestEnv runs the engine on a sqlite workspace in a temp dir.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn := openSQLite(t, t.TempDir())
	return newEnv(t, repo.Repo{DB: conn}, conn, engine.Options{Logger: logging.NewNop()})
}

func newMemEnv(t *testing.T, opts engine.Options) testEnv {
	t.Helper()
	opts.Logger = logging.NewNop()
	return newEnv(t, memstore.New(), nil, opts)
}

type step struct {
	to    domain.Status
	actor domain.Actor
	item  string
}

var forward = []step{
	{domain.StatusPrescriptionValidated, onc, "identity_validated"},
	{domain.StatusContoursValidated, dosi, "prescription_signed"},
	{domain.StatusPlanInReview, dosi, "contours_locked"},
	{domain.StatusPlanValidated, phys, "qa_dosimetric"},
	{domain.StatusReadyForTreatment, onc, "oncologist_signature"},
	{domain.StatusInTreatment, tech, "daily_machine_qa"},
	{domain.StatusClosed, onc, ""},
}

func (env testEnv) create(t *testing.T, id string) domain.Dossier {
	t.Helper()
	d, err := env.Engine.CreateDossier(env.Ctx, engine.DossierCreateOptions{ID: id, PatientRef: "PAT-" + id, ActorID: coord.ID})
	if err != nil {
		t.Fatalf("create dossier: %v", err)
	}
	return d
}

func (env testEnv) check(t *testing.T, id string, status domain.Status, item string) {
	t.Helper()
	if _, err := env.Engine.SetChecklistItem(env.Ctx, phys, id, status, item, true); err != nil {
		t.Fatalf("check %s/%s: %v", status, item, err)
	}
}

// walk moves a dossier forward along the default path until it reaches target.
func (env testEnv) walk(id string, target domain.Status) error {
	d, err := env.Engine.GetDossier(env.Ctx, id)
	if err != nil {
		return err
	}
	cur := d.Status
	for _, s := range forward {
		if cur == target {
			return nil
		}
		if s.to.Rank() <= cur.Rank() {
			continue
		}
		if s.item != "" {
			if _, err := env.Engine.SetChecklistItem(env.Ctx, phys, id, s.to, s.item, true); err != nil {
				return fmt.Errorf("check %s/%s: %w", s.to, s.item, err)
			}
		}
		res, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{DossierID: id, From: cur, To: s.to, Actor: s.actor})
		if err != nil {
			return fmt.Errorf("%s -> %s: %w", cur, s.to, err)
		}
		cur = res.NewStatus
	}
	if cur != target {
		return fmt.Errorf("dossier stopped at %s, wanted %s", cur, target)
	}
	return nil
}

func (env testEnv) advance(t *testing.T, id string, target domain.Status) {
	t.Helper()
	if err := env.walk(id, target); err != nil {
		t.Fatal(err)
	}
}

func reason(err error) domain.Reason {
	return domain.RejectionReason(err)
}

func TestHappyPathToClosed(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "d-1")
	env.advance(t, "d-1", domain.StatusClosed)

	recs, err := env.Engine.ListAudit(env.Ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 7 {
		t.Fatalf("expected 7 records, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Seq != int64(i+1) || rec.Outcome != domain.OutcomeCommitted {
			t.Fatalf("record %d: %+v", i, rec)
		}
	}
	status, err := env.Engine.Audit.ReconstructCurrentStatus(env.Ctx, "d-1")
	if err != nil || status != domain.StatusClosed {
		t.Fatalf("reconstruct: %s %v", status, err)
	}
	if got := env.Disp.Drain(env.Ctx); got != 7 {
		t.Fatalf("expected 7 transitioned events, got %d", got)
	}
}

func TestStaleStateIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "d-1")
	env.advance(t, "d-1", domain.StatusPrescriptionValidated)

	res, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		DossierID: "d-1", From: domain.StatusToPrepare, To: domain.StatusPrescriptionValidated, Actor: onc,
	})
	if !errors.Is(err, domain.ErrStaleState) {
		t.Fatalf("expected stale state, got %v", err)
	}
	if res.NewStatus != domain.StatusPrescriptionValidated {
		t.Fatalf("status should be unchanged, got %s", res.NewStatus)
	}
	if res.Record.Outcome != domain.OutcomeRejected || res.Record.Reason != domain.ReasonStaleState {
		t.Fatalf("unexpected record %+v", res.Record)
	}
}

func TestTransitionNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "d-1")
	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		DossierID: "d-1", From: domain.StatusToPrepare, To: domain.StatusClosed, Actor: onc,
	})
	if reason(err) != domain.ReasonTransitionNotAllowed {
		t.Fatalf("expected transition_not_allowed, got %v", err)
	}
	recs, _ := env.Engine.ListAudit(env.Ctx, "d-1")
	if len(recs) != 1 || recs[0].Outcome != domain.OutcomeRejected {
		t.Fatalf("expected one rejected record, got %+v", recs)
	}
}

func TestRoleAuthorizationMatchesAllowedRoles(t *testing.T) {
	env := newTestEnv(t)
	def := env.Engine.WorkflowSnapshot()
	for _, role := range domain.AllRoles {
		id := "d-" + string(role)
		env.create(t, id)
		env.check(t, id, domain.StatusPrescriptionValidated, "identity_validated")
		_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
			DossierID: id, From: domain.StatusToPrepare, To: domain.StatusPrescriptionValidated,
			Actor: domain.Actor{ID: "a-" + string(role), Role: role},
		})
		allowed := def.RoleAllowed(domain.StatusPrescriptionValidated, role)
		if allowed && err != nil {
			t.Fatalf("%s should pass: %v", role, err)
		}
		if !allowed && reason(err) != domain.ReasonRoleNotAuthorized {
			t.Fatalf("%s should be refused, got %v", role, err)
		}
	}
}

func TestChecklistIncompleteNamesMissingItems(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "d-1")
	env.advance(t, "d-1", domain.StatusPlanInReview)

	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		DossierID: "d-1", From: domain.StatusPlanInReview, To: domain.StatusPlanValidated, Actor: onc,
	})
	var rej *domain.RejectionError
	if !errors.As(err, &rej) || rej.Reason != domain.ReasonChecklistIncomplete {
		t.Fatalf("expected checklist_incomplete, got %v", err)
	}
	if len(rej.MissingItems) != 1 || rej.MissingItems[0] != "qa_dosimetric" {
		t.Fatalf("unexpected missing items %v", rej.MissingItems)
	}
	d, _ := env.Engine.GetDossier(env.Ctx, "d-1")
	if d.Status != domain.StatusPlanInReview {
		t.Fatalf("status changed to %s", d.Status)
	}
	recs, _ := env.Engine.ListAudit(env.Ctx, "d-1")
	last := recs[len(recs)-1]
	if last.Reason != domain.ReasonChecklistIncomplete || len(last.MissingItems) != 1 {
		t.Fatalf("audit record lacks missing items: %+v", last)
	}
}

func TestBackwardTransitionNeedsComment(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "d-1")
	env.advance(t, "d-1", domain.StatusInTreatment)
	env.Disp.Drain(env.Ctx)
	latest := env.Feed.Latest()

	for _, comment := range []string{"", "   \t"} {
		_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
			DossierID: "d-1", From: domain.StatusInTreatment, To: domain.StatusReadyForTreatment, Actor: phys, Comment: comment,
		})
		if reason(err) != domain.ReasonCommentRequired {
			t.Fatalf("comment %q: expected comment_required, got %v", comment, err)
		}
	}
	res, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		DossierID: "d-1", From: domain.StatusInTreatment, To: domain.StatusReadyForTreatment, Actor: phys, Comment: "linac down",
	})
	if err != nil {
		t.Fatalf("backward with comment: %v", err)
	}
	if res.Record.Comment != "linac down" {
		t.Fatalf("comment not recorded")
	}
	env.Disp.Drain(env.Ctx)
	evts, _ := env.Feed.Since(latest, 0, "")
	if len(evts) != 1 || evts[0].Kind != domain.NotificationTransitioned {
		t.Fatalf("expected one transitioned event, got %+v", evts)
	}
	roles := map[domain.Role]bool{}
	for _, r := range evts[0].TargetRoles {
		roles[r] = true
	}
	if len(roles) != 2 || !roles[domain.RolePhysicist] || !roles[domain.RoleTechnologist] {
		t.Fatalf("unexpected audience %v", evts[0].TargetRoles)
	}
}

func TestForwardTransitionsNeedNoComment(t *testing.T) {
	env := newTestEnv(t)
	def := env.Engine.WorkflowSnapshot()
	for from, edges := range def.Transitions {
		for _, edge := range edges {
			if got := def.IsBackward(from, edge.To); got != edge.Backward {
				t.Fatalf("%s -> %s backward=%v, edge says %v", from, edge.To, got, edge.Backward)
			}
			if fr, tr := from.Rank(), edge.To.Rank(); fr >= 0 && tr > fr && edge.Backward {
				t.Fatalf("%s -> %s is forward but flagged backward", from, edge.To)
			}
		}
	}
	if !def.IsBackward(domain.StatusPlanInReview, domain.StatusContouringRework) {
		t.Fatalf("rework loop must be backward")
	}
	if def.IsBackward(domain.StatusContouringRework, domain.StatusContoursValidated) {
		t.Fatalf("leaving contouring rework must not need a comment")
	}
}

func TestGuardOrder(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "d-1")
	// wrong From, illegal target, wrong role: staleness is reported first
	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		DossierID: "d-1", From: domain.StatusPlanValidated, To: domain.StatusClosed, Actor: tech,
	})
	if reason(err) != domain.ReasonStaleState {
		t.Fatalf("expected stale first, got %v", err)
	}
	// illegal target and wrong role: not allowed wins
	_, err = env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		DossierID: "d-1", From: domain.StatusToPrepare, To: domain.StatusClosed, Actor: tech,
	})
	if reason(err) != domain.ReasonTransitionNotAllowed {
		t.Fatalf("expected not allowed, got %v", err)
	}
	// wrong role and missing checklist: role wins
	_, err = env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		DossierID: "d-1", From: domain.StatusToPrepare, To: domain.StatusPrescriptionValidated, Actor: tech,
	})
	if reason(err) != domain.ReasonRoleNotAuthorized {
		t.Fatalf("expected role not authorized, got %v", err)
	}
}

func TestUnknownDossierIsNotRecorded(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		DossierID: "ghost", From: domain.StatusToPrepare, To: domain.StatusPrescriptionValidated, Actor: onc,
	})
	if !errors.Is(err, domain.ErrUnknownDossier) {
		t.Fatalf("expected unknown dossier, got %v", err)
	}
	all, _ := env.Engine.ListAudit(env.Ctx, "")
	if len(all) != 0 {
		t.Fatalf("expected empty audit, got %d", len(all))
	}
}

func TestConcurrentAttemptsCommitOnce(t *testing.T) {
	env := newMemEnv(t, engine.Options{})
	env.create(t, "d-1")
	env.check(t, "d-1", domain.StatusPrescriptionValidated, "identity_validated")

	const n = 24
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
				DossierID: "d-1", From: domain.StatusToPrepare, To: domain.StatusPrescriptionValidated, Actor: onc,
			})
		}(i)
	}
	wg.Wait()

	committed, stale := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			committed++
		case errors.Is(err, domain.ErrStaleState):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if committed != 1 || stale != n-1 {
		t.Fatalf("committed=%d stale=%d", committed, stale)
	}
	recs, _ := env.Engine.ListAudit(env.Ctx, "d-1")
	if len(recs) != n {
		t.Fatalf("expected %d records, got %d", n, len(recs))
	}
	for i, rec := range recs {
		if rec.Seq != int64(i+1) {
			t.Fatalf("sequence gap at %d: %d", i, rec.Seq)
		}
	}
	if got := testutil.ToFloat64(env.Engine.Metrics.TransitionAttempts.WithLabelValues("rejected", "stale_state")); got != n-1 {
		t.Fatalf("stale metric %v", got)
	}
}

func TestConcurrentDossiersProceedIndependently(t *testing.T) {
	env := newMemEnv(t, engine.Options{})
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for _, id := range ids {
		env.create(t, id)
	}
	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = env.walk(id, domain.StatusClosed)
		}(i, id)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("dossier %s: %v", ids[i], err)
		}
	}
	mismatches, err := env.Engine.Reconcile(env.Ctx)
	if err != nil || len(mismatches) != 0 {
		t.Fatalf("reconcile: %v %v", mismatches, err)
	}
}

func TestAdminMutationIsVisibleToNextAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "d-1")
	env.check(t, "d-1", domain.StatusPrescriptionValidated, "identity_validated")

	_, err := env.Engine.SetAllowedRoles(env.Ctx, coord, domain.StatusPrescriptionValidated, []domain.Role{domain.RoleCoordination})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	before := env.Engine.WorkflowSnapshot().Version
	def, err := env.Engine.SetAllowedRoles(env.Ctx, admin, domain.StatusPrescriptionValidated, []domain.Role{domain.RoleOncologist, domain.RoleCoordination})
	if err != nil {
		t.Fatalf("set roles: %v", err)
	}
	if def.Version != before+1 {
		t.Fatalf("version %d after %d", def.Version, before)
	}
	if _, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		DossierID: "d-1", From: domain.StatusToPrepare, To: domain.StatusPrescriptionValidated, Actor: coord,
	}); err != nil {
		t.Fatalf("coordination should now be allowed: %v", err)
	}

	_, err = env.Engine.SetAllowedRoles(env.Ctx, admin, domain.StatusClosed, nil)
	var cfgErr domain.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("empty role set on a used target must be refused, got %v", err)
	}
	evts, _ := env.Engine.ListEvents(env.Ctx, 0, 0)
	updates := 0
	for _, evt := range evts {
		if evt.Type == "workflow.updated" {
			updates++
		}
	}
	if updates != 1 {
		t.Fatalf("expected one workflow.updated event, got %d", updates)
	}
}

func TestSetTransitionsKeepsTerminalReachable(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SetTransitions(env.Ctx, admin, domain.StatusInTreatment, []domain.Status{domain.StatusReadyForTreatment}, nil)
	var cfgErr domain.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	_, err = env.Engine.SetTransitions(env.Ctx, admin, domain.StatusToPrepare, []domain.Status{"nowhere"}, nil)
	if !errors.As(err, &cfgErr) {
		t.Fatalf("unknown status must be refused, got %v", err)
	}
	def, err := env.Engine.SetTransitions(env.Ctx, admin, domain.StatusToPrepare,
		[]domain.Status{domain.StatusPrescriptionValidated, domain.StatusClosed}, nil)
	if err != nil {
		t.Fatalf("add shortcut: %v", err)
	}
	if _, ok := def.Edge(domain.StatusToPrepare, domain.StatusClosed); !ok {
		t.Fatalf("edge missing")
	}
}

func TestChecklistRequirementChangeKeepsRecordedValues(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "d-1")
	env.check(t, "d-1", domain.StatusPrescriptionValidated, "identity_validated")

	if _, err := env.Engine.SetChecklistRequirement(env.Ctx, admin, domain.StatusPrescriptionValidated, "identity_validated", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetChecklistRequirement(env.Ctx, admin, domain.StatusPrescriptionValidated, "identity_validated", true); err != nil {
		t.Fatal(err)
	}
	ok, missing, err := env.Engine.IsChecklistSatisfied(env.Ctx, "d-1", domain.StatusPrescriptionValidated)
	if err != nil || !ok {
		t.Fatalf("recorded value lost: %v %v", missing, err)
	}
	if _, err := env.Engine.SetChecklistRequirement(env.Ctx, admin, domain.StatusPrescriptionValidated, "bogus", true); err == nil {
		t.Fatalf("items outside the catalog must be refused")
	}
}

func TestChecklistItemNeedsActor(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "d-1")

	for _, id := range []string{"", "   "} {
		if _, err := env.Engine.SetChecklistItem(env.Ctx, domain.Actor{ID: id, Role: domain.RolePhysicist}, "d-1", domain.StatusPrescriptionValidated, "identity_validated", true); err == nil {
			t.Fatalf("actor %q: expected error", id)
		}
	}
	view, err := env.Engine.ChecklistState(env.Ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Recorded[domain.StatusPrescriptionValidated]) != 0 {
		t.Fatalf("anonymous checklist value recorded: %+v", view.Recorded)
	}
	ok, _, err := env.Engine.IsChecklistSatisfied(env.Ctx, "d-1", domain.StatusPrescriptionValidated)
	if err != nil || ok {
		t.Fatalf("checklist satisfied without an attributed value: %v %v", ok, err)
	}
}

func TestChecklistCarriesForwardByDefault(t *testing.T) {
	env := newMemEnv(t, engine.Options{})
	env.create(t, "d-1")
	env.advance(t, "d-1", domain.StatusInTreatment)
	if _, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		DossierID: "d-1", From: domain.StatusInTreatment, To: domain.StatusReadyForTreatment, Actor: phys, Comment: "recheck",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		DossierID: "d-1", From: domain.StatusReadyForTreatment, To: domain.StatusInTreatment, Actor: tech,
	}); err != nil {
		t.Fatalf("carried-forward checklist should satisfy re-entry: %v", err)
	}
}

func TestChecklistResetOnBackward(t *testing.T) {
	env := newMemEnv(t, engine.Options{ResetOnBackward: true})
	env.create(t, "d-1")
	env.advance(t, "d-1", domain.StatusInTreatment)
	if _, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		DossierID: "d-1", From: domain.StatusInTreatment, To: domain.StatusReadyForTreatment, Actor: phys, Comment: "recheck",
	}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		DossierID: "d-1", From: domain.StatusReadyForTreatment, To: domain.StatusInTreatment, Actor: tech,
	})
	if reason(err) != domain.ReasonChecklistIncomplete {
		t.Fatalf("expected checklist reset, got %v", err)
	}
	ok, _, _ := env.Engine.IsChecklistSatisfied(env.Ctx, "d-1", domain.StatusReadyForTreatment)
	if !ok {
		t.Fatalf("statuses behind the target keep their values")
	}
}

func TestInvariantViolationAbortsAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "d-1")
	if _, err := env.DB.ExecContext(env.Ctx, `UPDATE dossiers SET status='plan_validated' WHERE id='d-1'`); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		DossierID: "d-1", From: domain.StatusPlanValidated, To: domain.StatusReadyForTreatment, Actor: onc,
	})
	if !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	recs, _ := env.Engine.ListAudit(env.Ctx, "d-1")
	if len(recs) != 0 {
		t.Fatalf("nothing may be appended, got %d", len(recs))
	}
	mismatches, err := env.Engine.Reconcile(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mismatches) != 1 || mismatches[0].Reconstructed != domain.StatusToPrepare {
		t.Fatalf("unexpected mismatches %+v", mismatches)
	}
}

func TestWorkflowSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	conn := openSQLite(t, dir)
	env := newEnv(t, repo.Repo{DB: conn}, conn, engine.Options{Logger: logging.NewNop()})
	if _, err := env.Engine.SetStageRoles(env.Ctx, admin, domain.StatusClosed, []domain.Role{domain.RoleOncologist}); err != nil {
		t.Fatal(err)
	}

	again, err := engine.New(env.Ctx, repo.Repo{DB: conn}, config.Default().Definition(), engine.Options{Logger: logging.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	def := again.WorkflowSnapshot()
	if def.Version != 2 || def.UpdatedBy != admin.ID {
		t.Fatalf("expected stored version 2, got %d by %q", def.Version, def.UpdatedBy)
	}
	if got := def.Audience(domain.StatusClosed); len(got) != 1 || got[0] != domain.RoleOncologist {
		t.Fatalf("stage roles not restored: %v", got)
	}
}

func TestBoardGroupsByStatus(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "a")
	env.create(t, "b")
	env.advance(t, "b", domain.StatusContoursValidated)

	cols, err := env.Engine.Board(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != len(engine.BoardOrder) {
		t.Fatalf("expected %d lanes", len(engine.BoardOrder))
	}
	lanes := map[domain.Status]int{}
	for _, c := range cols {
		lanes[c.Status] = len(c.Dossiers)
	}
	if lanes[domain.StatusToPrepare] != 1 || lanes[domain.StatusContoursValidated] != 1 {
		t.Fatalf("unexpected board %v", lanes)
	}
	list, _ := env.Engine.ListDossiers(env.Ctx, engine.DossierFilters{Status: domain.StatusContoursValidated})
	if len(list) != 1 || list[0].ID != "b" {
		t.Fatalf("filter failed: %+v", list)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	snap := env.Engine.WorkflowSnapshot()
	roles := snap.AllowedRoles[domain.StatusClosed]
	if _, err := env.Engine.SetAllowedRoles(env.Ctx, admin, domain.StatusClosed, []domain.Role{domain.RolePhysicist}); err != nil {
		t.Fatal(err)
	}
	if len(roles) != 1 || roles[0] != domain.RoleOncologist {
		t.Fatalf("old snapshot changed: %v", roles)
	}
	if env.Engine.WorkflowSnapshot() == snap {
		t.Fatalf("expected a new snapshot")
	}
}
