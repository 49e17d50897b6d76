package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/gates"
	"gateline/internal/journal"
	"gateline/internal/migrate"
	"gateline/internal/repo"
)

func newTestEngine(t *testing.T) Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := New(conn, config.Default(), journal.Mirror{})
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }
	return eng
}

func transitionReq(taskID, gate string, role domain.Role, mode domain.Mode) TransitionRequest {
	return TransitionRequest{
		TaskID:    taskID,
		Gate:      gate,
		Mode:      mode,
		ActorRole: role,
		Rationale: []string{"work done for " + gate},
		OutputRef: "artifacts/" + gate + ".md",
	}
}

func mustCreate(t *testing.T, eng Engine, id string) domain.Task {
	t.Helper()
	task, err := eng.CreateTask(context.Background(), id)
	if err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
	return task
}

func mustAdvance(t *testing.T, eng Engine, taskID, gate string, role domain.Role) domain.Record {
	t.Helper()
	rec, err := eng.ValidateAndApply(context.Background(), transitionReq(taskID, gate, role, domain.ModeStrict))
	if err != nil {
		t.Fatalf("advance %s through %s: %v", taskID, gate, err)
	}
	if rec.Kind != domain.RecordTransition {
		t.Fatalf("advance %s through %s: got %s record (%v)", taskID, gate, rec.Kind, rec.MissingInputs)
	}
	return rec
}

func TestCreateAndFirstGate(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	task := mustCreate(t, eng, "task-1")
	if task.CurrentState != domain.StateDraft {
		t.Fatalf("new task state = %s, want DRAFT", task.CurrentState)
	}
	if task.Owner != domain.RoleProductOps {
		t.Fatalf("new task owner = %s, want product-ops", task.Owner)
	}

	rec := mustAdvance(t, eng, "task-1", "product.discovery", domain.RoleProductOps)
	if rec.FromState != domain.StateDraft || rec.ToState != domain.StatePRDReady {
		t.Fatalf("transition %s -> %s, want DRAFT -> PRD_READY", rec.FromState, rec.ToState)
	}
	if rec.Seq == 0 {
		t.Fatal("record seq not assigned")
	}

	got, err := eng.Repo.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentState != domain.StatePRDReady {
		t.Fatalf("task state = %s, want PRD_READY", got.CurrentState)
	}
}

func TestCreateDuplicate(t *testing.T) {
	eng := newTestEngine(t)
	mustCreate(t, eng, "task-1")
	if _, err := eng.CreateTask(context.Background(), "task-1"); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("duplicate create err = %v, want ErrDuplicate", err)
	}
}

func TestStrictOutOfOrderBlocks(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, eng, "task-1")

	rec, err := eng.ValidateAndApply(ctx, transitionReq("task-1", "code.implement", domain.RoleTechLead, domain.ModeStrict))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != domain.RecordBlocked {
		t.Fatalf("record kind = %s, want BLOCKED", rec.Kind)
	}
	if len(rec.MissingInputs) == 0 || !strings.Contains(rec.MissingInputs[0], "out-of-order transition") {
		t.Fatalf("missing_inputs = %v, want out-of-order transition cited", rec.MissingInputs)
	}
	if len(rec.UnblockSteps) == 0 {
		t.Fatal("blocked record has no unblock steps")
	}

	task, err := eng.Repo.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CurrentState != domain.StateDraft {
		t.Fatalf("task state = %s, want DRAFT unchanged", task.CurrentState)
	}
}

func TestTolerantOutOfOrderProceeds(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, eng, "task-1")

	rec, err := eng.ValidateAndApply(ctx, transitionReq("task-1", "code.implement", domain.RoleTechLead, domain.ModeTolerant))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != domain.RecordTransition {
		t.Fatalf("record kind = %s, want TRANSITION", rec.Kind)
	}
	if rec.FromState != domain.StateDraft || rec.ToState != domain.StateBuilt {
		t.Fatalf("transition %s -> %s, want DRAFT -> BUILT", rec.FromState, rec.ToState)
	}
	if len(rec.Rationale) < 2 || !strings.HasPrefix(rec.Rationale[0], "tolerant override") {
		t.Fatalf("rationale = %v, want tolerant override flag first", rec.Rationale)
	}
	if !strings.Contains(rec.Rationale[0], "product.discovery") {
		t.Fatalf("audit flag %q does not name skipped gates", rec.Rationale[0])
	}

	task, err := eng.Repo.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CurrentState != domain.StateBuilt {
		t.Fatalf("task state = %s, want BUILT", task.CurrentState)
	}
}

func TestUnauthorizedActorAllModes(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, eng, "task-1")

	for _, mode := range []domain.Mode{domain.ModeStrict, domain.ModeTolerant, domain.ModeBranch} {
		_, err := eng.ValidateAndApply(ctx, transitionReq("task-1", "product.discovery", domain.RoleQA, mode))
		var uae UnauthorizedActorError
		if !errors.As(err, &uae) {
			t.Fatalf("mode %s: err = %v, want UnauthorizedActorError", mode, err)
		}
		if uae.Owner != domain.RoleProductOps {
			t.Fatalf("mode %s: owner = %s, want product-ops", mode, uae.Owner)
		}
	}

	recs, err := eng.Repo.ListRecords(ctx, repo.RecordFilters{TaskID: "task-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("log has %d records, want none after role rejections", len(recs))
	}
}

func TestMissingEvidenceBlocks(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, eng, "task-1")

	req := transitionReq("task-1", "product.discovery", domain.RoleProductOps, domain.ModeStrict)
	req.Rationale = nil
	rec, err := eng.ValidateAndApply(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != domain.RecordBlocked {
		t.Fatalf("record kind = %s, want BLOCKED", rec.Kind)
	}
	if rec.MissingInputs[0] != "rationale" {
		t.Fatalf("missing_inputs = %v, want rationale cited", rec.MissingInputs)
	}

	// Whitespace-only evidence is no evidence.
	req = transitionReq("task-1", "product.discovery", domain.RoleProductOps, domain.ModeTolerant)
	req.OutputRef = "   "
	rec, err = eng.ValidateAndApply(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != domain.RecordBlocked {
		t.Fatalf("record kind = %s, want BLOCKED under tolerant too", rec.Kind)
	}

	task, err := eng.Repo.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CurrentState != domain.StateDraft {
		t.Fatalf("task state = %s, want DRAFT unchanged", task.CurrentState)
	}
}

func TestStructuralErrorsAppendNothing(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, eng, "task-1")

	_, err := eng.ValidateAndApply(ctx, transitionReq("task-9", "product.discovery", domain.RoleProductOps, domain.ModeStrict))
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown task err = %v, want ErrNotFound", err)
	}

	_, err = eng.ValidateAndApply(ctx, transitionReq("task-1", "product.launch", domain.RoleProductOps, domain.ModeStrict))
	var uge gates.UnknownGateError
	if !errors.As(err, &uge) {
		t.Fatalf("unknown gate err = %v, want UnknownGateError", err)
	}

	_, err = eng.ValidateAndApply(ctx, TransitionRequest{TaskID: "task-1", Gate: "product.discovery", Mode: "lenient", ActorRole: domain.RoleProductOps})
	if err == nil {
		t.Fatal("invalid mode accepted")
	}

	recs, err := eng.Repo.ListRecords(ctx, repo.RecordFilters{TaskID: "task-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("log has %d records, want none", len(recs))
	}
}

func TestRefinementLimit(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, eng, "task-1")
	mustAdvance(t, eng, "task-1", "product.discovery", domain.RoleProductOps)

	for i := 0; i < config.DefaultRefinementLimit; i++ {
		rec := mustAdvance(t, eng, "task-1", "product.prd", domain.RoleProductOps)
		if rec.FromState != domain.StatePRDReady || rec.ToState != domain.StatePRDReady {
			t.Fatalf("refinement %d: %s -> %s, want PRD_READY self-loop", i, rec.FromState, rec.ToState)
		}
	}

	rec, err := eng.ValidateAndApply(ctx, transitionReq("task-1", "product.prd", domain.RoleProductOps, domain.ModeStrict))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != domain.RecordBlocked {
		t.Fatalf("record kind = %s, want BLOCKED past refinement limit", rec.Kind)
	}
	if !strings.Contains(rec.MissingInputs[0], "refinement limit exceeded") {
		t.Fatalf("missing_inputs = %v, want refinement limit cited", rec.MissingInputs)
	}
}

func TestBranchLineage(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, eng, "task-1")
	mustAdvance(t, eng, "task-1", "product.discovery", domain.RoleProductOps)

	req := transitionReq("task-1", "code.implement", domain.RoleTechLead, domain.ModeBranch)
	req.Branch = "spike"
	rec, err := eng.ValidateAndApply(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != domain.RecordTransition {
		t.Fatalf("record kind = %s, want TRANSITION", rec.Kind)
	}
	if rec.Lineage != "spike" {
		t.Fatalf("record lineage = %s, want spike", rec.Lineage)
	}
	if rec.FromState != domain.StatePlanned || rec.ToState != domain.StateBuilt {
		t.Fatalf("branch transition %s -> %s, want PLANNED -> BUILT", rec.FromState, rec.ToState)
	}

	// The primary lineage is untouched by branch creation.
	main, err := eng.Repo.GetLineage(ctx, "task-1", domain.PrimaryLineage)
	if err != nil {
		t.Fatal(err)
	}
	if main.CurrentState != domain.StatePRDReady {
		t.Fatalf("main lineage state = %s, want PRD_READY", main.CurrentState)
	}
	spike, err := eng.Repo.GetLineage(ctx, "task-1", "spike")
	if err != nil {
		t.Fatal(err)
	}
	if spike.CurrentState != domain.StateBuilt {
		t.Fatalf("spike lineage state = %s, want BUILT", spike.CurrentState)
	}

	// Branch names are unique per task.
	if _, err := eng.ValidateAndApply(ctx, req); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("duplicate branch err = %v, want ErrDuplicate", err)
	}

	// Further work on the branch targets it by name.
	follow := transitionReq("task-1", "code.review", domain.RoleTechLead, domain.ModeStrict)
	follow.Lineage = "spike"
	rec, err = eng.ValidateAndApply(ctx, follow)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != domain.RecordTransition || rec.ToState != domain.StateReviewed {
		t.Fatalf("branch follow-up = %s to %s, want TRANSITION to REVIEWED", rec.Kind, rec.ToState)
	}
}

func TestBranchInOrderStaysOnLineage(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, eng, "task-1")

	rec, err := eng.ValidateAndApply(ctx, transitionReq("task-1", "product.discovery", domain.RoleProductOps, domain.ModeBranch))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Lineage != domain.PrimaryLineage {
		t.Fatalf("in-order branch request moved to lineage %s, want main", rec.Lineage)
	}
	lins, err := eng.Repo.ListLineages(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(lins) != 1 {
		t.Fatalf("lineage count = %d, want 1", len(lins))
	}
}

func deliver(t *testing.T, eng Engine, taskID string) {
	t.Helper()
	mustAdvance(t, eng, taskID, "product.discovery", domain.RoleProductOps)
	mustAdvance(t, eng, taskID, "agile.planning", domain.RoleProductOps)
	mustAdvance(t, eng, taskID, "code.implement", domain.RoleTechLead)
	mustAdvance(t, eng, taskID, "code.review", domain.RoleTechLead)
	mustAdvance(t, eng, taskID, "qa.ready", domain.RoleQA)
	mustAdvance(t, eng, taskID, "qa.contract", domain.RoleQA)
	mustAdvance(t, eng, taskID, "qa.e2e", domain.RoleQA)
	mustAdvance(t, eng, taskID, "pm.sync", domain.RoleProductOps)
}

func TestFullDelivery(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, eng, "task-1")
	deliver(t, eng, "task-1")

	task, err := eng.Repo.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CurrentState != domain.StateDelivered {
		t.Fatalf("task state = %s, want DELIVERED", task.CurrentState)
	}
	if task.DeliveredAt == nil {
		t.Fatal("delivered task has no delivered_at")
	}
	if task.Owner != "" {
		t.Fatalf("delivered task owner = %s, want none", task.Owner)
	}

	// Delivered lineages accept no further transitions, whatever the mode.
	for _, mode := range []domain.Mode{domain.ModeStrict, domain.ModeTolerant} {
		_, err := eng.ValidateAndApply(ctx, transitionReq("task-1", "pm.sync", domain.RoleProductOps, mode))
		if !errors.Is(err, ErrLineageTerminal) {
			t.Fatalf("mode %s: err = %v, want ErrLineageTerminal", mode, err)
		}
	}
}

func TestReplayMatchesStoredStates(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, eng, "task-1")
	mustAdvance(t, eng, "task-1", "product.discovery", domain.RoleProductOps)
	mustAdvance(t, eng, "task-1", "product.prd", domain.RoleProductOps)

	// Blocked records must not disturb the fold.
	if _, err := eng.ValidateAndApply(ctx, transitionReq("task-1", "qa.e2e", domain.RoleQA, domain.ModeStrict)); err != nil {
		t.Fatal(err)
	}

	branch := transitionReq("task-1", "code.implement", domain.RoleTechLead, domain.ModeBranch)
	branch.Branch = "spike"
	if _, err := eng.ValidateAndApply(ctx, branch); err != nil {
		t.Fatal(err)
	}

	report, err := eng.Replay(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if !report.Consistent {
		t.Fatalf("replay inconsistent: %+v", report.Lineages)
	}
	if len(report.Lineages) != 2 {
		t.Fatalf("replayed %d lineages, want 2", len(report.Lineages))
	}
	for _, lr := range report.Lineages {
		if lr.Stored != lr.Replayed {
			t.Fatalf("lineage %s: stored %s, replayed %s", lr.Name, lr.Stored, lr.Replayed)
		}
	}
}

func TestFollowUpsPersist(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, eng, "task-1")

	req := transitionReq("task-1", "product.discovery", domain.RoleProductOps, domain.ModeStrict)
	req.FollowUps = []domain.FollowUp{
		{Owner: domain.RoleTechLead, Due: "2025-03-15"},
		{Owner: domain.RoleQA, Due: "2025-03-20"},
	}
	rec, err := eng.ValidateAndApply(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	recs, err := eng.Repo.ListRecords(ctx, repo.RecordFilters{TaskID: "task-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Fatalf("log = %d records, want the one transition", len(recs))
	}
	got := recs[0].FollowUps
	if len(got) != 2 || got[0].Owner != domain.RoleTechLead || got[1].Due != "2025-03-20" {
		t.Fatalf("follow-ups = %+v", got)
	}
}

func TestBuildBlockedRejectsEmptyRemediation(t *testing.T) {
	var mbe MalformedBlockedRecordError
	if _, err := BuildBlocked(nil, []string{"do the thing"}); !errors.As(err, &mbe) {
		t.Fatalf("empty missing_inputs err = %v, want MalformedBlockedRecordError", err)
	}
	if _, err := BuildBlocked([]string{"gap"}, []string{"  "}); !errors.As(err, &mbe) {
		t.Fatalf("blank unblock_steps err = %v, want MalformedBlockedRecordError", err)
	}
	rec, err := BuildBlocked([]string{"gap", " "}, []string{"step"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.MissingInputs) != 1 {
		t.Fatalf("missing_inputs = %v, want blanks dropped", rec.MissingInputs)
	}
}
