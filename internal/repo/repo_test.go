package repo

import (
	"context"
	"errors"
	"testing"

	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/migrate"
)

const testNow = "2025-03-01T10:00:00Z"

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(conn)
}

func transitionRecord(taskID string, n int, from, to domain.State) domain.Record {
	return domain.Record{
		ID:        taskID + "-rec-" + string(rune('a'+n)),
		TaskID:    taskID,
		Lineage:   domain.PrimaryLineage,
		Kind:      domain.RecordTransition,
		TS:        testNow,
		Gate:      "product.discovery",
		Mode:      domain.ModeStrict,
		ActorRole: domain.RoleProductOps,
		FromState: from,
		ToState:   to,
		Rationale: []string{"because"},
		OutputRef: "artifacts/out.md",
	}
}

func TestCreateGetAndDuplicate(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	task, err := r.CreateTask(ctx, "task-1", testNow)
	if err != nil {
		t.Fatal(err)
	}
	if task.CurrentState != domain.StateDraft {
		t.Fatalf("state = %s, want DRAFT", task.CurrentState)
	}

	if _, err := r.CreateTask(ctx, "task-1", testNow); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate err = %v, want ErrDuplicate", err)
	}
	if _, err := r.GetTask(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task err = %v, want ErrNotFound", err)
	}

	lin, err := r.GetLineage(ctx, "task-1", domain.PrimaryLineage)
	if err != nil {
		t.Fatal(err)
	}
	if lin.CurrentState != domain.StateDraft {
		t.Fatalf("main lineage state = %s, want DRAFT", lin.CurrentState)
	}
}

func TestAppendTransitionCAS(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.CreateTask(ctx, "task-1", testNow); err != nil {
		t.Fatal(err)
	}

	rec := transitionRecord("task-1", 0, domain.StateDraft, domain.StatePRDReady)
	out, err := r.AppendTransition(ctx, rec, false)
	if err != nil {
		t.Fatal(err)
	}
	if out.Seq == 0 {
		t.Fatal("seq not assigned")
	}

	// Same from-state again: the pointer has moved, so the append must fail
	// without touching the log.
	stale := transitionRecord("task-1", 1, domain.StateDraft, domain.StatePRDReady)
	if _, err := r.AppendTransition(ctx, stale, false); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("stale append err = %v, want ErrStateConflict", err)
	}

	recs, err := r.ListRecords(ctx, RecordFilters{TaskID: "task-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("log = %d records, want 1", len(recs))
	}

	task, err := r.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CurrentState != domain.StatePRDReady {
		t.Fatalf("task state = %s, want PRD_READY", task.CurrentState)
	}
}

func TestAppendOnlyOrdering(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.CreateTask(ctx, "task-1", testNow); err != nil {
		t.Fatal(err)
	}

	states := []domain.State{domain.StateDraft, domain.StatePRDReady, domain.StatePlanned, domain.StateBuilt}
	for i := 0; i < len(states)-1; i++ {
		rec := transitionRecord("task-1", i, states[i], states[i+1])
		if _, err := r.AppendTransition(ctx, rec, false); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	blocked := domain.Record{
		ID: "task-1-blk", TaskID: "task-1", Lineage: domain.PrimaryLineage,
		Kind: domain.RecordBlocked, TS: testNow, Gate: "qa.e2e",
		Mode: domain.ModeStrict, ActorRole: domain.RoleQA,
		MissingInputs: []string{"e2e test report"},
		UnblockSteps:  []string{"run the e2e suite"},
	}
	if _, err := r.AppendBlocked(ctx, blocked); err != nil {
		t.Fatal(err)
	}

	recs, err := r.ListRecords(ctx, RecordFilters{TaskID: "task-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 4 {
		t.Fatalf("log = %d records, want 4", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Seq <= recs[i-1].Seq {
			t.Fatalf("seq not strictly increasing: %d then %d", recs[i-1].Seq, recs[i].Seq)
		}
	}
	last := recs[len(recs)-1]
	if last.Kind != domain.RecordBlocked || last.MissingInputs[0] != "e2e test report" {
		t.Fatalf("last record = %+v, want the blocked entry", last)
	}

	// A blocked append never moves the pointer.
	task, err := r.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CurrentState != domain.StateBuilt {
		t.Fatalf("task state = %s, want BUILT", task.CurrentState)
	}
}

func TestListRecordsWindowing(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.CreateTask(ctx, "task-1", testNow); err != nil {
		t.Fatal(err)
	}

	states := []domain.State{domain.StateDraft, domain.StatePRDReady, domain.StatePlanned, domain.StateBuilt, domain.StateReviewed}
	for i := 0; i < len(states)-1; i++ {
		rec := transitionRecord("task-1", i, states[i], states[i+1])
		if _, err := r.AppendTransition(ctx, rec, false); err != nil {
			t.Fatal(err)
		}
	}

	page, err := r.ListRecords(ctx, RecordFilters{TaskID: "task-1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("first page = %d records, want 2", len(page))
	}
	rest, err := r.ListRecords(ctx, RecordFilters{TaskID: "task-1", AfterSeq: page[1].Seq})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("second page = %d records, want 2", len(rest))
	}
	if rest[0].Seq <= page[1].Seq {
		t.Fatal("pages overlap")
	}

	latest, err := r.LatestRecords(ctx, "task-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 3 {
		t.Fatalf("latest = %d records, want 3", len(latest))
	}
	if latest[0].Seq <= latest[1].Seq {
		t.Fatalf("latest records not newest-first: %d then %d", latest[0].Seq, latest[1].Seq)
	}
}

func TestBranchLineageRows(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.CreateTask(ctx, "task-1", testNow); err != nil {
		t.Fatal(err)
	}

	rec := transitionRecord("task-1", 0, domain.StatePlanned, domain.StateBuilt)
	rec.Lineage = "spike"
	rec.Mode = domain.ModeBranch
	if _, err := r.AppendTransition(ctx, rec, true); err != nil {
		t.Fatal(err)
	}

	lins, err := r.ListLineages(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(lins) != 2 {
		t.Fatalf("lineages = %d, want 2", len(lins))
	}

	// Task-level state tracks the primary lineage only.
	task, err := r.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CurrentState != domain.StateDraft {
		t.Fatalf("task state = %s, want DRAFT", task.CurrentState)
	}

	rec.ID = "task-1-rec-dup"
	if _, err := r.AppendTransition(ctx, rec, true); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("existing branch err = %v, want ErrDuplicate", err)
	}
}

func TestAPIKeys(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	hash := HashAPIKey("secret-token")
	key := domain.APIKey{ID: "key-1", ActorRole: domain.RoleQA, Name: "ci", KeyHash: hash, CreatedAt: testNow}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		t.Fatal(err)
	}

	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey("secret-token"))
	if err != nil {
		t.Fatal(err)
	}
	if got.ActorRole != domain.RoleQA {
		t.Fatalf("role = %s, want qa", got.ActorRole)
	}
	if _, err := r.GetAPIKeyByHash(ctx, HashAPIKey("wrong")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown key err = %v, want ErrNotFound", err)
	}

	if err := r.DeleteAPIKey(ctx, "key-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted key err = %v, want ErrNotFound", err)
	}
}
