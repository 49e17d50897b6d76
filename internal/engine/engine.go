package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/gates"
	"gateline/internal/journal"
	"gateline/internal/repo"
)

// casRetries bounds the re-validate loop when a concurrent writer moves the
// lineage pointer between load and append.
const casRetries = 3

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Mirror journal.Mirror
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, mirror journal.Mirror) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.New(db),
		Mirror: mirror,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

// TransitionRequest carries one attempt to pass a gate. Lineage selects the
// state pointer to evaluate against and defaults to the primary lineage.
// Branch names the new lineage when Mode is branch and the request is
// out-of-order; left empty, a name is generated.
type TransitionRequest struct {
	TaskID    string
	Gate      string
	Mode      domain.Mode
	ActorRole domain.Role
	Rationale []string
	OutputRef string
	FollowUps []domain.FollowUp
	Lineage   string
	Branch    string
}

func (e Engine) CreateTask(ctx context.Context, id string) (domain.Task, error) {
	task, err := e.Repo.CreateTask(ctx, id, e.now())
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Mirror.Init(task.ID, task.CreatedAt); err != nil {
		log.Printf("journal mirror init for task %s: %v", task.ID, err)
	}
	return task, nil
}

// ValidateAndApply runs the full gate check pipeline and appends exactly one
// record describing the outcome: a transition record when the gate passes, a
// blocked record when a recoverable precondition fails. Structural problems
// (unknown task or gate, wrong role) return an error and append nothing.
func (e Engine) ValidateAndApply(ctx context.Context, req TransitionRequest) (domain.Record, error) {
	if !req.Mode.Valid() {
		return domain.Record{}, fmt.Errorf("invalid transition mode %q", req.Mode)
	}
	if _, err := e.Repo.GetTask(ctx, req.TaskID); err != nil {
		return domain.Record{}, err
	}
	gate, err := gates.Get(req.Gate)
	if err != nil {
		return domain.Record{}, err
	}
	if req.ActorRole != gate.Owner {
		return domain.Record{}, UnauthorizedActorError{Gate: gate.Name, Actor: req.ActorRole, Owner: gate.Owner}
	}

	lineage := req.Lineage
	if lineage == "" {
		lineage = domain.PrimaryLineage
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		lin, err := e.Repo.GetLineage(ctx, req.TaskID, lineage)
		if err != nil {
			return domain.Record{}, err
		}
		cur := lin.CurrentState
		if gates.IsTerminal(cur) {
			return domain.Record{}, fmt.Errorf("lineage %s of task %s: %w", lineage, req.TaskID, ErrLineageTerminal)
		}

		rationale := append([]string(nil), req.Rationale...)
		newBranch := false
		recLineage := lineage

		if gate.From != cur {
			switch req.Mode {
			case domain.ModeStrict:
				return e.appendBlocked(ctx, req, recLineage,
					[]string{fmt.Sprintf("out-of-order transition: gate %s expects %s but lineage %s is at %s", gate.Name, gate.From, lineage, cur)},
					outOfOrderSteps(cur, gate))
			case domain.ModeTolerant:
				rationale = append([]string{tolerantFlag(cur, gate)}, rationale...)
			case domain.ModeBranch:
				newBranch = true
				recLineage = req.Branch
				if recLineage == "" {
					recLineage = fmt.Sprintf("branch-%s", uuid.NewString()[:8])
				}
			}
		}

		if missing, steps := evidenceGaps(req); len(missing) > 0 {
			return e.appendBlocked(ctx, req, lineage, missing, steps)
		}

		if gate.SelfLoop() && !newBranch {
			passes, err := e.Repo.CountGateTransitions(ctx, req.TaskID, lineage, gate.Name)
			if err != nil {
				return domain.Record{}, err
			}
			if limit := e.Config.Policies.RefinementLimit; passes >= limit {
				return e.appendBlocked(ctx, req, lineage,
					[]string{fmt.Sprintf("refinement limit exceeded: gate %s already passed %d times (limit %d)", gate.Name, passes, limit)},
					[]string{fmt.Sprintf("advance past %s instead of refining again", gate.Name)})
			}
		}

		from := cur
		if newBranch {
			from = gate.From
		}
		rec := domain.Record{
			ID:        uuid.NewString(),
			TaskID:    req.TaskID,
			Lineage:   recLineage,
			Kind:      domain.RecordTransition,
			TS:        e.now(),
			Gate:      gate.Name,
			Mode:      req.Mode,
			ActorRole: req.ActorRole,
			FromState: from,
			ToState:   gate.To,
			Rationale: rationale,
			OutputRef: req.OutputRef,
			FollowUps: append([]domain.FollowUp(nil), req.FollowUps...),
		}
		out, err := e.Repo.AppendTransition(ctx, rec, newBranch)
		if errors.Is(err, repo.ErrStateConflict) {
			continue
		}
		if err != nil {
			return domain.Record{}, err
		}
		e.mirror(out)
		return out, nil
	}
	return domain.Record{}, fmt.Errorf("task %s lineage %s: %w", req.TaskID, lineage, repo.ErrStateConflict)
}

// BuildBlocked assembles a blocked record body and rejects empty remediation
// content before anything reaches the log.
func BuildBlocked(missingInputs, unblockSteps []string) (domain.Record, error) {
	if len(nonBlank(missingInputs)) == 0 {
		return domain.Record{}, MalformedBlockedRecordError{Reason: "missing_inputs must name at least one gap"}
	}
	if len(nonBlank(unblockSteps)) == 0 {
		return domain.Record{}, MalformedBlockedRecordError{Reason: "unblock_steps must name at least one step"}
	}
	return domain.Record{
		Kind:          domain.RecordBlocked,
		MissingInputs: nonBlank(missingInputs),
		UnblockSteps:  nonBlank(unblockSteps),
	}, nil
}

func (e Engine) appendBlocked(ctx context.Context, req TransitionRequest, lineage string, missing, steps []string) (domain.Record, error) {
	rec, err := BuildBlocked(missing, steps)
	if err != nil {
		return domain.Record{}, err
	}
	rec.ID = uuid.NewString()
	rec.TaskID = req.TaskID
	rec.Lineage = lineage
	rec.TS = e.now()
	rec.Gate = req.Gate
	rec.Mode = req.Mode
	rec.ActorRole = req.ActorRole
	out, err := e.Repo.AppendBlocked(ctx, rec)
	if err != nil {
		return domain.Record{}, err
	}
	e.mirror(out)
	return out, nil
}

func (e Engine) mirror(rec domain.Record) {
	if err := e.Mirror.Append(rec); err != nil {
		log.Printf("journal mirror append for task %s: %v", rec.TaskID, err)
	}
}

func evidenceGaps(req TransitionRequest) (missing, steps []string) {
	if len(nonBlank(req.Rationale)) == 0 {
		missing = append(missing, "rationale")
		steps = append(steps, "provide at least one non-empty rationale entry")
	}
	if strings.TrimSpace(req.OutputRef) == "" {
		missing = append(missing, "output reference")
		steps = append(steps, "attach the output reference produced by the gate's work")
	}
	return missing, steps
}

// skippedGates lists the progression gates between the lineage's current
// state and the requested gate's expected from-state. Empty when the request
// points backwards in the sequence.
func skippedGates(cur domain.State, target gates.Definition) []string {
	var names []string
	state := cur
	for i := 0; i < len(gates.Sequence()); i++ {
		if state == target.From {
			return names
		}
		next, ok := gates.Next(state)
		if !ok {
			break
		}
		if next.SelfLoop() {
			// A self-loop never advances the pointer; the progression gate
			// from the same state is the one being skipped.
			next, ok = gates.Progression(state)
			if !ok {
				break
			}
		}
		names = append(names, next.Name)
		state = next.To
	}
	return nil
}

func outOfOrderSteps(cur domain.State, target gates.Definition) []string {
	if skipped := skippedGates(cur, target); len(skipped) > 0 {
		return []string{fmt.Sprintf("pass %s first", strings.Join(skipped, ", then "))}
	}
	return []string{fmt.Sprintf("re-check the lineage's current state (%s) and pick the matching gate", cur)}
}

func tolerantFlag(cur domain.State, target gates.Definition) string {
	if skipped := skippedGates(cur, target); len(skipped) > 0 {
		return fmt.Sprintf("tolerant override: skipped %s (expected from-state %s, actual %s)", strings.Join(skipped, ", "), target.From, cur)
	}
	return fmt.Sprintf("tolerant override: expected from-state %s, actual %s", target.From, cur)
}

func nonBlank(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
