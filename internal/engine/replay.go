package engine

import (
	"context"

	"gateline/internal/domain"
	"gateline/internal/repo"
)

// LineageReplay compares one lineage's stored pointer with the state obtained
// by folding its transition records in append order.
type LineageReplay struct {
	Name       string       `json:"name"`
	Stored     domain.State `json:"stored_state"`
	Replayed   domain.State `json:"replayed_state"`
	Consistent bool         `json:"consistent"`
}

type ReplayReport struct {
	TaskID     string          `json:"task_id"`
	Lineages   []LineageReplay `json:"lineages"`
	Consistent bool            `json:"consistent"`
}

// Replay folds the lifecycle log back into per-lineage states and checks them
// against the stored pointers. Blocked records never move a pointer and are
// skipped by the fold.
func (e Engine) Replay(ctx context.Context, taskID string) (ReplayReport, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return ReplayReport{}, err
	}
	lineages, err := e.Repo.ListLineages(ctx, taskID)
	if err != nil {
		return ReplayReport{}, err
	}
	report := ReplayReport{TaskID: taskID, Consistent: true}
	for _, lin := range lineages {
		recs, err := e.Repo.ListRecords(ctx, repo.RecordFilters{
			TaskID:  taskID,
			Lineage: lin.Name,
			Kind:    domain.RecordTransition,
		})
		if err != nil {
			return ReplayReport{}, err
		}
		state := domain.StateDraft
		for _, rec := range recs {
			state = rec.ToState
		}
		// A branch lineage with no records yet is seeded by its creation row.
		if lin.Name != domain.PrimaryLineage && len(recs) == 0 {
			state = lin.CurrentState
		}
		lr := LineageReplay{
			Name:       lin.Name,
			Stored:     lin.CurrentState,
			Replayed:   state,
			Consistent: state == lin.CurrentState,
		}
		if !lr.Consistent {
			report.Consistent = false
		}
		report.Lineages = append(report.Lineages, lr)
	}
	return report, nil
}
