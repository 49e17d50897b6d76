package server

import (
	"encoding/base64"
	"fmt"
	"strings"

	"gateline/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	ID *string `json:"id,omitempty"`
}

type FollowUpRequest struct {
	Owner string `json:"owner" enum:"product-ops,tech-lead,qa"`
	Due   string `json:"due,omitempty" format:"date"`
}

type CreateTransitionRequest struct {
	Gate      string            `json:"gate"`
	Mode      string            `json:"mode" enum:"strict,tolerant,branch"`
	Rationale []string          `json:"rationale"`
	OutputRef string            `json:"output_ref"`
	FollowUps []FollowUpRequest `json:"follow_ups,omitempty"`
	Lineage   string            `json:"lineage,omitempty"`
	Branch    string            `json:"branch,omitempty"`
}

type CreateAPIKeyRequest struct {
	Role string `json:"role" enum:"product-ops,tech-lead,qa"`
	Name string `json:"name,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID           string  `json:"id"`
	CurrentState string  `json:"current_state" enum:"DRAFT,PRD_READY,PLANNED,BUILT,REVIEWED,QA_READY,CONTRACT_VALIDATED,E2E_VALIDATED,DELIVERED"`
	Owner        string  `json:"owner,omitempty" enum:"product-ops,tech-lead,qa"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
	DeliveredAt  *string `json:"delivered_at,omitempty" format:"date-time"`
}

type LineageResponse struct {
	Name         string `json:"name"`
	CurrentState string `json:"current_state"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type FollowUpResponse struct {
	Owner string `json:"owner"`
	Due   string `json:"due,omitempty"`
}

type RecordResponse struct {
	Seq       int64  `json:"seq"`
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Lineage   string `json:"lineage"`
	Kind      string `json:"kind" enum:"TRANSITION,BLOCKED"`
	TS        string `json:"ts" format:"date-time"`
	Gate      string `json:"gate,omitempty"`
	Mode      string `json:"mode,omitempty" enum:"strict,tolerant,branch"`
	ActorRole string `json:"actor_role,omitempty"`

	FromState string             `json:"from_state,omitempty"`
	ToState   string             `json:"to_state,omitempty"`
	Rationale []string           `json:"rationale,omitempty"`
	OutputRef string             `json:"output_ref,omitempty"`
	FollowUps []FollowUpResponse `json:"follow_ups,omitempty"`

	MissingInputs []string `json:"missing_inputs,omitempty"`
	UnblockSteps  []string `json:"unblock_steps,omitempty"`
}

// APIKeyResponse never carries the key hash. Secret is set only in the
// create response; the plaintext is not recoverable afterwards.
type APIKeyResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Secret    string `json:"secret,omitempty"`
}

type GateResponse struct {
	Name       string   `json:"name"`
	FromState  string   `json:"from_state"`
	ToState    string   `json:"to_state"`
	OwningRole string   `json:"owning_role"`
	Evidence   []string `json:"evidence"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedRecords struct {
	Items   []RecordResponse `json:"items"`
	NextSeq int64            `json:"next_seq,omitempty"`
	HasMore bool             `json:"has_more"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		CurrentState: string(t.CurrentState),
		Owner:        string(t.Owner),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		DeliveredAt:  t.DeliveredAt,
	}
}

func mapTasks(in []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(in))
	for _, t := range in {
		out = append(out, taskResponse(t))
	}
	return out
}

func lineageResponse(l domain.Lineage) LineageResponse {
	return LineageResponse{
		Name:         l.Name,
		CurrentState: string(l.CurrentState),
		CreatedAt:    l.CreatedAt,
	}
}

func recordResponse(rec domain.Record) RecordResponse {
	out := RecordResponse{
		Seq:           rec.Seq,
		ID:            rec.ID,
		TaskID:        rec.TaskID,
		Lineage:       rec.Lineage,
		Kind:          string(rec.Kind),
		TS:            rec.TS,
		Gate:          rec.Gate,
		Mode:          string(rec.Mode),
		ActorRole:     string(rec.ActorRole),
		FromState:     string(rec.FromState),
		ToState:       string(rec.ToState),
		Rationale:     rec.Rationale,
		OutputRef:     rec.OutputRef,
		MissingInputs: rec.MissingInputs,
		UnblockSteps:  rec.UnblockSteps,
	}
	for _, fu := range rec.FollowUps {
		out.FollowUps = append(out.FollowUps, FollowUpResponse{Owner: string(fu.Owner), Due: fu.Due})
	}
	return out
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		Role:      string(k.ActorRole),
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func mapRecords(in []domain.Record) []RecordResponse {
	out := make([]RecordResponse, 0, len(in))
	for _, rec := range in {
		out = append(out, recordResponse(rec))
	}
	return out
}

// Cursor helpers

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func parseCompositeCursor(cursor string) (createdAt, id string, err error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}
