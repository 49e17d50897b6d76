package domain

// State is one of the gate states a task moves through, plus the terminal
// DELIVERED state.
type State string

const (
	StateDraft             State = "DRAFT"
	StatePRDReady          State = "PRD_READY"
	StatePlanned           State = "PLANNED"
	StateBuilt             State = "BUILT"
	StateReviewed          State = "REVIEWED"
	StateQAReady           State = "QA_READY"
	StateContractValidated State = "CONTRACT_VALIDATED"
	StateE2EValidated      State = "E2E_VALIDATED"
	StateDelivered         State = "DELIVERED"
)

// Role owns gates. Roles differ only in which gates they own.
type Role string

const (
	RoleProductOps Role = "product-ops"
	RoleTechLead   Role = "tech-lead"
	RoleQA         Role = "qa"
)

// Mode controls how strictly gate ordering is enforced for a transition.
type Mode string

const (
	ModeStrict   Mode = "strict"
	ModeTolerant Mode = "tolerant"
	ModeBranch   Mode = "branch"
)

// Valid reports whether m is one of the three known modes.
func (m Mode) Valid() bool {
	return m == ModeStrict || m == ModeTolerant || m == ModeBranch
}

// PrimaryLineage is the default lifecycle line every task starts on.
const PrimaryLineage = "main"

type Task struct {
	ID           string  `json:"id"`
	CurrentState State   `json:"current_state" enum:"DRAFT,PRD_READY,PLANNED,BUILT,REVIEWED,QA_READY,CONTRACT_VALIDATED,E2E_VALIDATED,DELIVERED"`
	Owner        Role    `json:"owner,omitempty" enum:"product-ops,tech-lead,qa"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
	DeliveredAt  *string `json:"delivered_at,omitempty" format:"date-time"`
}

// Lineage is a current-state pointer over the shared task log. Every task has
// the primary lineage; BRANCH-mode transitions may add more.
type Lineage struct {
	TaskID       string `json:"task_id"`
	Name         string `json:"name"`
	CurrentState State  `json:"current_state"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type FollowUp struct {
	Owner Role   `json:"owner"`
	Due   string `json:"due"`
}

// RecordKind discriminates lifecycle log entries.
type RecordKind string

const (
	RecordTransition RecordKind = "TRANSITION"
	RecordBlocked    RecordKind = "BLOCKED"
)

// Record is one immutable lifecycle log entry. Seq is the append order and is
// assigned by the store; records are never mutated or deleted once appended.
type Record struct {
	Seq       int64      `json:"seq"`
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Lineage   string     `json:"lineage"`
	Kind      RecordKind `json:"kind" enum:"TRANSITION,BLOCKED"`
	TS        string     `json:"ts" format:"date-time"`
	Gate      string     `json:"gate,omitempty"`
	Mode      Mode       `json:"mode,omitempty" enum:"strict,tolerant,branch"`
	ActorRole Role       `json:"actor_role,omitempty"`

	// Transition fields.
	FromState State      `json:"from_state,omitempty"`
	ToState   State      `json:"to_state,omitempty"`
	Rationale []string   `json:"rationale,omitempty"`
	OutputRef string     `json:"output_ref,omitempty"`
	FollowUps []FollowUp `json:"follow_ups,omitempty"`

	// Blocked fields.
	MissingInputs []string `json:"missing_inputs,omitempty"`
	UnblockSteps  []string `json:"unblock_steps,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorRole Role   `json:"actor_role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
