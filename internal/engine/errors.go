package engine

import (
	"errors"
	"fmt"

	"gateline/internal/domain"
)

// UnauthorizedActorError indicates the acting role does not own the requested
// gate. Role ownership is never relaxed, regardless of transition mode.
type UnauthorizedActorError struct {
	Gate  string
	Actor domain.Role
	Owner domain.Role
}

func (e UnauthorizedActorError) Error() string {
	return fmt.Sprintf("role %s does not own gate %s (owned by %s)", e.Actor, e.Gate, e.Owner)
}

// MalformedBlockedRecordError indicates a blocked record was built without
// remediation content; a blocked record with no path out is not actionable.
type MalformedBlockedRecordError struct {
	Reason string
}

func (e MalformedBlockedRecordError) Error() string {
	return fmt.Sprintf("malformed blocked record: %s", e.Reason)
}

// ErrLineageTerminal is returned for transition requests against a lineage
// that already reached DELIVERED; delivered tasks are immutable history.
var ErrLineageTerminal = errors.New("lineage reached terminal state")
