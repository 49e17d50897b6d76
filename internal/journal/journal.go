// Package journal renders lifecycle records in their canonical textual layout
// and mirrors them into per-task documents. The store's log stays the source
// of truth; the mirror is presentation only and is append-only like the log.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gateline/internal/domain"
)

// FormatRecord renders a record per the canonical layout for its kind.
func FormatRecord(rec domain.Record) string {
	if rec.Kind == domain.RecordBlocked {
		return formatBlocked(rec)
	}
	return formatTransition(rec)
}

func formatTransition(rec domain.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[TRANSITION|%s] by %s\n", rec.Gate, rec.ActorRole)
	fmt.Fprintf(&b, "MODE: %s\n", rec.Mode)
	fmt.Fprintf(&b, "FROM_STATE: %s\n", rec.FromState)
	fmt.Fprintf(&b, "TO_STATE: %s\n", rec.ToState)
	b.WriteString("WHY:\n")
	for _, why := range rec.Rationale {
		fmt.Fprintf(&b, "- %s\n", why)
	}
	b.WriteString("OUTPUT:\n")
	fmt.Fprintf(&b, "%s\n", rec.OutputRef)
	fmt.Fprintf(&b, "=== END %s ===\n", strings.ToUpper(rec.Gate))
	if len(rec.FollowUps) > 0 {
		b.WriteString("FOLLOW-UP:\n")
		for _, fu := range rec.FollowUps {
			fmt.Fprintf(&b, "- owner=%s - due=%s\n", fu.Owner, fu.Due)
		}
	}
	return b.String()
}

func formatBlocked(rec domain.Record) string {
	return fmt.Sprintf("BLOCKED(missing_inputs=[%s], unblock_steps=[%s])\n",
		strings.Join(rec.MissingInputs, ", "), strings.Join(rec.UnblockSteps, ", "))
}

// Mirror appends rendered records to one markdown document per task. A zero
// Mirror (empty Dir) is disabled.
type Mirror struct {
	Dir string
}

// Enabled reports whether the mirror writes anywhere.
func (m Mirror) Enabled() bool { return m.Dir != "" }

// Path returns the document path for a task.
func (m Mirror) Path(taskID string) string {
	return filepath.Join(m.Dir, taskID+".md")
}

// Init writes the document header when a task is created. Existing documents
// are left alone.
func (m Mirror) Init(taskID, createdAt string) error {
	if !m.Enabled() {
		return nil
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return err
	}
	path := m.Path(taskID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	header := fmt.Sprintf("# Task %s\n\nCreated: %s\n\n## Lifecycle Log\n\n", taskID, createdAt)
	return os.WriteFile(path, []byte(header), 0o644)
}

// Append appends one rendered record to the task's document.
func (m Mirror) Append(rec domain.Record) error {
	if !m.Enabled() {
		return nil
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(m.Path(rec.TaskID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(FormatRecord(rec) + "\n"); err != nil {
		return err
	}
	return nil
}
