// Package completion computes assignment coverage for a template and gates
// the finalize action on it.
package completion

import (
	"errors"
	"fmt"
	"strings"

	"helpflow/internal/domain"
	"helpflow/internal/taskgraph"
)

// ErrNoAssignments blocks finalizing a request that has no assigned task.
var ErrNoAssignments = errors.New("at least one task must be assigned before finalizing")

// maxListed bounds how many unassigned titles an IncompleteError spells out.
const maxListed = 3

// IncompleteError reports tasks that still lack an assignment.
type IncompleteError struct {
	Unassigned []domain.Task
}

func (e *IncompleteError) Error() string {
	titles := make([]string, 0, maxListed)
	for i, t := range e.Unassigned {
		if i == maxListed {
			break
		}
		title := t.Title
		if title == "" {
			title = t.ID
		}
		titles = append(titles, title)
	}
	msg := fmt.Sprintf("%d task(s) not assigned: %s", len(e.Unassigned), strings.Join(titles, ", "))
	if rest := len(e.Unassigned) - len(titles); rest > 0 {
		msg += fmt.Sprintf(" and %d more", rest)
	}
	return msg
}

// Validate compares the template's tasks with the assignment snapshot. Records
// for task ids outside the template are ignored.
func Validate(tpl domain.Template, snapshot map[string]domain.AssignmentRecord) domain.ValidationResult {
	all := taskgraph.FlattenTasks(tpl)
	unassigned := []domain.Task{}
	assigned := 0
	counted := make(map[string]bool, len(all))
	for _, t := range all {
		if _, ok := snapshot[t.ID]; ok {
			if !counted[t.ID] {
				counted[t.ID] = true
				assigned++
			}
			continue
		}
		unassigned = append(unassigned, t)
	}
	return domain.ValidationResult{
		IsValid:         len(unassigned) == 0,
		UnassignedTasks: unassigned,
		TotalTasks:      len(all),
		AssignedTasks:   assigned,
	}
}

// SnapshotOf keys records by task id; later records win.
func SnapshotOf(records []domain.AssignmentRecord) map[string]domain.AssignmentRecord {
	snap := make(map[string]domain.AssignmentRecord, len(records))
	for _, r := range records {
		snap[r.TaskID] = r
	}
	return snap
}

// CheckFinalize returns nil only when every task is assigned and at least one
// assignment exists. An empty template is valid but cannot be finalized.
func CheckFinalize(res domain.ValidationResult) error {
	if res.AssignedTasks == 0 {
		return ErrNoAssignments
	}
	if !res.IsValid {
		return &IncompleteError{Unassigned: res.UnassignedTasks}
	}
	return nil
}
