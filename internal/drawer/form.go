package drawer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"helpflow/internal/domain"
)

// ErrStaffRequired rejects a submit without a selected staff member.
var ErrStaffRequired = errors.New("a staff member must be selected")

var validate = validator.New()

// Form holds the raw drawer fields for one task.
type Form struct {
	TaskID     string `json:"task_id"`
	StaffID    string `json:"staff_id"`
	StaffLabel string `json:"staff_label,omitempty"`
	Deadline   string `json:"deadline_days,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// Normalize turns the raw fields into a record. Deadline and notes never fail:
// anything that is not a non-negative integer becomes nil, blank notes become nil.
func (f Form) Normalize() (domain.AssignmentRecord, error) {
	rec := domain.AssignmentRecord{
		TaskID:       strings.TrimSpace(f.TaskID),
		StaffID:      strings.TrimSpace(f.StaffID),
		StaffLabel:   strings.TrimSpace(f.StaffLabel),
		DeadlineDays: ParseDeadline(f.Deadline),
		Notes:        NormalizeNotes(f.Notes),
	}
	if rec.StaffID == "" {
		return domain.AssignmentRecord{}, ErrStaffRequired
	}
	if err := validate.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return domain.AssignmentRecord{}, fmt.Errorf("invalid assignment: %s failed %q", fe.Field(), fe.Tag())
		}
		return domain.AssignmentRecord{}, err
	}
	return rec, nil
}

// ParseDeadline reads a whole number of days.
func ParseDeadline(text string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

func NormalizeNotes(text string) *string {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil
	}
	return &s
}
