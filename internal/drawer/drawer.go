// Package drawer collects one task assignment per open/submit cycle.
package drawer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"helpflow/internal/backend"
	"helpflow/internal/domain"
)

// StaffPageSize is the number of staff members fetched when the drawer opens.
const StaffPageSize = 50

var (
	ErrNotOpen          = errors.New("drawer is not open")
	ErrSelectorDisabled = errors.New("staff selector is disabled")

	// ErrStale is returned by Open when the drawer was closed or reopened
	// before the staff list arrived. The result was discarded.
	ErrStale = errors.New("drawer closed before staff list arrived")
)

// Committer persists a finished assignment.
type Committer interface {
	Assign(ctx context.Context, requestID string, rec domain.AssignmentRecord) error
}

// CommitFunc adapts a function to Committer.
type CommitFunc func(ctx context.Context, requestID string, rec domain.AssignmentRecord) error

func (f CommitFunc) Assign(ctx context.Context, requestID string, rec domain.AssignmentRecord) error {
	return f(ctx, requestID, rec)
}

// View is what the host renders.
type View struct {
	Open            bool                 `json:"open"`
	TaskID          string               `json:"task_id,omitempty"`
	Loading         bool                 `json:"loading"`
	SelectorEnabled bool                 `json:"selector_enabled"`
	Staff           []domain.StaffMember `json:"staff"`
	Error           string               `json:"error,omitempty"`
	StaffID         string               `json:"staff_id,omitempty"`
	Deadline        string               `json:"deadline,omitempty"`
	Notes           string               `json:"notes,omitempty"`
}

// Drawer is safe for concurrent use. Fetches run without the lock held and
// apply their result only while their generation is current.
type Drawer struct {
	RequestID string
	Staff     backend.StaffDirectory
	Commit    Committer
	Logger    *slog.Logger
	// OnChange is called with a copy of the view after every applied change.
	OnChange func(View)

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	view   View
}

func New(requestID string, staff backend.StaffDirectory, commit Committer, logger *slog.Logger) *Drawer {
	return &Drawer{RequestID: requestID, Staff: staff, Commit: commit, Logger: logger}
}

func (d *Drawer) log() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// View returns a copy of the current view.
func (d *Drawer) View() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot()
}

func (d *Drawer) snapshot() View {
	v := d.view
	v.Staff = append([]domain.StaffMember(nil), d.view.Staff...)
	return v
}

func (d *Drawer) notify(v View) {
	if d.OnChange != nil {
		d.OnChange(v)
	}
}

// Open shows the drawer for taskID and fetches the first staff page. It blocks
// until the fetch resolves; hosts that must stay responsive call it in a
// goroutine. A failed fetch leaves the selector disabled with an inline error.
func (d *Drawer) Open(ctx context.Context, taskID string) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.gen++
	gen := d.gen
	fetchCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.view = View{Open: true, TaskID: taskID, Loading: true, Staff: []domain.StaffMember{}}
	v := d.snapshot()
	d.mu.Unlock()
	d.notify(v)

	staff, err := d.Staff.List(fetchCtx, StaffPageSize, 0)

	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		d.log().Debug("discarding stale staff list", "request_id", d.RequestID, "task_id", taskID)
		return ErrStale
	}
	cancel()
	d.cancel = nil
	d.view.Loading = false
	if err != nil {
		d.view.Error = err.Error()
		d.view.SelectorEnabled = false
	} else {
		d.view.Staff = staff
		d.view.SelectorEnabled = true
	}
	v = d.snapshot()
	d.mu.Unlock()
	d.notify(v)
	if err != nil {
		d.log().Warn("staff list fetch failed", "request_id", d.RequestID, "error", err)
		return fmt.Errorf("fetch staff: %w", err)
	}
	return nil
}

// SetStaff selects a staff member from the fetched list.
func (d *Drawer) SetStaff(staffID string) error {
	return d.update(func(v *View) error {
		if !v.SelectorEnabled {
			return ErrSelectorDisabled
		}
		if staffID != "" && labelOf(v.Staff, staffID) == "" {
			return fmt.Errorf("unknown staff member %s", staffID)
		}
		v.StaffID = staffID
		return nil
	})
}

func (d *Drawer) SetDeadline(text string) error {
	return d.update(func(v *View) error {
		v.Deadline = text
		return nil
	})
}

func (d *Drawer) SetNotes(text string) error {
	return d.update(func(v *View) error {
		v.Notes = text
		return nil
	})
}

func (d *Drawer) update(fn func(*View) error) error {
	d.mu.Lock()
	if !d.view.Open {
		d.mu.Unlock()
		return ErrNotOpen
	}
	if err := fn(&d.view); err != nil {
		d.mu.Unlock()
		return err
	}
	v := d.snapshot()
	d.mu.Unlock()
	d.notify(v)
	return nil
}

// Form returns the current fields as a Form.
func (d *Drawer) Form() Form {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.form()
}

func (d *Drawer) form() Form {
	return Form{
		TaskID:     d.view.TaskID,
		StaffID:    d.view.StaffID,
		StaffLabel: labelOf(d.view.Staff, d.view.StaffID),
		Deadline:   d.view.Deadline,
		Notes:      d.view.Notes,
	}
}

// Submit validates the fields and commits the record. Validation failures
// never reach the committer. On success the drawer closes and resets.
func (d *Drawer) Submit(ctx context.Context) (domain.AssignmentRecord, error) {
	d.mu.Lock()
	if !d.view.Open {
		d.mu.Unlock()
		return domain.AssignmentRecord{}, ErrNotOpen
	}
	gen := d.gen
	form := d.form()
	d.mu.Unlock()

	rec, err := form.Normalize()
	if err != nil {
		return domain.AssignmentRecord{}, err
	}
	if err := d.Commit.Assign(ctx, d.RequestID, rec); err != nil {
		return domain.AssignmentRecord{}, err
	}

	d.mu.Lock()
	if gen == d.gen {
		d.reset()
	}
	v := d.snapshot()
	d.mu.Unlock()
	d.notify(v)
	return rec, nil
}

// Close hides the drawer without writing anything. An in-flight staff fetch
// is cancelled and its result dropped.
func (d *Drawer) Close() {
	d.mu.Lock()
	if !d.view.Open && d.cancel == nil {
		d.mu.Unlock()
		return
	}
	d.reset()
	v := d.snapshot()
	d.mu.Unlock()
	d.notify(v)
}

func (d *Drawer) reset() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.gen++
	d.view = View{Staff: []domain.StaffMember{}}
}

func labelOf(staff []domain.StaffMember, id string) string {
	for _, s := range staff {
		if s.StaffID == id {
			if s.Label == "" {
				return s.StaffID
			}
			return s.Label
		}
	}
	return ""
}
