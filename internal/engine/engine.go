// Package engine runs the help-request approval workflow: decision, documents,
// template confirmation, task assignment and finalize.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"helpflow/internal/assignment"
	"helpflow/internal/backend"
	"helpflow/internal/completion"
	"helpflow/internal/domain"
	"helpflow/internal/events"
	"helpflow/internal/taskgraph"
)

// DefaultRejectNote is sent when the operator rejects a template without saying why.
const DefaultRejectNote = "درخواست تغییر قالب پروژه"

var (
	ErrNoTemplate      = errors.New("no template confirmed for this request")
	ErrUnknownTask     = errors.New("task is not part of the confirmed template")
	ErrWrongRequest    = errors.New("assignment belongs to another request")
	ErrAlreadyVerified = errors.New("request already verified")
)

// Hooks notify the host at stage transitions. Nil hooks are skipped.
type Hooks struct {
	OnApprove              func(requestID string)
	OnReject               func(requestID string)
	OnVerificationComplete func(requestID string)
	OnPhaseStatus          func(requestID string, ps domain.PhaseState)
}

// Deps are the collaborators of one Engine.
type Deps struct {
	Store     *assignment.Store
	Catalog   backend.TemplateCatalog
	Documents backend.DocumentSubmitter
	Events    events.Sink
	Hooks     Hooks
	Logger    *slog.Logger
	// RejectNote replaces DefaultRejectNote when set.
	RejectNote string
}

// Engine owns the workflow state of one help request. Mutating operations are
// serialized; State and Validation may be called at any time.
type Engine struct {
	RequestID string
	Deps

	op    sync.Mutex
	mu    sync.RWMutex
	state domain.WorkflowState
	tpl   *domain.Template
	index *taskgraph.Index
}

func New(requestID string, deps Deps) *Engine {
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	return &Engine{RequestID: requestID, Deps: deps, state: Initial()}
}

func (e *Engine) log() *slog.Logger {
	l := e.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("request_id", e.RequestID)
}

// State returns a copy of the current workflow state.
func (e *Engine) State() domain.WorkflowState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return clone(e.state)
}

// Template returns the confirmed template, if any.
func (e *Engine) Template() (domain.Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.tpl == nil {
		return domain.Template{}, false
	}
	return *e.tpl, true
}

func (e *Engine) apply(ev Event) (domain.WorkflowState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, err := Reduce(e.state, ev)
	if err != nil {
		return e.state, err
	}
	e.state = next
	return clone(next), nil
}

// check runs ev against the current state without applying it.
func (e *Engine) check(ev Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, err := Reduce(e.state, ev)
	return err
}

func (e *Engine) emit(ctx context.Context, evtType string, payload events.Payload) {
	if err := e.Events.Append(ctx, evtType, e.RequestID, payload); err != nil {
		e.log().Warn("event append failed", "type", evtType, "error", err)
	}
}

// Resume rehydrates a persisted template snapshot, dropping assignments that
// reference tasks outside it. Without a snapshot the state stays at review.
func (e *Engine) Resume(ctx context.Context) (domain.WorkflowState, error) {
	e.op.Lock()
	defer e.op.Unlock()
	tpl, ok := e.Store.LoadTemplate(ctx, e.RequestID)
	if !ok {
		return e.State(), nil
	}
	tpl.Phases = taskgraph.Positions(tpl)
	idx := taskgraph.NewIndex(tpl)
	dropped, err := e.Store.Retain(ctx, e.RequestID, idx.Has)
	if err != nil {
		e.log().Warn("stale assignment cleanup failed", "error", err)
	} else if dropped > 0 {
		e.log().Info("dropped stale assignments", "count", dropped, "template_id", tpl.ID)
	}
	st, err := e.apply(Restored{Template: tpl})
	if err != nil {
		return st, err
	}
	e.setTemplate(&tpl, idx)
	e.log().Debug("workflow resumed", "template_id", tpl.ID)
	return st, nil
}

func (e *Engine) setTemplate(tpl *domain.Template, idx *taskgraph.Index) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tpl = tpl
	e.index = idx
}

// Decide opens the document step for an approve or reject decision.
func (e *Engine) Decide(ctx context.Context, decision domain.Decision) (domain.WorkflowState, error) {
	e.op.Lock()
	defer e.op.Unlock()
	st, err := e.apply(Decided{Decision: decision})
	if err != nil {
		return st, err
	}
	e.emit(ctx, events.TypeDecided, events.Payload{"decision": string(decision)})
	return st, nil
}

// SubmitDocuments sends the decision documents. An approval advances to
// template selection; a rejection closes the flow back at review. A failed
// submission leaves the state untouched.
func (e *Engine) SubmitDocuments(ctx context.Context, docs []domain.Document) (string, error) {
	e.op.Lock()
	defer e.op.Unlock()
	if err := e.check(DocumentsSubmitted{}); err != nil {
		return "", err
	}
	approved := e.State().Decision == domain.DecisionApprove
	msg, err := e.Documents.Submit(ctx, e.RequestID, approved, docs)
	if err != nil {
		e.log().Warn("document submission failed", "approved", approved, "error", err)
		return "", err
	}
	if _, err := e.apply(DocumentsSubmitted{}); err != nil {
		return "", err
	}
	e.emit(ctx, events.TypeDocumentsSubmitted, events.Payload{"approved": approved, "documents": len(docs)})
	if !approved {
		if err := e.Store.Clear(ctx, e.RequestID); err != nil {
			e.log().Warn("clearing persisted data failed", "error", err)
		}
		e.setTemplate(nil, nil)
		e.emit(ctx, events.TypeRejected, nil)
		if e.Hooks.OnReject != nil {
			e.Hooks.OnReject(e.RequestID)
		}
	}
	return msg, nil
}

// ConfirmTemplate commits tpl, resets phase statuses and completes the
// approval. Confirming a different template than the current one drops all
// existing assignments.
func (e *Engine) ConfirmTemplate(ctx context.Context, tpl domain.Template) error {
	e.op.Lock()
	defer e.op.Unlock()
	tpl.Phases = taskgraph.Positions(tpl)
	ev := TemplateConfirmed{Template: tpl}
	if err := e.check(ev); err != nil {
		return err
	}
	prev := e.State().TemplateID
	if err := e.Store.SaveTemplate(ctx, e.RequestID, tpl); err != nil {
		return err
	}
	idx := taskgraph.NewIndex(tpl)
	if prev != tpl.ID {
		if err := e.Store.ClearAssignments(ctx, e.RequestID); err != nil {
			return err
		}
	} else if dropped, err := e.Store.Retain(ctx, e.RequestID, idx.Has); err != nil {
		return err
	} else if dropped > 0 {
		e.log().Info("dropped assignments for removed tasks", "count", dropped)
	}
	if _, err := e.apply(ev); err != nil {
		return err
	}
	e.setTemplate(&tpl, idx)
	e.emit(ctx, events.TypeTemplateConfirmed, events.Payload{"template_id": tpl.ID, "previous": prev})
	e.emit(ctx, events.TypeApproved, events.Payload{"template_id": tpl.ID})
	e.log().Info("template confirmed", "template_id", tpl.ID, "phases", len(tpl.Phases))
	if e.Hooks.OnApprove != nil {
		e.Hooks.OnApprove(e.RequestID)
	}
	return nil
}

// RejectTemplate asks the catalog for a new template, then clears persisted
// data and returns to review whether or not that request succeeded. The
// request error, if any, is returned after the reset.
func (e *Engine) RejectTemplate(ctx context.Context, description, notes string) error {
	e.op.Lock()
	defer e.op.Unlock()
	req := backend.NewTemplateRequest{Description: strings.TrimSpace(description), Notes: strings.TrimSpace(notes)}
	note := DefaultRejectNote
	if strings.TrimSpace(e.RejectNote) != "" {
		note = strings.TrimSpace(e.RejectNote)
	}
	if req.Description == "" {
		req.Description = note
	}
	if req.Notes == "" {
		req.Notes = note
	}
	reqErr := e.Catalog.RequestNewTemplate(ctx, e.RequestID, req)
	if reqErr != nil {
		e.log().Warn("new template request failed", "error", reqErr)
	}
	clearErr := e.Store.Clear(ctx, e.RequestID)
	if clearErr != nil {
		e.log().Warn("clearing persisted data failed", "error", clearErr)
	}
	if _, err := e.apply(TemplateRejected{}); err != nil {
		return err
	}
	e.setTemplate(nil, nil)
	e.emit(ctx, events.TypeTemplateRejected, events.Payload{"request_failed": reqErr != nil})
	return errors.Join(reqErr, clearErr)
}

// Assign stores rec for a task of the confirmed template. It satisfies
// drawer.Committer.
func (e *Engine) Assign(ctx context.Context, requestID string, rec domain.AssignmentRecord) error {
	e.op.Lock()
	defer e.op.Unlock()
	if requestID != e.RequestID {
		return ErrWrongRequest
	}
	e.mu.RLock()
	idx, verified := e.index, e.state.Verified
	e.mu.RUnlock()
	if idx == nil {
		return ErrNoTemplate
	}
	if verified {
		return ErrAlreadyVerified
	}
	if !idx.Has(rec.TaskID) {
		return fmt.Errorf("%w: %s", ErrUnknownTask, rec.TaskID)
	}
	if err := e.Store.Save(ctx, e.RequestID, rec); err != nil {
		return err
	}
	e.emit(ctx, events.TypeAssignmentSaved, events.Payload{"task_id": rec.TaskID, "staff_id": rec.StaffID})
	return nil
}

// SetPhaseStatus changes a phase's display status. It does not affect finalize.
func (e *Engine) SetPhaseStatus(ctx context.Context, phaseID string, status domain.PhaseStatus) (domain.WorkflowState, error) {
	e.op.Lock()
	defer e.op.Unlock()
	st, err := e.apply(PhaseStatusChanged{PhaseID: phaseID, Status: status})
	if err != nil {
		return st, err
	}
	ps := domain.PhaseState{PhaseID: phaseID, Status: status}
	e.emit(ctx, events.TypePhaseStatus, events.Payload{"phase_id": phaseID, "status": string(status)})
	if e.Hooks.OnPhaseStatus != nil {
		e.Hooks.OnPhaseStatus(e.RequestID, ps)
	}
	return st, nil
}

// Validation reports assignment coverage of the confirmed template.
func (e *Engine) Validation(ctx context.Context) (domain.ValidationResult, error) {
	tpl, ok := e.Template()
	if !ok {
		return domain.ValidationResult{}, ErrNoTemplate
	}
	return completion.Validate(tpl, e.Store.Snapshot(ctx, e.RequestID)), nil
}

// Finalize verifies the fully assigned template with the backend. Incomplete
// coverage is rejected before any network call. A backend failure leaves
// everything in place for a retry.
func (e *Engine) Finalize(ctx context.Context, title, description string) (string, error) {
	e.op.Lock()
	defer e.op.Unlock()
	tpl, ok := e.Template()
	if !ok {
		return "", ErrNoTemplate
	}
	if err := e.check(Verified{}); err != nil {
		return "", err
	}
	snap := e.Store.Snapshot(ctx, e.RequestID)
	res := completion.Validate(tpl, snap)
	if err := completion.CheckFinalize(res); err != nil {
		e.emit(ctx, events.TypeFinalizeBlocked, events.Payload{"assigned": res.AssignedTasks, "total": res.TotalTasks})
		return "", err
	}
	req := verifyRequest(tpl, snap, title, description)
	msg, err := e.Catalog.Verify(ctx, e.RequestID, req)
	if err != nil {
		e.log().Warn("verify failed", "error", err)
		e.emit(ctx, events.TypeFinalizeFailed, events.Payload{"error": err.Error()})
		return "", err
	}
	if err := e.Store.Clear(ctx, e.RequestID); err != nil {
		e.log().Warn("clearing persisted data failed", "error", err)
	}
	if _, err := e.apply(Verified{}); err != nil {
		return msg, err
	}
	e.emit(ctx, events.TypeVerified, events.Payload{"template_id": tpl.ID, "assignments": len(req.TaskAssignments)})
	e.log().Info("request verified", "template_id", tpl.ID)
	if e.Hooks.OnVerificationComplete != nil {
		e.Hooks.OnVerificationComplete(e.RequestID)
	}
	return msg, nil
}

// verifyRequest lists assignments in template task order.
func verifyRequest(tpl domain.Template, snap map[string]domain.AssignmentRecord, title, description string) domain.VerifyRequest {
	if strings.TrimSpace(title) == "" {
		title = tpl.Title
	}
	if strings.TrimSpace(description) == "" {
		description = tpl.Description
	}
	req := domain.VerifyRequest{TemplateID: tpl.ID, Title: title, Description: description}
	for _, t := range taskgraph.FlattenTasks(tpl) {
		rec, ok := snap[t.ID]
		if !ok {
			continue
		}
		req.TaskAssignments = append(req.TaskAssignments, domain.TaskAssignment{
			TaskID:       rec.TaskID,
			StaffID:      rec.StaffID,
			DeadlineDays: rec.DeadlineDays,
			Notes:        rec.Notes,
		})
	}
	return req
}
