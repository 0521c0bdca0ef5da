package engine

import (
	"fmt"

	"helpflow/internal/domain"
)

// Event is an input to Reduce.
type Event interface {
	eventName() string
}

// Decided records the operator's approve/reject decision on the request.
type Decided struct{ Decision domain.Decision }

// DocumentsSubmitted marks a successful document submission for the current decision.
type DocumentsSubmitted struct{}

// TemplateConfirmed selects tpl as the request's project template.
type TemplateConfirmed struct{ Template domain.Template }

// TemplateRejected discards the selected template and restarts the flow.
type TemplateRejected struct{}

type PhaseStatusChanged struct {
	PhaseID string
	Status  domain.PhaseStatus
}

// Verified marks a successful finalize.
type Verified struct{}

// Restored rebuilds state from a persisted template snapshot.
type Restored struct{ Template domain.Template }

func (Decided) eventName() string            { return "decided" }
func (DocumentsSubmitted) eventName() string { return "documents_submitted" }
func (TemplateConfirmed) eventName() string  { return "template_confirmed" }
func (TemplateRejected) eventName() string   { return "template_rejected" }
func (PhaseStatusChanged) eventName() string { return "phase_status_changed" }
func (Verified) eventName() string           { return "verified" }
func (Restored) eventName() string           { return "restored" }

// TransitionError reports an event that is not accepted in the current stage.
type TransitionError struct {
	From  domain.Stage
	Event string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid workflow transition: %s in stage %s", e.Event, e.From)
}

// Initial is the state of a request nobody has acted on yet.
func Initial() domain.WorkflowState {
	return domain.WorkflowState{CurrentStage: domain.StageReview, Phases: []domain.PhaseState{}}
}

// Reduce applies ev to s and returns the next state. s is never modified.
func Reduce(s domain.WorkflowState, ev Event) (domain.WorkflowState, error) {
	next := clone(s)
	deny := func() (domain.WorkflowState, error) {
		return s, &TransitionError{From: s.CurrentStage, Event: ev.eventName()}
	}
	switch e := ev.(type) {
	case Decided:
		if s.CurrentStage != domain.StageReview || s.Closed {
			return deny()
		}
		if e.Decision != domain.DecisionApprove && e.Decision != domain.DecisionReject {
			return s, fmt.Errorf("unknown decision %q", e.Decision)
		}
		next.CurrentStage = domain.StageDocuments
		next.Decision = e.Decision
	case DocumentsSubmitted:
		if s.CurrentStage != domain.StageDocuments {
			return deny()
		}
		if s.Decision == domain.DecisionApprove {
			next.CurrentStage = domain.StageTemplate
			break
		}
		next.CurrentStage = domain.StageReview
		next.Closed = true
		next.Phases = []domain.PhaseState{}
		next.TemplateID = ""
	case TemplateConfirmed:
		if s.Verified {
			return deny()
		}
		if s.CurrentStage != domain.StageTemplate && s.CurrentStage != domain.StageCompleted {
			return deny()
		}
		if e.Template.ID == "" {
			return s, fmt.Errorf("template id is required")
		}
		next.CurrentStage = domain.StageCompleted
		next.TemplateID = e.Template.ID
		next.Phases = pendingPhases(e.Template)
	case TemplateRejected:
		next = Initial()
	case PhaseStatusChanged:
		if s.CurrentStage != domain.StageCompleted {
			return deny()
		}
		if !e.Status.Valid() {
			return s, fmt.Errorf("unknown phase status %q", e.Status)
		}
		found := false
		for i := range next.Phases {
			if next.Phases[i].PhaseID == e.PhaseID {
				next.Phases[i].Status = e.Status
				found = true
			}
		}
		if !found {
			return s, fmt.Errorf("phase %s not in template", e.PhaseID)
		}
	case Verified:
		if s.CurrentStage != domain.StageCompleted || s.Verified {
			return deny()
		}
		next.Verified = true
	case Restored:
		if s.CurrentStage != domain.StageReview || s.Decision != domain.DecisionNone {
			return deny()
		}
		next.CurrentStage = domain.StageCompleted
		next.Decision = domain.DecisionApprove
		next.TemplateID = e.Template.ID
		next.Phases = pendingPhases(e.Template)
	default:
		return s, fmt.Errorf("unknown workflow event %T", ev)
	}
	return next, nil
}

func pendingPhases(tpl domain.Template) []domain.PhaseState {
	out := make([]domain.PhaseState, 0, len(tpl.Phases))
	for _, p := range tpl.Phases {
		out = append(out, domain.PhaseState{PhaseID: p.ID, Status: domain.PhasePending})
	}
	return out
}

func clone(s domain.WorkflowState) domain.WorkflowState {
	out := s
	out.Phases = append([]domain.PhaseState{}, s.Phases...)
	return out
}
