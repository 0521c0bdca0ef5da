package server

import (
	"encoding/json"

	"helpflow/internal/catalog"
	"helpflow/internal/domain"
	"helpflow/internal/drawer"
	"helpflow/internal/taskgraph"
)

// Request payloads

type DecisionRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
}

type DocumentsRequest struct {
	Documents []domain.Document `json:"documents"`
}

type RejectTemplateRequest struct {
	Description string `json:"description,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type OpenDrawerRequest struct {
	TaskID string `json:"task_id"`
}

type DrawerFieldsRequest struct {
	StaffID  *string `json:"staff_id,omitempty"`
	Deadline *string `json:"deadline_days,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

type AssignRequest struct {
	StaffID    string `json:"staff_id"`
	StaffLabel string `json:"staff_label,omitempty"`
	Deadline   string `json:"deadline_days,omitempty" doc:"Whole number of days; anything else is stored as null"`
	Notes      string `json:"notes,omitempty"`
}

type FinalizeRequest struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type PhaseStatusRequest struct {
	Status string `json:"status" enum:"pending,inProgress,completed,blocked"`
}

// Responses

type TaskView struct {
	ID          string                   `json:"id"`
	Title       string                   `json:"title"`
	Description string                   `json:"description,omitempty"`
	Ordinal     int                      `json:"ordinal"`
	Relations   taskgraph.RelationLabels `json:"relations"`
	Assignment  *domain.AssignmentRecord `json:"assignment,omitempty"`
}

type PhaseView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Position    int        `json:"position"`
	Tasks       []TaskView `json:"tasks"`
}

type TemplateView struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Phases      []PhaseView `json:"phases"`
}

type WorkflowResponse struct {
	RequestID string               `json:"request_id"`
	State     domain.WorkflowState `json:"state"`
	Template  *TemplateView        `json:"template,omitempty"`
}

type MessageResponse struct {
	Message string               `json:"message,omitempty"`
	Error   string               `json:"error,omitempty"`
	State   domain.WorkflowState `json:"state"`
}

type CatalogResponse = catalog.View

type DrawerResponse = drawer.View

type AssignmentsResponse struct {
	Items []domain.AssignmentRecord `json:"items"`
}

type StaffResponse struct {
	Items []domain.StaffMember `json:"items"`
}

type PrincipalResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type EventResponse struct {
	ID        int64           `json:"id"`
	TS        string          `json:"ts"`
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	ActorID   string          `json:"actor_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type EventsResponse struct {
	Items []EventResponse `json:"items"`
}

func templateView(tpl domain.Template, snap map[string]domain.AssignmentRecord) *TemplateView {
	idx := taskgraph.NewIndex(tpl)
	out := &TemplateView{ID: tpl.ID, Title: tpl.Title, Description: tpl.Description, Phases: []PhaseView{}}
	for _, p := range taskgraph.Positions(tpl) {
		pv := PhaseView{ID: p.ID, Name: p.Name, Description: p.Description, Position: p.Position, Tasks: []TaskView{}}
		for i, t := range p.Tasks {
			tv := TaskView{
				ID:          t.ID,
				Title:       t.Title,
				Description: t.Description,
				Ordinal:     i + 1,
				Relations:   idx.Labels(t.ID),
			}
			if rec, ok := snap[t.ID]; ok {
				tv.Assignment = &rec
			}
			pv.Tasks = append(pv.Tasks, tv)
		}
		out.Phases = append(out.Phases, pv)
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:        evt.ID,
		TS:        evt.TS,
		Type:      evt.Type,
		RequestID: evt.RequestID,
		ActorID:   evt.ActorID,
		Payload:   payload,
	}
}
