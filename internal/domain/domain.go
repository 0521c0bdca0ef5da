package domain

// Stage is the approval flow's current step.
type Stage string

const (
	StageReview    Stage = "review"
	StageDocuments Stage = "documents"
	StageTemplate  Stage = "template"
	StageCompleted Stage = "completed"
)

// Rank orders stages so forward-only moves can be checked.
func (s Stage) Rank() int {
	switch s {
	case StageReview:
		return 0
	case StageDocuments:
		return 1
	case StageTemplate:
		return 2
	case StageCompleted:
		return 3
	}
	return -1
}

type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "inProgress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseBlocked    PhaseStatus = "blocked"
)

func (s PhaseStatus) Valid() bool {
	switch s {
	case PhasePending, PhaseInProgress, PhaseCompleted, PhaseBlocked:
		return true
	}
	return false
}

type Decision string

const (
	DecisionNone    Decision = ""
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

type Template struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Phases      []Phase `json:"phases"`
}

type Phase struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Position is 1-based and derived from the phase's index in Template.Phases.
	Position int    `json:"position"`
	Tasks    []Task `json:"tasks"`
}

type Task struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Prerequisites []Prerequisite `json:"prerequisites,omitempty"`
	Corequisites  []Corequisite  `json:"corequisites,omitempty"`
}

type Prerequisite struct {
	RequiredTaskID string `json:"required_task_id"`
}

type Corequisite struct {
	RelatedTaskID string `json:"related_task_id"`
}

// TemplateSummary is one catalog list entry.
type TemplateSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type TemplatePage struct {
	Items []TemplateSummary `json:"items"`
	Count int               `json:"count"`
}

// AssignmentRecord binds one task to one staff member.
type AssignmentRecord struct {
	TaskID       string  `json:"task_id" validate:"required"`
	StaffID      string  `json:"staff_id" validate:"required"`
	StaffLabel   string  `json:"staff_label"`
	DeadlineDays *int    `json:"deadline_days" validate:"omitempty,min=0"`
	Notes        *string `json:"notes"`
}

type StaffMember struct {
	StaffID string `json:"staff_id"`
	Label   string `json:"displayable_identity"`
}

type Document struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	Note string `json:"note,omitempty"`
}

type PhaseState struct {
	PhaseID string      `json:"phase_id"`
	Status  PhaseStatus `json:"status" enum:"pending,inProgress,completed,blocked"`
}

type WorkflowState struct {
	CurrentStage Stage        `json:"current_stage" enum:"review,documents,template,completed"`
	Phases       []PhaseState `json:"phases"`
	Decision     Decision     `json:"decision,omitempty"`
	TemplateID   string       `json:"template_id,omitempty"`
	// Closed is set once a reject decision has been submitted with its documents.
	Closed   bool `json:"closed"`
	Verified bool `json:"verified"`
}

type ValidationResult struct {
	IsValid         bool   `json:"is_valid"`
	UnassignedTasks []Task `json:"unassigned_tasks"`
	TotalTasks      int    `json:"total_tasks"`
	AssignedTasks   int    `json:"assigned_tasks"`
}

type TaskAssignment struct {
	TaskID       string  `json:"task_id"`
	StaffID      string  `json:"staff_id"`
	DeadlineDays *int    `json:"deadline_days,omitempty"`
	Notes        *string `json:"notes,omitempty"`
}

// VerifyRequest is the finalize payload sent to the template catalog.
type VerifyRequest struct {
	TemplateID      string           `json:"template_id"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	TaskAssignments []TaskAssignment `json:"task_assignments"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	ActorID   string `json:"actor_id,omitempty"`
	Payload   string `json:"payload_json"`
}
