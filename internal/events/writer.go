package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event types appended by the workflow engine.
const (
	TypeDecided            = "workflow.decided"
	TypeDocumentsSubmitted = "workflow.documents_submitted"
	TypeTemplateConfirmed  = "workflow.template_confirmed"
	TypeApproved           = "workflow.approved"
	TypeRejected           = "workflow.rejected"
	TypeTemplateRejected   = "workflow.template_rejected"
	TypeAssignmentSaved    = "workflow.assignment_saved"
	TypePhaseStatus        = "workflow.phase_status"
	TypeFinalizeBlocked    = "workflow.finalize_blocked"
	TypeFinalizeFailed     = "workflow.finalize_failed"
	TypeVerified           = "workflow.verified"
)

type Payload map[string]any

// Sink receives workflow events.
type Sink interface {
	Append(ctx context.Context, evtType, requestID string, payload Payload) error
}

type actorKey struct{}

// WithActor tags ctx with the acting operator id.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func ActorFrom(ctx context.Context) string {
	s, _ := ctx.Value(actorKey{}).(string)
	return s
}

// Writer appends events to the SQLite event log.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, evtType, requestID string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,request_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, requestID, nullable(ActorFrom(ctx)), string(data))
	return err
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Append(ctx context.Context, evtType, requestID string, payload Payload) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, evtType, requestID, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Append(context.Context, string, string, Payload) error { return nil }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
