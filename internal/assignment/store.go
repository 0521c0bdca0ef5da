// Package assignment persists per-help-request task assignments and the
// selected template snapshot through a kv.Port so progress survives reloads.
package assignment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"helpflow/internal/domain"
	"helpflow/internal/kv"
)

const (
	keyTemplate    = "selected-template"
	keyAssignments = "task-assignments"
)

// Store is request-scoped by key, not by instance: one Store serves every request.
type Store struct {
	port   kv.Port
	logger *slog.Logger
}

func New(port kv.Port, logger *slog.Logger) *Store {
	return &Store{port: port, logger: logger}
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

// Load returns the persisted records. Missing or unreadable data yields an
// empty list; Load never fails.
func (s *Store) Load(ctx context.Context, requestID string) []domain.AssignmentRecord {
	raw, ok, err := s.port.Get(ctx, kv.Key(requestID, keyAssignments))
	if err != nil {
		s.log().Warn("assignment load failed", "request_id", requestID, "error", err)
		return []domain.AssignmentRecord{}
	}
	if !ok || raw == "" {
		return []domain.AssignmentRecord{}
	}
	var records []domain.AssignmentRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		s.log().Warn("assignment payload malformed, ignoring", "request_id", requestID, "error", err)
		return []domain.AssignmentRecord{}
	}
	out := records[:0]
	for _, r := range records {
		if r.TaskID != "" {
			out = append(out, r)
		}
	}
	return out
}

// Snapshot returns the persisted records keyed by task id.
func (s *Store) Snapshot(ctx context.Context, requestID string) map[string]domain.AssignmentRecord {
	records := s.Load(ctx, requestID)
	snap := make(map[string]domain.AssignmentRecord, len(records))
	for _, r := range records {
		snap[r.TaskID] = r
	}
	return snap
}

// Save upserts record by task id and writes the full list back immediately.
func (s *Store) Save(ctx context.Context, requestID string, record domain.AssignmentRecord) error {
	if record.TaskID == "" {
		return fmt.Errorf("assignment task id is required")
	}
	records := s.Load(ctx, requestID)
	replaced := false
	for i := range records {
		if records[i].TaskID == record.TaskID {
			records[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, record)
	}
	return s.writeRecords(ctx, requestID, records)
}

// Retain drops every record whose task id is not in keep.
func (s *Store) Retain(ctx context.Context, requestID string, keep func(taskID string) bool) (int, error) {
	records := s.Load(ctx, requestID)
	out := make([]domain.AssignmentRecord, 0, len(records))
	for _, r := range records {
		if keep(r.TaskID) {
			out = append(out, r)
		}
	}
	dropped := len(records) - len(out)
	if dropped == 0 {
		return 0, nil
	}
	return dropped, s.writeRecords(ctx, requestID, out)
}

func (s *Store) writeRecords(ctx context.Context, requestID string, records []domain.AssignmentRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal assignments: %w", err)
	}
	if err := s.port.Set(ctx, kv.Key(requestID, keyAssignments), string(data)); err != nil {
		return fmt.Errorf("persist assignments: %w", err)
	}
	return nil
}

// ClearAssignments removes the persisted records but keeps the template snapshot.
func (s *Store) ClearAssignments(ctx context.Context, requestID string) error {
	if err := s.port.Remove(ctx, kv.Key(requestID, keyAssignments)); err != nil {
		return fmt.Errorf("remove assignments: %w", err)
	}
	return nil
}

// Clear removes every persisted record and the template snapshot for requestID.
func (s *Store) Clear(ctx context.Context, requestID string) error {
	if err := s.ClearAssignments(ctx, requestID); err != nil {
		return err
	}
	if err := s.port.Remove(ctx, kv.Key(requestID, keyTemplate)); err != nil {
		return fmt.Errorf("remove template snapshot: %w", err)
	}
	return nil
}

func (s *Store) SaveTemplate(ctx context.Context, requestID string, tpl domain.Template) error {
	data, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	if err := s.port.Set(ctx, kv.Key(requestID, keyTemplate), string(data)); err != nil {
		return fmt.Errorf("persist template: %w", err)
	}
	return nil
}

// LoadTemplate returns the persisted template snapshot, if any. Like Load it
// degrades to "absent" on unreadable data.
func (s *Store) LoadTemplate(ctx context.Context, requestID string) (domain.Template, bool) {
	raw, ok, err := s.port.Get(ctx, kv.Key(requestID, keyTemplate))
	if err != nil {
		s.log().Warn("template snapshot load failed", "request_id", requestID, "error", err)
		return domain.Template{}, false
	}
	if !ok || raw == "" {
		return domain.Template{}, false
	}
	var tpl domain.Template
	if err := json.Unmarshal([]byte(raw), &tpl); err != nil || tpl.ID == "" {
		s.log().Warn("template snapshot malformed, ignoring", "request_id", requestID, "error", err)
		return domain.Template{}, false
	}
	return tpl, true
}
