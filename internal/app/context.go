package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"helpflow/internal/assignment"
	"helpflow/internal/backend"
	"helpflow/internal/catalog"
	"helpflow/internal/drawer"
	"helpflow/internal/engine"
	"helpflow/internal/events"
)

var ErrInvalidRequestID = errors.New("request id must be non-empty and must not contain '/'")

// Session bundles the per-request workflow units.
type Session struct {
	RequestID string
	Engine    *engine.Engine
	Browser   *catalog.Browser

	mu     sync.Mutex
	drawer *drawer.Drawer
}

// Drawer returns the open drawer, if any.
func (s *Session) Drawer() (*drawer.Drawer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drawer, s.drawer != nil
}

// Sessions lazily creates one Session per help request, resuming persisted
// progress on first use.
type Sessions struct {
	Store     *assignment.Store
	Catalog   backend.TemplateCatalog
	Staff     backend.StaffDirectory
	Documents backend.DocumentSubmitter
	Events    events.Sink
	Hooks     engine.Hooks
	Logger    *slog.Logger
	PageSize  int
	Lang      string
	// RejectNote overrides the engine's default template rejection note.
	RejectNote string

	mu   sync.Mutex
	byID map[string]*Session
}

func (s *Sessions) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// ValidRequestID reports whether id can namespace persisted keys.
func ValidRequestID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && !strings.Contains(id, "/")
}

// Get returns the session for requestID, creating and resuming it if needed.
func (s *Sessions) Get(ctx context.Context, requestID string) (*Session, error) {
	if !ValidRequestID(requestID) {
		return nil, ErrInvalidRequestID
	}
	requestID = strings.TrimSpace(requestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID == nil {
		s.byID = map[string]*Session{}
	}
	if sess, ok := s.byID[requestID]; ok {
		return sess, nil
	}
	eng := engine.New(requestID, engine.Deps{
		Store:      s.Store,
		Catalog:    s.Catalog,
		Documents:  s.Documents,
		Events:     s.Events,
		Hooks:      s.Hooks,
		Logger:     s.Logger,
		RejectNote: s.RejectNote,
	})
	if _, err := eng.Resume(ctx); err != nil {
		return nil, err
	}
	sess := &Session{
		RequestID: requestID,
		Engine:    eng,
		Browser:   catalog.NewBrowser(s.Catalog, s.PageSize, s.Lang, s.Logger),
	}
	s.byID[requestID] = sess
	s.log().Debug("session created", "request_id", requestID, "stage", eng.State().CurrentStage)
	return sess, nil
}

// OpenDrawer replaces any open drawer of the request with a fresh one for
// taskID and loads its staff list.
func (s *Sessions) OpenDrawer(ctx context.Context, requestID, taskID string) (*drawer.Drawer, error) {
	sess, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if _, ok := sess.Engine.Template(); !ok {
		return nil, engine.ErrNoTemplate
	}
	d := drawer.New(sess.RequestID, s.Staff, sess.Engine, s.Logger)
	sess.mu.Lock()
	prev := sess.drawer
	sess.drawer = d
	sess.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return d, d.Open(ctx, taskID)
}

// CloseDrawer closes the request's drawer without writing anything.
func (s *Sessions) CloseDrawer(ctx context.Context, requestID string) error {
	sess, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	d := sess.drawer
	sess.drawer = nil
	sess.mu.Unlock()
	if d != nil {
		d.Close()
	}
	return nil
}

// Forget drops the in-memory session; persisted data is untouched.
func (s *Sessions) Forget(requestID string) {
	s.mu.Lock()
	sess := s.byID[strings.TrimSpace(requestID)]
	delete(s.byID, strings.TrimSpace(requestID))
	s.mu.Unlock()
	if sess != nil {
		if d, ok := sess.Drawer(); ok {
			d.Close()
		}
	}
}
