package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpflow/internal/assignment"
	"helpflow/internal/backend"
	"helpflow/internal/completion"
	"helpflow/internal/db"
	"helpflow/internal/domain"
	"helpflow/internal/engine"
	"helpflow/internal/events"
	"helpflow/internal/kv"
	"helpflow/internal/migrate"
	"helpflow/internal/repo"
)

type fakeCatalog struct {
	verifyCalls int
	verifyErr   error
	lastVerify  domain.VerifyRequest
	newTplCalls int
	newTplErr   error
	lastNewTpl  backend.NewTemplateRequest
}

func (f *fakeCatalog) List(context.Context, int, int) (domain.TemplatePage, error) {
	return domain.TemplatePage{}, nil
}

func (f *fakeCatalog) Detail(_ context.Context, id, _ string) (domain.Template, error) {
	return domain.Template{ID: id}, nil
}

func (f *fakeCatalog) RequestNewTemplate(_ context.Context, _ string, req backend.NewTemplateRequest) error {
	f.newTplCalls++
	f.lastNewTpl = req
	return f.newTplErr
}

func (f *fakeCatalog) Verify(_ context.Context, _ string, req domain.VerifyRequest) (string, error) {
	f.verifyCalls++
	f.lastVerify = req
	if f.verifyErr != nil {
		return "", f.verifyErr
	}
	return "verified", nil
}

type fakeDocs struct {
	calls    int
	approved bool
	err      error
}

func (f *fakeDocs) Submit(_ context.Context, _ string, approved bool, _ []domain.Document) (string, error) {
	f.calls++
	f.approved = approved
	return "ok", f.err
}

type recordingSink struct{ types []string }

func (r *recordingSink) Append(_ context.Context, evtType, _ string, _ events.Payload) error {
	r.types = append(r.types, evtType)
	return nil
}

type testEnv struct {
	Engine  *engine.Engine
	Port    *kv.Memory
	Store   *assignment.Store
	Catalog *fakeCatalog
	Docs    *fakeDocs
	Sink    *recordingSink
	Ctx     context.Context

	approvals, rejections, verifications int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		Port:    kv.NewMemory(),
		Catalog: &fakeCatalog{},
		Docs:    &fakeDocs{},
		Sink:    &recordingSink{},
		Ctx:     context.Background(),
	}
	env.Store = assignment.New(env.Port, nil)
	env.Engine = engine.New("req-1", engine.Deps{
		Store:     env.Store,
		Catalog:   env.Catalog,
		Documents: env.Docs,
		Events:    env.Sink,
		Hooks: engine.Hooks{
			OnApprove:              func(string) { env.approvals++ },
			OnReject:               func(string) { env.rejections++ },
			OnVerificationComplete: func(string) { env.verifications++ },
		},
	})
	return env
}

func scenarioTemplate() domain.Template {
	return domain.Template{
		ID:    "tpl-a",
		Title: "Roof repair",
		Phases: []domain.Phase{
			{ID: "p1", Tasks: []domain.Task{{ID: "t1", Title: "Survey"}, {ID: "t2", Title: "Estimate"}}},
			{ID: "p2", Tasks: []domain.Task{{ID: "t3", Title: "Build"}}},
		},
	}
}

// toTemplateStage walks an approved request up to template selection.
func (env *testEnv) toTemplateStage(t *testing.T) {
	t.Helper()
	_, err := env.Engine.Decide(env.Ctx, domain.DecisionApprove)
	require.NoError(t, err)
	_, err = env.Engine.SubmitDocuments(env.Ctx, []domain.Document{{Name: "id-card.pdf"}})
	require.NoError(t, err)
	require.Equal(t, domain.StageTemplate, env.Engine.State().CurrentStage)
}

func (env *testEnv) assign(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, env.Engine.Assign(env.Ctx, "req-1", domain.AssignmentRecord{TaskID: id, StaffID: "s-" + id}))
	}
}

func TestConfirmTemplate_CompletesAndApprovesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.toTemplateStage(t)

	require.NoError(t, env.Engine.ConfirmTemplate(env.Ctx, scenarioTemplate()))

	st := env.Engine.State()
	assert.Equal(t, domain.StageCompleted, st.CurrentStage)
	assert.Equal(t, 1, env.approvals)
	require.Len(t, st.Phases, 2)
	for _, p := range st.Phases {
		assert.Equal(t, domain.PhasePending, p.Status)
	}
	tpl, ok := env.Store.LoadTemplate(env.Ctx, "req-1")
	require.True(t, ok)
	assert.Equal(t, 2, tpl.Phases[1].Position)
	assert.Contains(t, env.Sink.types, events.TypeApproved)
}

func TestConfirmTemplate_BeforeDocumentsIsRejected(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.ConfirmTemplate(env.Ctx, scenarioTemplate())
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, env.approvals)
	assert.Zero(t, env.Port.Writes())
}

func TestSubmitDocuments_RejectClosesFlow(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Decide(env.Ctx, domain.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, domain.StageDocuments, env.Engine.State().CurrentStage)

	_, err = env.Engine.SubmitDocuments(env.Ctx, nil)
	require.NoError(t, err)
	st := env.Engine.State()
	assert.Equal(t, domain.StageReview, st.CurrentStage)
	assert.True(t, st.Closed)
	assert.False(t, env.Docs.approved)
	assert.Equal(t, 1, env.rejections)

	_, err = env.Engine.Decide(env.Ctx, domain.DecisionApprove)
	assert.Error(t, err)
}

func TestSubmitDocuments_FailureKeepsStage(t *testing.T) {
	env := newTestEnv(t)
	env.Docs.err = &backend.APIError{StatusCode: 200, Detail: "سند نامعتبر است"}
	_, err := env.Engine.Decide(env.Ctx, domain.DecisionApprove)
	require.NoError(t, err)

	_, err = env.Engine.SubmitDocuments(env.Ctx, nil)
	require.Error(t, err)
	assert.Equal(t, "سند نامعتبر است", err.Error())
	assert.Equal(t, domain.StageDocuments, env.Engine.State().CurrentStage)
}

func TestFinalize_NoAssignmentsBlockedLocally(t *testing.T) {
	env := newTestEnv(t)
	env.toTemplateStage(t)
	require.NoError(t, env.Engine.ConfirmTemplate(env.Ctx, scenarioTemplate()))

	_, err := env.Engine.Finalize(env.Ctx, "", "")
	assert.ErrorIs(t, err, completion.ErrNoAssignments)
	assert.Zero(t, env.Catalog.verifyCalls)
	assert.Contains(t, env.Sink.types, events.TypeFinalizeBlocked)
}

func TestFinalize_IncompleteBlockedLocally(t *testing.T) {
	env := newTestEnv(t)
	env.toTemplateStage(t)
	require.NoError(t, env.Engine.ConfirmTemplate(env.Ctx, scenarioTemplate()))
	env.assign(t, "t1", "t2")

	res, err := env.Engine.Validation(env.Ctx)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, 2, res.AssignedTasks)

	_, err = env.Engine.Finalize(env.Ctx, "", "")
	var inc *completion.IncompleteError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, "1 task(s) not assigned: Build", err.Error())
	assert.Zero(t, env.Catalog.verifyCalls)
}

func TestFinalize_Success(t *testing.T) {
	env := newTestEnv(t)
	env.toTemplateStage(t)
	require.NoError(t, env.Engine.ConfirmTemplate(env.Ctx, scenarioTemplate()))
	env.assign(t, "t3", "t1", "t2")

	msg, err := env.Engine.Finalize(env.Ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, "verified", msg)
	assert.Equal(t, 1, env.verifications)
	assert.True(t, env.Engine.State().Verified)
	assert.Equal(t, "Roof repair", env.Catalog.lastVerify.Title)
	require.Len(t, env.Catalog.lastVerify.TaskAssignments, 3)
	assert.Equal(t, "t1", env.Catalog.lastVerify.TaskAssignments[0].TaskID)
	assert.Empty(t, env.Port.Keys(kv.RequestPrefix("req-1")))

	err = env.Engine.Assign(env.Ctx, "req-1", domain.AssignmentRecord{TaskID: "t1", StaffID: "s9"})
	assert.ErrorIs(t, err, engine.ErrAlreadyVerified)
}

func TestFinalize_BackendFailureKeepsState(t *testing.T) {
	env := newTestEnv(t)
	env.toTemplateStage(t)
	require.NoError(t, env.Engine.ConfirmTemplate(env.Ctx, scenarioTemplate()))
	env.assign(t, "t1", "t2", "t3")
	env.Catalog.verifyErr = errors.New("gateway timeout")

	_, err := env.Engine.Finalize(env.Ctx, "", "")
	require.Error(t, err)
	assert.False(t, env.Engine.State().Verified)
	assert.Zero(t, env.verifications)
	assert.Len(t, env.Store.Load(env.Ctx, "req-1"), 3)

	env.Catalog.verifyErr = nil
	_, err = env.Engine.Finalize(env.Ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, env.Catalog.verifyCalls)
}

func TestAssign_UnknownTaskRejected(t *testing.T) {
	env := newTestEnv(t)
	env.toTemplateStage(t)
	require.NoError(t, env.Engine.ConfirmTemplate(env.Ctx, scenarioTemplate()))

	err := env.Engine.Assign(env.Ctx, "req-1", domain.AssignmentRecord{TaskID: "ghost", StaffID: "s1"})
	assert.ErrorIs(t, err, engine.ErrUnknownTask)
	err = env.Engine.Assign(env.Ctx, "req-2", domain.AssignmentRecord{TaskID: "t1", StaffID: "s1"})
	assert.ErrorIs(t, err, engine.ErrWrongRequest)
	assert.Empty(t, env.Store.Load(env.Ctx, "req-1"))
}

func TestAssign_WithoutTemplate(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.Assign(env.Ctx, "req-1", domain.AssignmentRecord{TaskID: "t1", StaffID: "s1"})
	assert.ErrorIs(t, err, engine.ErrNoTemplate)
}

func TestRejectTemplate_ClearsEvenWhenRequestFails(t *testing.T) {
	env := newTestEnv(t)
	env.toTemplateStage(t)
	require.NoError(t, env.Engine.ConfirmTemplate(env.Ctx, scenarioTemplate()))
	env.assign(t, "t1")
	env.Catalog.newTplErr = errors.New("offline")

	err := env.Engine.RejectTemplate(env.Ctx, "", "")
	require.Error(t, err)
	assert.Equal(t, engine.DefaultRejectNote, env.Catalog.lastNewTpl.Description)

	st := env.Engine.State()
	assert.Equal(t, domain.StageReview, st.CurrentStage)
	assert.Empty(t, st.Phases)
	assert.Empty(t, env.Port.Keys(kv.RequestPrefix("req-1")))
	_, ok := env.Engine.Template()
	assert.False(t, ok)
}

func TestConfirmDifferentTemplate_DropsAssignments(t *testing.T) {
	env := newTestEnv(t)
	env.toTemplateStage(t)
	require.NoError(t, env.Engine.ConfirmTemplate(env.Ctx, scenarioTemplate()))
	env.assign(t, "t1", "t2")

	other := domain.Template{ID: "tpl-b", Phases: []domain.Phase{{ID: "q1", Tasks: []domain.Task{{ID: "t1"}}}}}
	require.NoError(t, env.Engine.ConfirmTemplate(env.Ctx, other))

	res, err := env.Engine.Validation(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, res.AssignedTasks)
	assert.Equal(t, 2, env.approvals)
}

func TestConfirmSameTemplate_DropsRemovedTasks(t *testing.T) {
	env := newTestEnv(t)
	env.toTemplateStage(t)
	require.NoError(t, env.Engine.ConfirmTemplate(env.Ctx, scenarioTemplate()))
	env.assign(t, "t1", "t2")

	trimmed := scenarioTemplate()
	trimmed.Phases[0].Tasks = trimmed.Phases[0].Tasks[:1]
	require.NoError(t, env.Engine.ConfirmTemplate(env.Ctx, trimmed))

	records := env.Store.Load(env.Ctx, "req-1")
	require.Len(t, records, 1)
	assert.Equal(t, "t1", records[0].TaskID)
}

// snapshotFailPort fails writes of the template snapshot once armed.
type snapshotFailPort struct {
	*kv.Memory
	armed bool
}

func (p *snapshotFailPort) Set(ctx context.Context, key, value string) error {
	if p.armed && strings.HasSuffix(key, "/selected-template") {
		return errors.New("disk full")
	}
	return p.Memory.Set(ctx, key, value)
}

func TestConfirmTemplate_SnapshotFailureKeepsAssignments(t *testing.T) {
	port := &snapshotFailPort{Memory: kv.NewMemory()}
	store := assignment.New(port, nil)
	eng := engine.New("req-1", engine.Deps{
		Store:     store,
		Catalog:   &fakeCatalog{},
		Documents: &fakeDocs{},
		Events:    events.Discard{},
	})
	ctx := context.Background()
	_, err := eng.Decide(ctx, domain.DecisionApprove)
	require.NoError(t, err)
	_, err = eng.SubmitDocuments(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, eng.ConfirmTemplate(ctx, scenarioTemplate()))
	require.NoError(t, eng.Assign(ctx, "req-1", domain.AssignmentRecord{TaskID: "t1", StaffID: "s1"}))

	port.armed = true
	other := domain.Template{ID: "tpl-b", Phases: []domain.Phase{{ID: "q1", Tasks: []domain.Task{{ID: "x1"}}}}}
	require.Error(t, eng.ConfirmTemplate(ctx, other))

	assert.Equal(t, "tpl-a", eng.State().TemplateID)
	records := store.Load(ctx, "req-1")
	require.Len(t, records, 1)
	assert.Equal(t, "t1", records[0].TaskID)
}

func TestSetPhaseStatus(t *testing.T) {
	env := newTestEnv(t)
	var seen []domain.PhaseState
	env.Engine.Hooks.OnPhaseStatus = func(_ string, ps domain.PhaseState) { seen = append(seen, ps) }
	env.toTemplateStage(t)
	require.NoError(t, env.Engine.ConfirmTemplate(env.Ctx, scenarioTemplate()))

	st, err := env.Engine.SetPhaseStatus(env.Ctx, "p2", domain.PhaseBlocked)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseBlocked, st.Phases[1].Status)
	require.Len(t, seen, 1)

	_, err = env.Engine.SetPhaseStatus(env.Ctx, "p9", domain.PhaseCompleted)
	assert.Error(t, err)
	_, err = env.Engine.SetPhaseStatus(env.Ctx, "p1", "done")
	assert.Error(t, err)
}

func TestResume_FromSQLiteFiltersStaleRecords(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	ctx := context.Background()
	store := assignment.New(repo.Repo{DB: conn}, nil)
	require.NoError(t, store.SaveTemplate(ctx, "req-1", scenarioTemplate()))
	require.NoError(t, store.Save(ctx, "req-1", domain.AssignmentRecord{TaskID: "t1", StaffID: "s1"}))
	require.NoError(t, store.Save(ctx, "req-1", domain.AssignmentRecord{TaskID: "old", StaffID: "s2"}))

	eng := engine.New("req-1", engine.Deps{Store: store, Catalog: &fakeCatalog{}, Documents: &fakeDocs{}})
	st, err := eng.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, st.CurrentStage)
	assert.Len(t, st.Phases, 2)

	res, err := eng.Validation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AssignedTasks)
	assert.Len(t, store.Load(ctx, "req-1"), 1)
}

func TestResume_WithoutSnapshot(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.Engine.Resume(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StageReview, st.CurrentStage)
}
