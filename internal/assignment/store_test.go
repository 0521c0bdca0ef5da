package assignment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpflow/internal/domain"
	"helpflow/internal/kv"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

type brokenPort struct{}

func (brokenPort) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}
func (brokenPort) Set(context.Context, string, string) error { return errors.New("disk on fire") }
func (brokenPort) Remove(context.Context, string) error      { return errors.New("disk on fire") }

func TestSave_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	port := kv.NewMemory()
	s := New(port, nil)

	require.NoError(t, s.Save(ctx, "req-1", domain.AssignmentRecord{TaskID: "t1", StaffID: "s1", StaffLabel: "Sara", DeadlineDays: intPtr(3)}))
	require.NoError(t, s.Save(ctx, "req-1", domain.AssignmentRecord{TaskID: "t1", StaffID: "s2", StaffLabel: "Reza", Notes: strPtr("urgent")}))

	records := s.Load(ctx, "req-1")
	require.Len(t, records, 1)
	assert.Equal(t, "s2", records[0].StaffID)
	assert.Nil(t, records[0].DeadlineDays)
	require.NotNil(t, records[0].Notes)
	assert.Equal(t, "urgent", *records[0].Notes)
	assert.Equal(t, 2, port.Writes())
}

func TestSave_AppendsNewTasks(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory(), nil)

	require.NoError(t, s.Save(ctx, "req-1", domain.AssignmentRecord{TaskID: "t1", StaffID: "s1"}))
	require.NoError(t, s.Save(ctx, "req-1", domain.AssignmentRecord{TaskID: "t2", StaffID: "s1"}))

	snap := s.Snapshot(ctx, "req-1")
	assert.Len(t, snap, 2)
	assert.Contains(t, snap, "t1")
	assert.Contains(t, snap, "t2")
}

func TestSave_ScopedPerRequest(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory(), nil)

	require.NoError(t, s.Save(ctx, "req-1", domain.AssignmentRecord{TaskID: "t1", StaffID: "s1"}))
	assert.Empty(t, s.Load(ctx, "req-2"))
}

func TestSave_RequiresTaskID(t *testing.T) {
	port := kv.NewMemory()
	s := New(port, nil)
	assert.Error(t, s.Save(context.Background(), "req-1", domain.AssignmentRecord{StaffID: "s1"}))
	assert.Zero(t, port.Writes())
}

func TestLoad_MalformedPayloadIsEmpty(t *testing.T) {
	ctx := context.Background()
	port := kv.NewMemory()
	require.NoError(t, port.Set(ctx, kv.Key("req-1", keyAssignments), "{not json"))
	s := New(port, nil)

	records := s.Load(ctx, "req-1")
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestLoad_PortErrorIsEmpty(t *testing.T) {
	s := New(brokenPort{}, nil)
	assert.Empty(t, s.Load(context.Background(), "req-1"))
	_, ok := s.LoadTemplate(context.Background(), "req-1")
	assert.False(t, ok)
}

func TestSave_PortErrorIsReturned(t *testing.T) {
	s := New(brokenPort{}, nil)
	err := s.Save(context.Background(), "req-1", domain.AssignmentRecord{TaskID: "t1", StaffID: "s1"})
	assert.ErrorContains(t, err, "persist assignments")
}

func TestClear_RemovesTemplateAndAssignments(t *testing.T) {
	ctx := context.Background()
	port := kv.NewMemory()
	s := New(port, nil)

	require.NoError(t, s.SaveTemplate(ctx, "req-1", domain.Template{ID: "tpl-1", Title: "T"}))
	require.NoError(t, s.Save(ctx, "req-1", domain.AssignmentRecord{TaskID: "t1", StaffID: "s1"}))
	require.NoError(t, s.Save(ctx, "req-2", domain.AssignmentRecord{TaskID: "t1", StaffID: "s1"}))

	require.NoError(t, s.Clear(ctx, "req-1"))

	assert.Empty(t, port.Keys(kv.RequestPrefix("req-1")))
	_, ok := s.LoadTemplate(ctx, "req-1")
	assert.False(t, ok)
	assert.Len(t, s.Load(ctx, "req-2"), 1)
}

func TestTemplateSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory(), nil)
	tpl := domain.Template{ID: "tpl-1", Title: "Repair", Phases: []domain.Phase{{ID: "p1", Tasks: []domain.Task{{ID: "t1"}}}}}

	require.NoError(t, s.SaveTemplate(ctx, "req-1", tpl))
	got, ok := s.LoadTemplate(ctx, "req-1")
	require.True(t, ok)
	assert.Equal(t, tpl, got)
}

func TestRetain(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory(), nil)
	require.NoError(t, s.Save(ctx, "req-1", domain.AssignmentRecord{TaskID: "t1", StaffID: "s1"}))
	require.NoError(t, s.Save(ctx, "req-1", domain.AssignmentRecord{TaskID: "old", StaffID: "s1"}))

	dropped, err := s.Retain(ctx, "req-1", func(id string) bool { return id == "t1" })
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Len(t, s.Load(ctx, "req-1"), 1)
}
