package drawer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpflow/internal/assignment"
	"helpflow/internal/domain"
	"helpflow/internal/kv"
)

type fakeStaff struct {
	members []domain.StaffMember
	err     error
	calls   atomic.Int32
	limit   int
	offset  int
	started chan struct{}
	release chan struct{}
}

func (f *fakeStaff) List(ctx context.Context, limit, offset int) ([]domain.StaffMember, error) {
	f.calls.Add(1)
	f.limit, f.offset = limit, offset
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	return f.members, f.err
}

type recordingCommitter struct {
	mu      sync.Mutex
	records []domain.AssignmentRecord
	err     error
}

func (c *recordingCommitter) Assign(_ context.Context, _ string, rec domain.AssignmentRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.records = append(c.records, rec)
	return nil
}

func staffList() []domain.StaffMember {
	return []domain.StaffMember{{StaffID: "s1", Label: "Sara"}, {StaffID: "s2", Label: "Reza"}}
}

func TestOpen_FetchesFirstPage(t *testing.T) {
	staff := &fakeStaff{members: staffList()}
	d := New("req-1", staff, &recordingCommitter{}, nil)

	require.NoError(t, d.Open(context.Background(), "t1"))
	v := d.View()
	assert.True(t, v.Open)
	assert.False(t, v.Loading)
	assert.True(t, v.SelectorEnabled)
	assert.Len(t, v.Staff, 2)
	assert.Equal(t, StaffPageSize, staff.limit)
	assert.Equal(t, 0, staff.offset)
}

func TestOpen_LoadingWhilePending(t *testing.T) {
	staff := &fakeStaff{members: staffList(), started: make(chan struct{}), release: make(chan struct{})}
	d := New("req-1", staff, &recordingCommitter{}, nil)

	done := make(chan error, 1)
	go func() { done <- d.Open(context.Background(), "t1") }()
	<-staff.started

	v := d.View()
	assert.True(t, v.Loading)
	assert.False(t, v.SelectorEnabled)
	assert.ErrorContains(t, d.SetStaff("s1"), "disabled")

	close(staff.release)
	require.NoError(t, <-done)
	assert.True(t, d.View().SelectorEnabled)
}

func TestOpen_FailureKeepsSelectorDisabled(t *testing.T) {
	staff := &fakeStaff{err: errors.New("network down")}
	d := New("req-1", staff, &recordingCommitter{}, nil)

	err := d.Open(context.Background(), "t1")
	require.Error(t, err)
	v := d.View()
	assert.Equal(t, "network down", v.Error)
	assert.False(t, v.SelectorEnabled)
	assert.False(t, v.Loading)
	assert.EqualValues(t, 1, staff.calls.Load())
}

func TestClose_DiscardsLateStaffList(t *testing.T) {
	staff := &fakeStaff{members: staffList(), started: make(chan struct{}), release: make(chan struct{})}
	d := New("req-1", staff, &recordingCommitter{}, nil)
	var changes atomic.Int32
	d.OnChange = func(View) { changes.Add(1) }

	done := make(chan error, 1)
	go func() { done <- d.Open(context.Background(), "t1") }()
	<-staff.started

	d.Close()
	before := changes.Load()

	close(staff.release)
	assert.ErrorIs(t, <-done, ErrStale)
	assert.Equal(t, before, changes.Load())
	v := d.View()
	assert.False(t, v.Open)
	assert.Empty(t, v.Staff)
}

func TestSubmit_RequiresStaff(t *testing.T) {
	commit := &recordingCommitter{}
	d := New("req-1", &fakeStaff{members: staffList()}, commit, nil)
	require.NoError(t, d.Open(context.Background(), "t1"))

	_, err := d.Submit(context.Background())
	assert.ErrorIs(t, err, ErrStaffRequired)
	assert.Empty(t, commit.records)
	assert.True(t, d.View().Open)
}

func TestSubmit_NormalizesAndResets(t *testing.T) {
	commit := &recordingCommitter{}
	d := New("req-1", &fakeStaff{members: staffList()}, commit, nil)
	require.NoError(t, d.Open(context.Background(), "t1"))
	require.NoError(t, d.SetStaff("s2"))
	require.NoError(t, d.SetDeadline(" 7 "))
	require.NoError(t, d.SetNotes("   "))

	rec, err := d.Submit(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec.DeadlineDays)
	assert.Equal(t, 7, *rec.DeadlineDays)
	assert.Nil(t, rec.Notes)
	assert.Equal(t, "Reza", rec.StaffLabel)
	require.Len(t, commit.records, 1)

	v := d.View()
	assert.False(t, v.Open)
	assert.Empty(t, v.StaffID)
	assert.Empty(t, v.Deadline)
}

func TestSubmit_CommitFailureKeepsDrawerOpen(t *testing.T) {
	commit := &recordingCommitter{err: errors.New("boom")}
	d := New("req-1", &fakeStaff{members: staffList()}, commit, nil)
	require.NoError(t, d.Open(context.Background(), "t1"))
	require.NoError(t, d.SetStaff("s1"))

	_, err := d.Submit(context.Background())
	require.Error(t, err)
	v := d.View()
	assert.True(t, v.Open)
	assert.Equal(t, "s1", v.StaffID)
}

func TestClose_WritesNothing(t *testing.T) {
	port := kv.NewMemory()
	store := assignment.New(port, nil)
	d := New("req-1", &fakeStaff{members: staffList()}, CommitFunc(store.Save), nil)
	require.NoError(t, d.Open(context.Background(), "t1"))
	require.NoError(t, d.SetStaff("s1"))

	d.Close()
	assert.Zero(t, port.Writes())
	_, err := d.Submit(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestSetStaff_UnknownMember(t *testing.T) {
	d := New("req-1", &fakeStaff{members: staffList()}, &recordingCommitter{}, nil)
	require.NoError(t, d.Open(context.Background(), "t1"))
	assert.Error(t, d.SetStaff("ghost"))
}

func TestParseDeadline(t *testing.T) {
	cases := map[string]*int{
		"":     nil,
		"abc":  nil,
		"3.5":  nil,
		"-2":   nil,
		" 12 ": intPtr(12),
		"0":    intPtr(0),
	}
	for in, want := range cases {
		got := ParseDeadline(in)
		if want == nil {
			assert.Nil(t, got, "input %q", in)
			continue
		}
		require.NotNil(t, got, "input %q", in)
		assert.Equal(t, *want, *got, "input %q", in)
	}
}

func TestForm_Normalize(t *testing.T) {
	rec, err := Form{TaskID: "t1", StaffID: " s1 ", Notes: " call first "}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.StaffID)
	require.NotNil(t, rec.Notes)
	assert.Equal(t, "call first", *rec.Notes)

	_, err = Form{TaskID: "t1"}.Normalize()
	assert.ErrorIs(t, err, ErrStaffRequired)

	_, err = Form{StaffID: "s1"}.Normalize()
	assert.ErrorContains(t, err, "TaskID")
}

func intPtr(v int) *int { return &v }
