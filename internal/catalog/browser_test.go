package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpflow/internal/backend"
	"helpflow/internal/domain"
)

type fakeCatalog struct {
	all       []domain.TemplateSummary
	short     int
	listErr   error
	detailErr error
	lastLang  string
	started   chan struct{}
	release   chan struct{}
}

func (f *fakeCatalog) List(_ context.Context, offset, limit int) (domain.TemplatePage, error) {
	if f.listErr != nil {
		return domain.TemplatePage{}, f.listErr
	}
	if f.short > 0 && limit > f.short {
		limit = f.short
	}
	end := offset + limit
	if end > len(f.all) {
		end = len(f.all)
	}
	if offset > end {
		offset = end
	}
	return domain.TemplatePage{Items: f.all[offset:end], Count: len(f.all)}, nil
}

func (f *fakeCatalog) Detail(_ context.Context, id, lang string) (domain.Template, error) {
	f.lastLang = lang
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.detailErr != nil {
		return domain.Template{}, f.detailErr
	}
	return domain.Template{ID: id, Title: "Template " + id, Phases: []domain.Phase{{ID: "p1", Position: 1}}}, nil
}

func (f *fakeCatalog) RequestNewTemplate(context.Context, string, backend.NewTemplateRequest) error {
	return nil
}

func (f *fakeCatalog) Verify(context.Context, string, domain.VerifyRequest) (string, error) {
	return "", nil
}

func summaries(n int) []domain.TemplateSummary {
	out := make([]domain.TemplateSummary, n)
	for i := range out {
		out[i] = domain.TemplateSummary{ID: fmt.Sprintf("tpl-%d", i+1)}
	}
	return out
}

func TestLoadMore_AccumulatesUntilCount(t *testing.T) {
	b := NewBrowser(&fakeCatalog{all: summaries(5)}, 2, "", nil)
	ctx := context.Background()

	assert.True(t, b.HasMore())
	v, err := b.LoadMore(ctx)
	require.NoError(t, err)
	assert.Len(t, v.Items, 2)
	assert.True(t, v.HasMore)

	_, err = b.LoadMore(ctx)
	require.NoError(t, err)
	v, err = b.LoadMore(ctx)
	require.NoError(t, err)
	assert.Len(t, v.Items, 5)
	assert.Equal(t, 5, v.Offset)
	assert.False(t, v.HasMore)
}

func TestLoadMore_AdvancesByReturnedItems(t *testing.T) {
	b := NewBrowser(&fakeCatalog{all: summaries(6), short: 1}, 4, "", nil)
	v, err := b.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v.Offset)
	assert.True(t, v.HasMore)
}

func TestLoadMore_ErrorKeepsState(t *testing.T) {
	cat := &fakeCatalog{all: summaries(3)}
	b := NewBrowser(cat, 2, "", nil)
	_, err := b.LoadMore(context.Background())
	require.NoError(t, err)

	cat.listErr = errors.New("offline")
	v, err := b.LoadMore(context.Background())
	require.Error(t, err)
	assert.Len(t, v.Items, 2)
	assert.Equal(t, "offline", v.Error)
	assert.False(t, v.Loading)
}

func TestSelect_DetailMode(t *testing.T) {
	cat := &fakeCatalog{}
	b := NewBrowser(cat, 0, "fa-IR", nil)

	tpl, err := b.Select(context.Background(), "tpl-1")
	require.NoError(t, err)
	assert.Equal(t, "tpl-1", tpl.ID)
	assert.Equal(t, "fa", cat.lastLang)
	v := b.View()
	assert.Equal(t, ModeDetail, v.Mode)
	require.NotNil(t, v.Detail)
}

func TestSelect_FailureReturnsToList(t *testing.T) {
	b := NewBrowser(&fakeCatalog{detailErr: &backend.APIError{StatusCode: 404, Detail: "not found"}}, 0, "", nil)

	_, err := b.Select(context.Background(), "x")
	require.Error(t, err)
	v := b.View()
	assert.Equal(t, ModeList, v.Mode)
	assert.False(t, v.Loading)
	assert.Nil(t, v.Detail)
	assert.Equal(t, "not found", v.Error)
}

func TestSelect_StaleResponseDiscarded(t *testing.T) {
	cat := &fakeCatalog{started: make(chan struct{}), release: make(chan struct{})}
	b := NewBrowser(cat, 0, "", nil)

	done := make(chan error, 1)
	go func() {
		_, err := b.Select(context.Background(), "tpl-1")
		done <- err
	}()
	<-cat.started
	b.Back()
	close(cat.release)

	assert.ErrorIs(t, <-done, ErrStale)
	assert.Equal(t, ModeList, b.View().Mode)
}

func TestConfirm(t *testing.T) {
	b := NewBrowser(&fakeCatalog{}, 0, "", nil)
	assert.ErrorIs(t, b.Confirm(context.Background(), nil), ErrNoDetail)

	_, err := b.Select(context.Background(), "tpl-9")
	require.NoError(t, err)

	var got domain.Template
	calls := 0
	err = b.Confirm(context.Background(), func(_ context.Context, tpl domain.Template) error {
		calls++
		got = tpl
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "tpl-9", got.ID)
}

func TestConfirm_FailureKeepsDetail(t *testing.T) {
	b := NewBrowser(&fakeCatalog{}, 0, "", nil)
	_, err := b.Select(context.Background(), "tpl-1")
	require.NoError(t, err)

	err = b.Confirm(context.Background(), func(context.Context, domain.Template) error {
		return errors.New("save failed")
	})
	require.Error(t, err)
	v := b.View()
	assert.Equal(t, ModeDetail, v.Mode)
	assert.False(t, v.Confirming)
	assert.Equal(t, "save failed", v.Error)
}

func TestNormalizeLang(t *testing.T) {
	assert.Equal(t, "fa", NormalizeLang(""))
	assert.Equal(t, "fa", NormalizeLang("not a tag!"))
	assert.Equal(t, "en", NormalizeLang("en-US"))
	assert.Equal(t, "fa", NormalizeLang("FA"))
}
