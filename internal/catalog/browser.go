// Package catalog browses the template catalog and drives template confirmation.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/text/language"

	"helpflow/internal/backend"
	"helpflow/internal/domain"
)

const (
	DefaultPageSize = 10
	DefaultLang     = "fa"
)

type Mode string

const (
	ModeList   Mode = "list"
	ModeDetail Mode = "detail"
)

var (
	ErrNoDetail = errors.New("no template detail loaded")
	ErrStale    = errors.New("superseded by a newer catalog request")
	ErrBusy     = errors.New("a confirmation is already in progress")
)

// ConfirmFunc commits the chosen template. It is supplied by the caller,
// normally the workflow engine.
type ConfirmFunc func(ctx context.Context, tpl domain.Template) error

// View is the browser state rendered by the host.
type View struct {
	Mode       Mode                     `json:"mode" enum:"list,detail"`
	Loaded     bool                     `json:"loaded"`
	Items      []domain.TemplateSummary `json:"items"`
	Count      int                      `json:"count"`
	Offset     int                      `json:"offset"`
	HasMore    bool                     `json:"has_more"`
	Loading    bool                     `json:"loading"`
	Confirming bool                     `json:"confirming"`
	Error      string                   `json:"error,omitempty"`
	Detail     *domain.Template         `json:"detail,omitempty"`
}

// Browser accumulates catalog pages and holds at most one template detail.
type Browser struct {
	Catalog  backend.TemplateCatalog
	PageSize int
	Lang     string
	Logger   *slog.Logger

	mu         sync.Mutex
	listGen    uint64
	detailGen  uint64
	items      []domain.TemplateSummary
	count      int
	offset     int
	loaded     bool
	loading    bool
	confirming bool
	mode       Mode
	detail     *domain.Template
	lastErr    string
}

func NewBrowser(cat backend.TemplateCatalog, pageSize int, lang string, logger *slog.Logger) *Browser {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Browser{Catalog: cat, PageSize: pageSize, Lang: NormalizeLang(lang), Logger: logger, mode: ModeList}
}

func (b *Browser) log() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

// NormalizeLang canonicalises a BCP 47 tag, falling back to Persian.
func NormalizeLang(lang string) string {
	if lang == "" {
		return DefaultLang
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return DefaultLang
	}
	base, _ := tag.Base()
	return base.String()
}

func (b *Browser) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view()
}

func (b *Browser) view() View {
	mode := b.mode
	if mode == "" {
		mode = ModeList
	}
	v := View{
		Mode:       mode,
		Loaded:     b.loaded,
		Items:      append([]domain.TemplateSummary{}, b.items...),
		Count:      b.count,
		Offset:     b.offset,
		HasMore:    b.hasMore(),
		Loading:    b.loading,
		Confirming: b.confirming,
		Error:      b.lastErr,
	}
	if b.detail != nil {
		d := *b.detail
		v.Detail = &d
	}
	return v
}

// HasMore reports whether another page exists. Before the first page it is true.
func (b *Browser) HasMore() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasMore()
}

func (b *Browser) hasMore() bool {
	if !b.loaded {
		return true
	}
	return len(b.items) < b.count
}

// LoadMore fetches the next page and appends it. The offset advances by the
// number of items actually returned.
func (b *Browser) LoadMore(ctx context.Context) (View, error) {
	b.mu.Lock()
	b.listGen++
	gen := b.listGen
	offset := b.offset
	limit := b.PageSize
	b.loading = true
	b.mu.Unlock()

	page, err := b.Catalog.List(ctx, offset, limit)

	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.listGen {
		return b.view(), ErrStale
	}
	b.loading = false
	if err != nil {
		b.lastErr = err.Error()
		b.log().Warn("template list fetch failed", "offset", offset, "error", err)
		return b.view(), fmt.Errorf("list templates: %w", err)
	}
	b.lastErr = ""
	b.items = append(b.items, page.Items...)
	b.offset += len(page.Items)
	b.count = page.Count
	b.loaded = true
	return b.view(), nil
}

// Select fetches one template's detail and switches to detail mode. A failed
// fetch returns the browser to list mode with the error recorded.
func (b *Browser) Select(ctx context.Context, templateID string) (domain.Template, error) {
	b.mu.Lock()
	b.detailGen++
	gen := b.detailGen
	lang := b.Lang
	b.loading = true
	b.mu.Unlock()

	tpl, err := b.Catalog.Detail(ctx, templateID, lang)

	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.detailGen {
		return domain.Template{}, ErrStale
	}
	b.loading = false
	if err != nil {
		b.mode = ModeList
		b.detail = nil
		b.lastErr = err.Error()
		b.log().Warn("template detail fetch failed", "template_id", templateID, "error", err)
		return domain.Template{}, fmt.Errorf("template detail: %w", err)
	}
	b.lastErr = ""
	b.mode = ModeDetail
	b.detail = &tpl
	return tpl, nil
}

// Back leaves detail mode and drops any pending detail response.
func (b *Browser) Back() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detailGen++
	b.mode = ModeList
	b.detail = nil
	b.loading = false
}

// Confirm hands the loaded template to confirm. On failure the detail stays
// loaded so the operator can retry.
func (b *Browser) Confirm(ctx context.Context, confirm ConfirmFunc) error {
	b.mu.Lock()
	if b.detail == nil || b.mode != ModeDetail {
		b.mu.Unlock()
		return ErrNoDetail
	}
	if b.confirming {
		b.mu.Unlock()
		return ErrBusy
	}
	tpl := *b.detail
	b.confirming = true
	b.mu.Unlock()

	err := confirm(ctx, tpl)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirming = false
	if err != nil {
		b.lastErr = err.Error()
		return err
	}
	b.lastErr = ""
	return nil
}

// Reset forgets every page and detail. In-flight responses are discarded.
func (b *Browser) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listGen++
	b.detailGen++
	b.items = nil
	b.count = 0
	b.offset = 0
	b.loaded = false
	b.loading = false
	b.mode = ModeList
	b.detail = nil
	b.lastErr = ""
}
