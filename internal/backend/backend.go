// Package backend declares the collaborator services the workflow consumes and
// provides an HTTP adapter for them.
package backend

import (
	"context"

	"helpflow/internal/domain"
)

// TemplateCatalog serves project templates and the request-level template actions.
type TemplateCatalog interface {
	List(ctx context.Context, offset, limit int) (domain.TemplatePage, error)
	Detail(ctx context.Context, templateID, lang string) (domain.Template, error)
	RequestNewTemplate(ctx context.Context, requestID string, req NewTemplateRequest) error
	Verify(ctx context.Context, requestID string, req domain.VerifyRequest) (string, error)
}

// StaffDirectory lists staff members who can take an assignment.
type StaffDirectory interface {
	List(ctx context.Context, limit, offset int) ([]domain.StaffMember, error)
}

// DocumentSubmitter records the approve/reject decision documents of a request.
type DocumentSubmitter interface {
	Submit(ctx context.Context, requestID string, approved bool, docs []domain.Document) (string, error)
}

type NewTemplateRequest struct {
	Description string `json:"description"`
	Notes       string `json:"notes"`
}
