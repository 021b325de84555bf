package store

import (
	"context"
	"errors"
	"time"

	"github.com/labforge/labforge/internal/model"
)

// ErrNotFound is returned when a requested record does not exist. Any other
// error from an update means the write itself failed; callers branch on the
// two cases explicitly.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when an operation status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// OperationUpdate carries the optional fields of an operation update. Nil
// fields are left untouched.
type OperationUpdate struct {
	Status        *string
	StateAddress  *string
	Outputs       map[string]any
	OutputDisplay []model.OutputEntry
	Error         *string
}

// OperationStats holds aggregate execution statistics.
type OperationStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the orchestration engine.
type Store interface {
	CreateOperation(ctx context.Context, op *model.Operation) error
	GetOperation(ctx context.Context, id string) (*model.Operation, error)
	// ListOperationsByWorkshop returns the workshop's operations ordered
	// newest first.
	ListOperationsByWorkshop(ctx context.Context, workshopID string) ([]*model.Operation, error)
	// UpdateOperation applies the update and returns the resulting record.
	// Status changes are checked against the transition table; terminal
	// statuses also set completed_at.
	UpdateOperation(ctx context.Context, id string, upd OperationUpdate) (*model.Operation, error)
	AppendLogLines(ctx context.Context, operationID string, lines []string) error
	GetLogLines(ctx context.Context, operationID string) ([]model.LogLine, error)
	GetOperationStats(ctx context.Context) (*OperationStats, error)

	CreateWorkshop(ctx context.Context, w *model.Workshop) error
	GetWorkshop(ctx context.Context, id string) (*model.Workshop, error)
	UpdateWorkshopStatus(ctx context.Context, id, status string, outputs map[string]any) (*model.Workshop, error)
	ListExpiredWorkshops(ctx context.Context, now time.Time) ([]*model.Workshop, error)
	// ExpandTemplates returns the template IDs a workshop fans out to: one
	// for single-template workshops, the group's list otherwise.
	ExpandTemplates(ctx context.Context, w *model.Workshop) ([]string, error)

	CreateTemplate(ctx context.Context, t *model.Template) error
	GetTemplate(ctx context.Context, id string) (*model.Template, error)
	CreateTemplateGroup(ctx context.Context, g *model.TemplateGroup) error
	GetTemplateGroup(ctx context.Context, id string) (*model.TemplateGroup, error)

	Close() error
}
