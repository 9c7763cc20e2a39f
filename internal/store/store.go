package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/jobrunner/internal/model"
)

// ErrInvalidTransition is returned when a dispatch status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// DispatchStats holds aggregate dispatch statistics.
type DispatchStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByCommand  map[string]int `json:"count_by_command"`
	TotalInstances  int            `json:"total_instances"`
	FailedInstances int            `json:"failed_instances"`
	OutputLines     int            `json:"output_lines"`
}

// Store defines the persistence operations for dispatches and their output.
type Store interface {
	CreateDispatch(ctx context.Context, d *model.Dispatch) error
	GetDispatch(ctx context.Context, id string) (*model.Dispatch, error)
	ListDispatches(ctx context.Context, limit, offset int) ([]*model.Dispatch, int, error)
	UpdateDispatchStatus(ctx context.Context, id, status string) error
	FinishDispatch(ctx context.Context, id, status string, failedInstances int, finishedAt time.Time) error
	GetDispatchStats(ctx context.Context) (*DispatchStats, error)
	InsertOutputLine(ctx context.Context, line model.OutputLine) error
	GetOutputLines(ctx context.Context, dispatchID string) ([]model.OutputLine, error)
	Close() error
}
