package mstore

import (
	"context"
	"errors"
	"time"

	"waschedule/internal/model"
)

var ErrNotFound = errors.New("schedule not found")

// Fields is a partial update: only the named columns are written,
// updated_at is always refreshed alongside them.
type Fields map[string]any

// ScheduleStore is the persistence boundary for schedule records. All
// operations key on the record id, and UpdateFields is atomic per record.
type ScheduleStore interface {
	// ClaimDue atomically selects up to limit records with status
	// "scheduled" and send_at <= now, flips them to "sending" and returns
	// them. The conditional flip is the claim point that prevents a second
	// poller from picking up the same record.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error)

	Insert(ctx context.Context, s *model.Schedule) error
	InsertMany(ctx context.Context, schedules []model.Schedule) error
	UpdateFields(ctx context.Context, id string, fields Fields) error
	Delete(ctx context.Context, id string) (bool, error)
	FindByID(ctx context.Context, id string) (*model.Schedule, error)
	List(ctx context.Context, status model.Status, limit int) ([]model.Schedule, error)
	History(ctx context.Context, status model.Status, limit int) ([]model.Schedule, error)
}
