package mstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"waschedule/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/useinsider/go-pkg/inslogger"
)

const scheduleColumns = `id, phone, message_html, message_md, image_path, send_at, status, sent_at, gateway_response, created_at, updated_at`

type postgresStore struct {
	pool   *pgxpool.Pool
	logger inslogger.Interface
}

func NewPostgresStore(pool *pgxpool.Pool, logger inslogger.Interface) ScheduleStore {
	return &postgresStore{pool: pool, logger: logger}
}

func (r *postgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	query := `
		WITH due AS (
			SELECT id
			FROM schedules
			WHERE status = $1 AND send_at <= $2
			ORDER BY send_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE schedules s
		SET status = $4, updated_at = $5
		FROM due
		WHERE s.id = due.id
		RETURNING ` + prefixColumns("s.") + `
	`
	rows, err := r.pool.Query(ctx, query,
		model.StatusScheduled, now.UTC(), limit, model.StatusSending, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedules, err := scanSchedules(rows, r.logger)
	if err != nil {
		return nil, err
	}

	// RETURNING order follows the update, not the CTE; keep due-time order
	// for the caller.
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].SendAt.Before(schedules[j].SendAt)
	})
	return schedules, nil
}

func (r *postgresStore) Insert(ctx context.Context, s *model.Schedule) error {
	query := `
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.pool.Exec(ctx, query,
		s.ID, s.Phone, s.MessageHTML, s.MessageMD, s.ImagePath,
		s.SendAt.UTC(), s.Status, s.SentAt, s.GatewayResponse,
		s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	)
	return err
}

func (r *postgresStore) InsertMany(ctx context.Context, schedules []model.Schedule) error {
	if len(schedules) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for _, s := range schedules {
		batch.Queue(query,
			s.ID, s.Phone, s.MessageHTML, s.MessageMD, s.ImagePath,
			s.SendAt.UTC(), s.Status, s.SentAt, s.GatewayResponse,
			s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range schedules {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// UpdateFields writes only the supplied columns in a single statement, so a
// partial transition (say status without gateway_response) can never become
// visible.
func (r *postgresStore) UpdateFields(ctx context.Context, id string, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}

	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	for i, col := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+1))
		args = append(args, normalizeArg(fields[col]))
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(cols)+1))
	args = append(args, time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf(
		"UPDATE schedules SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args),
	)

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *postgresStore) FindByID(ctx context.Context, id string) (*model.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`

	var s model.Schedule
	if err := scanSchedule(r.pool.QueryRow(ctx, query, id), &s); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *postgresStore) List(ctx context.Context, status model.Status, limit int) ([]model.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = r.pool.Query(ctx,
			`SELECT `+scheduleColumns+` FROM schedules ORDER BY send_at DESC LIMIT $1`, limit)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT `+scheduleColumns+` FROM schedules WHERE status = $1 ORDER BY send_at DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSchedules(rows, r.logger)
}

func (r *postgresStore) History(ctx context.Context, status model.Status, limit int) ([]model.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = r.pool.Query(ctx, `
			SELECT `+scheduleColumns+`
			FROM schedules
			WHERE status = ANY($1)
			ORDER BY sent_at DESC NULLS LAST
			LIMIT $2
		`, []model.Status{model.StatusSent, model.StatusFailed, model.StatusCanceled}, limit)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT `+scheduleColumns+`
			FROM schedules
			WHERE status = $1
			ORDER BY sent_at DESC NULLS LAST
			LIMIT $2
		`, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSchedules(rows, r.logger)
}

func scanSchedule(row pgx.Row, s *model.Schedule) error {
	var status string
	err := row.Scan(
		&s.ID,
		&s.Phone,
		&s.MessageHTML,
		&s.MessageMD,
		&s.ImagePath,
		&s.SendAt,
		&status,
		&s.SentAt,
		&s.GatewayResponse,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return err
	}
	s.Status = model.Status(status)
	s.SendAt = s.SendAt.UTC()
	return nil
}

// scanSchedules skips rows that fail to scan so one malformed record cannot
// poison a whole batch.
func scanSchedules(rows pgx.Rows, logger inslogger.Interface) ([]model.Schedule, error) {
	var schedules []model.Schedule
	for rows.Next() {
		var s model.Schedule
		if err := scanSchedule(rows, &s); err != nil {
			if logger != nil {
				logger.Warnf("Skipping malformed schedule row: %v", err)
			}
			continue
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return schedules, nil
}

func normalizeArg(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return v
}

func prefixColumns(prefix string) string {
	cols := strings.Split(scheduleColumns, ", ")
	for i, c := range cols {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}
