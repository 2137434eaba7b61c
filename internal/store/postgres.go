package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loadforge/platform/internal/domain"
)

// pgUniqueViolation is Postgres's SQLSTATE for a unique_violation, used to
// translate a primary-key conflict on Create into domain.ErrDuplicateID.
const pgUniqueViolation = "23505"

// Postgres implements Store with plain SQL — the handful of queries here
// does not warrant a generated query layer.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed Store using pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const runColumns = `id, spec_id, status, started_at, completed_at, progress, summary, error`

func (s *Postgres) Create(ctx context.Context, record *domain.RunRecord) error {
	progress, err := json.Marshal(record.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, NULL)`,
		record.ID, record.SpecID, record.Status, record.StartedAt, record.CompletedAt, progress)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.ErrDuplicateID
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*domain.RunRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	record, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return record, nil
}

func (s *Postgres) List(ctx context.Context, limit int) ([]*domain.RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Postgres) ListNonTerminal(ctx context.Context) ([]*domain.RunRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs WHERE status = $1`, domain.RunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Postgres) UpdateProgress(ctx context.Context, id string, progress domain.ProgressMetrics) error {
	encoded, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE runs SET progress = $1 WHERE id = $2 AND status = $3`,
		encoded, id, domain.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateIfStatus(ctx context.Context, id string, expected domain.RunStatus, update Update) (bool, error) {
	var summary, runErr []byte
	var err error
	if update.Summary != nil {
		if summary, err = json.Marshal(update.Summary); err != nil {
			return false, fmt.Errorf("marshal summary: %w", err)
		}
	}
	if update.Error != nil {
		if runErr, err = json.Marshal(update.Error); err != nil {
			return false, fmt.Errorf("marshal error: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $1, completed_at = $2, summary = $3, error = $4
		WHERE id = $5 AND status = $6`,
		update.Status, update.CompletedAt, summary, runErr, id, expected)
	if err != nil {
		return false, fmt.Errorf("update run status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner abstracts pgx.Row and pgx.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.RunRecord, error) {
	var (
		r                 domain.RunRecord
		completedAt       *time.Time
		progress, summary []byte
		runErr            []byte
	)
	if err := row.Scan(&r.ID, &r.SpecID, &r.Status, &r.StartedAt, &completedAt, &progress, &summary, &runErr); err != nil {
		return nil, err
	}
	r.CompletedAt = completedAt

	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &r.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	if len(summary) > 0 {
		r.Summary = &domain.Summary{}
		if err := json.Unmarshal(summary, r.Summary); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
	}
	if len(runErr) > 0 {
		r.Error = &domain.RunError{}
		if err := json.Unmarshal(runErr, r.Error); err != nil {
			return nil, fmt.Errorf("unmarshal run error: %w", err)
		}
	}
	return &r, nil
}

func scanRuns(rows pgx.Rows) ([]*domain.RunRecord, error) {
	var out []*domain.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if out == nil {
		out = []*domain.RunRecord{}
	}
	return out, rows.Err()
}

var _ Store = (*Postgres)(nil)
