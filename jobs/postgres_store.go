package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/richinsley/comfy2video/handler"
	apperrors "github.com/richinsley/comfy2video/internal/pkg/errors"
)

const schema = `CREATE TABLE IF NOT EXISTS video_jobs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	model_type  TEXT,
	output_json JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
)`

// PostgresStore keeps job records in the video_jobs table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the video_jobs table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return apperrors.WrapWithCode(err, apperrors.CodeUnavailable, "jobs.PostgresStore.EnsureSchema", "create video_jobs table")
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	out, err := outputJSON(rec.Output)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO video_jobs (id, status, model_type, output_json, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.ID, string(rec.Status), nullIfEmpty(rec.ModelType), out, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Newf(apperrors.CodeInternal, "job %s already exists", rec.ID)
		}
		return apperrors.WrapWithCode(err, apperrors.CodeUnavailable, "jobs.PostgresStore.Create", "db insert failed")
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	var (
		rec       Record
		status    string
		modelType string
		out       []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, COALESCE(model_type,''), output_json, created_at, updated_at
		 FROM video_jobs WHERE id=$1`,
		id,
	).Scan(&rec.ID, &status, &modelType, &out, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.CodeUnavailable, "jobs.PostgresStore.Get", "db query failed")
	}
	rec.Status = Status(status)
	rec.ModelType = modelType
	if len(out) > 0 {
		rec.Output = &handler.Output{}
		if err := json.Unmarshal(out, rec.Output); err != nil {
			return nil, apperrors.Wrap(err, "jobs.PostgresStore.Get", "decode output")
		}
	}
	return &rec, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, status Status, out *handler.Output) error {
	b, err := outputJSON(out)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE video_jobs
		 SET status=$2, output_json=COALESCE($3, output_json), updated_at=$4
		 WHERE id=$1 AND status NOT IN ('COMPLETED','FAILED')`,
		id, string(status), b, time.Now().UTC(),
	)
	if err != nil {
		return apperrors.WrapWithCode(err, apperrors.CodeUnavailable, "jobs.PostgresStore.Update", "db update failed")
	}
	if tag.RowsAffected() == 0 {
		// either unknown or already terminal
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func outputJSON(out *handler.Output) ([]byte, error) {
	if out == nil {
		return nil, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, apperrors.Wrap(err, "jobs.outputJSON", "encode output")
	}
	return b, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports a PostgreSQL unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
