package visits

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const schema = `
CREATE TABLE IF NOT EXISTS visits (
	id            TEXT PRIMARY KEY,
	received_at   TIMESTAMPTZ NOT NULL,
	client_ip     TEXT NOT NULL,
	user_agent    TEXT NOT NULL DEFAULT '',
	retry_attempt INTEGER NOT NULL DEFAULT 0,
	payload       JSONB NOT NULL,
	ip_info       JSONB
);
CREATE INDEX IF NOT EXISTS visits_received_at_idx ON visits (received_at DESC);
`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var visitColumns = []string{"id", "received_at", "client_ip", "user_agent", "retry_attempt", "payload", "ip_info"}

type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// OpenPostgres connects through the pgx driver and creates the schema.
func OpenPostgres(ctx context.Context, dbURL string) (*PostgresRepository, error) {
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	repo := NewPostgresRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create visits schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresRepository) Save(ctx context.Context, v Visit) error {
	var ipInfo any
	if v.IPInfo != nil {
		raw, err := json.Marshal(v.IPInfo)
		if err != nil {
			return fmt.Errorf("marshal ip info: %w", err)
		}
		ipInfo = string(raw)
	}

	q, args, err := psql.Insert("visits").
		Columns(visitColumns...).
		Values(v.ID, v.ReceivedAt, v.ClientIP, v.UserAgent, v.RetryAttempt, string(v.Payload), ipInfo).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Visit, error) {
	q, args, err := psql.Select(visitColumns...).From("visits").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Visit{}, err
	}

	v, err := scanVisit(r.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Visit{}, ErrNotFound
	}
	return v, err
}

func (r *PostgresRepository) List(ctx context.Context, limit int) ([]Visit, error) {
	q, args, err := psql.Select(visitColumns...).
		From("visits").
		OrderBy("received_at DESC").
		Limit(uint64(clampLimit(limit))).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	out := []Visit{}
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVisit(s scanner) (Visit, error) {
	var (
		v       Visit
		payload []byte
		ipInfo  []byte
	)
	if err := s.Scan(&v.ID, &v.ReceivedAt, &v.ClientIP, &v.UserAgent, &v.RetryAttempt, &payload, &ipInfo); err != nil {
		return Visit{}, err
	}
	v.ReceivedAt = v.ReceivedAt.UTC()
	v.Payload = json.RawMessage(payload)
	if len(ipInfo) > 0 {
		if err := json.Unmarshal(ipInfo, &v.IPInfo); err != nil {
			return Visit{}, fmt.Errorf("decode ip info for %s: %w", v.ID, err)
		}
	}
	return v, nil
}
