// Package archive keeps a permanent Postgres record of every job the
// cleanup service reclaims from the realtime store, so the audit trail
// outlives store retention.
package archive

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/marketbay/jobpipe/internal/domain"
)

const (
	ReasonExpired     = "expired"
	ReasonQuarantined = "quarantined"
)

type Store struct{ db *pgxpool.Pool }

func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "archive pool")
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `create table if not exists archived_jobs(
		id text not null,
		status text not null,
		reason text not null,
		record jsonb not null,
		archived_at timestamptz not null default now(),
		primary key (id, reason)
	)`)
	return errors.Wrap(err, "archive migrate")
}

// ArchiveJob is idempotent per (id, reason); re-running a sweep that already
// archived a job is a no-op.
func (s *Store) ArchiveJob(ctx context.Context, j *domain.Job, reason string) error {
	record, err := json.Marshal(j)
	if err != nil {
		return errors.Wrapf(err, "marshal job %s", j.ID)
	}
	_, err = s.db.Exec(ctx, `insert into archived_jobs(id, status, reason, record)
		values ($1, $2, $3, $4)
		on conflict (id, reason) do nothing`,
		j.ID, string(j.Status), reason, record)
	return errors.Wrapf(err, "archive job %s", j.ID)
}

func (s *Store) Close() { s.db.Close() }
