package credstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/and161185/kaguchat/internal/model"
)

// pgxQuerier is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps credentials in PostgreSQL, one row per client profile.
type PGStore struct {
	q       pgxQuerier
	profile string
	log     *zap.Logger
	closeFn func()
}

// NewPG opens a pool for dsn. The schema is applied by migrate.Up.
func NewPG(ctx context.Context, dsn, profile string, log *zap.Logger) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := NewPGWithQuerier(pool, profile, log)
	s.closeFn = pool.Close
	return s, nil
}

// NewPGWithQuerier constructs a store over an existing querier.
func NewPGWithQuerier(q pgxQuerier, profile string, log *zap.Logger) *PGStore {
	if profile == "" {
		profile = "default"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PGStore{q: q, profile: profile, log: log}
}

// Close releases the pool if the store owns one.
func (s *PGStore) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

// Save upserts the row of this profile.
func (s *PGStore) Save(ctx context.Context, c model.Credentials) error {
	c = model.NewCredentials(c.AccessToken, c.UserID, c.CSRFToken)
	var exp *time.Time
	if t, ok := tokenExpiry(c.AccessToken); ok {
		exp = &t
	}
	const q = `
INSERT INTO client_credentials (profile, access_token, user_id, csrf_token, expires_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (profile) DO UPDATE
SET access_token = EXCLUDED.access_token,
    user_id      = EXCLUDED.user_id,
    csrf_token   = EXCLUDED.csrf_token,
    expires_at   = EXCLUDED.expires_at,
    updated_at   = now()`
	_, err := s.q.Exec(ctx, q, s.profile, c.AccessToken, c.UserID, c.CSRFToken, exp)
	return err
}

// Load never fails; missing rows and query errors read as no session.
func (s *PGStore) Load(ctx context.Context) model.Credentials {
	const q = `SELECT access_token, user_id, csrf_token FROM client_credentials WHERE profile=$1`
	var tok, uid, csrf string
	err := s.q.QueryRow(ctx, q, s.profile).Scan(&tok, &uid, &csrf)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.log.Debug("credentials query failed", zap.Error(err))
		}
		return model.Credentials{}
	}
	if expired(tok, time.Now()) {
		return model.Credentials{}
	}
	return model.NewCredentials(tok, uid, csrf)
}

// Clear deletes the row; zero affected rows is success.
func (s *PGStore) Clear(ctx context.Context) error {
	const q = `DELETE FROM client_credentials WHERE profile=$1`
	_, err := s.q.Exec(ctx, q, s.profile)
	return err
}
