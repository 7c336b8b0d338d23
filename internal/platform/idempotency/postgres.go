package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	ppostgres "github.com/mobishop/api/internal/platform/postgres"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS cart_idempotency_keys (
		id          TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		done        BOOLEAN NOT NULL DEFAULT FALSE,
		status      INTEGER NOT NULL DEFAULT 0,
		header      JSONB,
		body        BYTEA,
		expires_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cart_idempotency_keys_expires_at ON cart_idempotency_keys (expires_at)`,
}

// PostgresStore keeps claims in the cart database. A claim is a single upsert that only
// overwrites expired rows, so concurrent instances cannot both acquire a key.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a store on db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the table and its expiry index.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("idempotency: postgres db is required")
	}
	for _, stmt := range postgresSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return ppostgres.WrapError("idempotency.schema", err)
		}
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	id := entryID(key)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cart_idempotency_keys (id, fingerprint, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint, done = FALSE, status = 0, header = NULL, body = NULL, expires_at = EXCLUDED.expires_at
		WHERE cart_idempotency_keys.expires_at <= $4`,
		id, fingerprint, now.Add(ttlOrDefault(ttl)), now,
	)
	if err != nil {
		return Claim{}, ppostgres.WrapError("idempotency.claim", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return Claim{Outcome: Acquired}, nil
	}

	var (
		storedFingerprint string
		done              bool
		status            int
		header            []byte
		body              []byte
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT fingerprint, done, status, header, body FROM cart_idempotency_keys WHERE id = $1`, id,
	).Scan(&storedFingerprint, &done, &status, &header, &body)
	if err != nil {
		return Claim{}, ppostgres.WrapError("idempotency.claim", err)
	}
	if storedFingerprint != fingerprint {
		return Claim{}, ErrKeyReused
	}
	if !done {
		return Claim{Outcome: InFlight}, nil
	}
	resp := &Response{Status: status, Body: body}
	if len(header) > 0 {
		if err := json.Unmarshal(header, &resp.Header); err != nil {
			return Claim{}, err
		}
	}
	return Claim{Outcome: Replay, Response: resp}, nil
}

func (s *PostgresStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	header, err := json.Marshal(http.Header(storableHeader(resp.Header)))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cart_idempotency_keys (id, fingerprint, done, status, header, body, expires_at)
		VALUES ($1, $2, TRUE, $3, $4::jsonb, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint, done = TRUE, status = EXCLUDED.status, header = EXCLUDED.header, body = EXCLUDED.body, expires_at = EXCLUDED.expires_at
		WHERE cart_idempotency_keys.fingerprint = EXCLUDED.fingerprint OR cart_idempotency_keys.expires_at <= $7`,
		entryID(key), fingerprint, resp.Status, string(header), resp.Body, now.Add(ttlOrDefault(ttl)), now,
	)
	if err != nil {
		return ppostgres.WrapError("idempotency.complete", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrKeyReused
	}
	return nil
}

func (s *PostgresStore) Abandon(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cart_idempotency_keys WHERE id = $1`, entryID(key)); err != nil {
		return ppostgres.WrapError("idempotency.abandon", err)
	}
	return nil
}

// Sweep deletes up to limit expired rows.
func (s *PostgresStore) Sweep(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cart_idempotency_keys
		WHERE id IN (SELECT id FROM cart_idempotency_keys WHERE expires_at <= $1 LIMIT $2)`,
		now, limit,
	)
	if err != nil {
		return 0, ppostgres.WrapError("idempotency.sweep", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ Store = (*PostgresStore)(nil)
