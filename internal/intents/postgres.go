package intents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the intents table. The CHECK constraint mirrors the orderId/status invariant.
const Schema = `
CREATE TABLE IF NOT EXISTS checkout_intents (
    intent_id           text PRIMARY KEY,
    reference_id        text NOT NULL,
    checkout_session_id text UNIQUE,
    amount_cents        bigint NOT NULL,
    currency            text NOT NULL,
    locale              text NOT NULL DEFAULT '',
    status              text NOT NULL,
    result              text NOT NULL DEFAULT '',
    order_id            text,
    metadata            jsonb,
    sweep_attempts      integer NOT NULL DEFAULT 0,
    expires_at          timestamptz NOT NULL,
    created_at          timestamptz NOT NULL,
    updated_at          timestamptz NOT NULL,
    CONSTRAINT checkout_intents_order_iff_completed CHECK ((order_id IS NOT NULL) = (status = 'COMPLETED'))
);
CREATE INDEX IF NOT EXISTS checkout_intents_reference_idx ON checkout_intents (reference_id, created_at DESC);
CREATE INDEX IF NOT EXISTS checkout_intents_status_idx ON checkout_intents (status, updated_at);
`

const intentColumns = `intent_id, reference_id, checkout_session_id, amount_cents, currency, locale,
status, result, order_id, metadata, sweep_attempts, expires_at, created_at, updated_at`

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists intents in PostgreSQL. Transitions are single
// "UPDATE ... WHERE status = ANY(...)" statements.
type PostgresStore struct {
	db      querier
	nowFunc func() time.Time
}

// NewPool constructs a pgx connection pool using the provided connection string.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	if connString == "" {
		return nil, fmt.Errorf("intents: empty connection string")
	}
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("intents: parse config: %w", err)
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// NewPostgresStore wraps a pool (or transaction).
func NewPostgresStore(db querier) *PostgresStore {
	return &PostgresStore{db: db, nowFunc: time.Now}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("intents: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordIntent(ctx context.Context, in NewIntent) (*CheckoutIntent, error) {
	now := s.nowFunc().UTC()
	metadata, err := encodeMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}
	args := []any{uuid.NewString(), in.ReferenceID, nullable(in.CheckoutSessionID), in.AmountCents, in.Currency,
		in.Locale, string(StatusPending), metadata, now.Add(ExpiryWindow), now}

	if in.CheckoutSessionID == "" {
		row := s.db.QueryRow(ctx, `
INSERT INTO checkout_intents (intent_id, reference_id, checkout_session_id, amount_cents, currency, locale,
    status, metadata, expires_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
RETURNING `+intentColumns, args...)
		ci, err := scanIntent(row)
		if err != nil {
			return nil, fmt.Errorf("intents: insert: %w", err)
		}
		return ci, nil
	}

	row := s.db.QueryRow(ctx, `
INSERT INTO checkout_intents (intent_id, reference_id, checkout_session_id, amount_cents, currency, locale,
    status, metadata, expires_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
ON CONFLICT (checkout_session_id) DO UPDATE
SET amount_cents = EXCLUDED.amount_cents,
    currency     = EXCLUDED.currency,
    locale       = EXCLUDED.locale,
    metadata     = EXCLUDED.metadata,
    expires_at   = EXCLUDED.expires_at,
    updated_at   = EXCLUDED.updated_at
WHERE checkout_intents.status = 'PENDING'
RETURNING `+intentColumns, args...)
	ci, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// conflict on a non-pending intent: return it untouched
		return s.findOne(ctx, `WHERE checkout_session_id = $1`, in.CheckoutSessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("intents: upsert: %w", err)
	}
	return ci, nil
}

func (s *PostgresStore) Get(ctx context.Context, intentID string) (*CheckoutIntent, error) {
	return s.findOne(ctx, `WHERE intent_id = $1`, intentID)
}

func (s *PostgresStore) FindByIdentifiers(ctx context.Context, checkoutSessionID, referenceID string) (*CheckoutIntent, error) {
	if checkoutSessionID != "" {
		ci, err := s.findOne(ctx, `WHERE checkout_session_id = $1`, checkoutSessionID)
		if err != nil || ci != nil {
			return ci, err
		}
	}
	if referenceID == "" {
		return nil, nil
	}
	return s.findOne(ctx, `WHERE reference_id = $1 ORDER BY created_at DESC LIMIT 1`, referenceID)
}

func (s *PostgresStore) AttachSession(ctx context.Context, intentID, checkoutSessionID string) (*CheckoutIntent, error) {
	row := s.db.QueryRow(ctx, `
UPDATE checkout_intents
SET checkout_session_id = $2, updated_at = $3
WHERE intent_id = $1 AND (checkout_session_id IS NULL OR checkout_session_id = $2)
RETURNING `+intentColumns, intentID, checkoutSessionID, s.nowFunc().UTC())
	ci, err := scanIntent(row)
	if err == nil {
		return ci, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, ErrSessionTaken
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("intents: attach session: %w", err)
	}
	existing, getErr := s.Get(ctx, intentID)
	if getErr != nil {
		return nil, getErr
	}
	if existing == nil {
		return nil, ErrNotFound
	}
	return nil, ErrSessionTaken
}

func (s *PostgresStore) ClaimProcessing(ctx context.Context, intentID string) (bool, error) {
	err := s.transition(ctx, intentID, StatusProcessing, "", nil)
	if errors.Is(err, ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, intentID, orderID, result string) error {
	return s.transition(ctx, intentID, StatusCompleted, " AND order_id IS NULL", map[string]any{
		"order_id": orderID,
		"result":   result,
	})
}

func (s *PostgresStore) MarkFailed(ctx context.Context, intentID, result string) error {
	return s.transition(ctx, intentID, StatusFailed, "", map[string]any{"result": result})
}

func (s *PostgresStore) MarkExpired(ctx context.Context, intentID string) error {
	return s.transition(ctx, intentID, StatusExpired, "", nil)
}

func (s *PostgresStore) ResetForRetry(ctx context.Context, intentID string) error {
	return s.transition(ctx, intentID, StatusPending, "", map[string]any{
		"expires_at":     s.nowFunc().UTC().Add(ExpiryWindow),
		"sweep_attempts": 0,
	})
}

func (s *PostgresStore) ListStuckProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]CheckoutIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT `+intentColumns+` FROM checkout_intents
WHERE status = 'PROCESSING' AND updated_at < $1 ORDER BY updated_at LIMIT $2`, updatedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("intents: list stuck: %w", err)
	}
	defer rows.Close()

	var out []CheckoutIntent
	for rows.Next() {
		ci, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("intents: scan stuck: %w", err)
		}
		out = append(out, *ci)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordSweepAttempt(ctx context.Context, intentID string, attempts int) error {
	tag, err := s.db.Exec(ctx, `UPDATE checkout_intents SET sweep_attempts = $2, updated_at = $3
WHERE intent_id = $1 AND status = 'PROCESSING'`, intentID, attempts, s.nowFunc().UTC())
	if err != nil {
		return fmt.Errorf("intents: record sweep attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, intentID)
	}
	return nil
}

// transition issues one conditional UPDATE; set keys are trusted column names.
func (s *PostgresStore) transition(ctx context.Context, intentID string, to Status, extraCond string, set map[string]any) error {
	from := make([]string, 0, len(allowedFrom[to]))
	for _, st := range allowedFrom[to] {
		from = append(from, string(st))
	}
	args := []any{intentID, string(to), s.nowFunc().UTC(), from}
	assignments := "status = $2, updated_at = $3"
	for _, col := range []string{"order_id", "result", "expires_at", "sweep_attempts"} {
		v, ok := set[col]
		if !ok {
			continue
		}
		args = append(args, v)
		assignments += fmt.Sprintf(", %s = $%d", col, len(args))
	}

	tag, err := s.db.Exec(ctx, `UPDATE checkout_intents SET `+assignments+`
WHERE intent_id = $1 AND status = ANY($4)`+extraCond, args...)
	if err != nil {
		return fmt.Errorf("intents: transition to %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, intentID)
	}
	return nil
}

func (s *PostgresStore) missOrConflict(ctx context.Context, intentID string) error {
	ci, err := s.Get(ctx, intentID)
	if err != nil {
		return err
	}
	if ci == nil {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

func (s *PostgresStore) findOne(ctx context.Context, where string, args ...any) (*CheckoutIntent, error) {
	row := s.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM checkout_intents `+where, args...)
	ci, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("intents: select: %w", err)
	}
	return ci, nil
}

func scanIntent(row pgx.Row) (*CheckoutIntent, error) {
	var (
		ci        CheckoutIntent
		sessionID *string
		orderID   *string
		status    string
		metadata  []byte
	)
	err := row.Scan(&ci.IntentID, &ci.ReferenceID, &sessionID, &ci.AmountCents, &ci.Currency, &ci.Locale,
		&status, &ci.Result, &orderID, &metadata, &ci.SweepAttempts, &ci.ExpiresAt, &ci.CreatedAt, &ci.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ci.Status = Status(status)
	if sessionID != nil {
		ci.CheckoutSessionID = *sessionID
	}
	if orderID != nil {
		ci.OrderID = *orderID
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ci.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	ci.ExpiresAt = ci.ExpiresAt.UTC()
	ci.CreatedAt = ci.CreatedAt.UTC()
	ci.UpdatedAt = ci.UpdatedAt.UTC()
	return &ci, nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
