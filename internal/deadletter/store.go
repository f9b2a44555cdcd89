package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/courier-sync/internal/obs"
)

// ErrStoreUnavailable indicates the dead-letter store dependency is not configured.
var ErrStoreUnavailable = errors.New("deadletter: store unavailable")

// ErrNotFound indicates the requested entry does not exist.
var ErrNotFound = errors.New("deadletter: entry not found")

// Entry is a courier event that could not be reconciled, retained durably for
// manual review instead of being dropped.
type Entry struct {
	ID         uuid.UUID
	Source     string
	Reason     string
	Payload    []byte
	ReceivedAt time.Time
	ResolvedAt *time.Time
}

// Store persists unreconciled courier events.
type Store interface {
	Insert(ctx context.Context, entry Entry) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (Entry, error)
	List(ctx context.Context, includeResolved bool, limit, offset int) ([]Entry, error)
	Resolve(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	Count(ctx context.Context, includeResolved bool) (int64, error)
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) Insert(ctx context.Context, entry Entry) (uuid.UUID, error) {
	if s == nil || s.pool == nil {
		return uuid.Nil, ErrStoreUnavailable
	}
	id := entry.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO unreconciled_events (id, source, reason, payload)
VALUES ($1, $2, $3, $4)`, id, entry.Source, entry.Reason, entry.Payload)
	if err != nil {
		return uuid.Nil, err
	}
	if obs.DeadLetterTotal != nil {
		obs.DeadLetterTotal.Inc()
	}
	return id, nil
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	if s == nil || s.pool == nil {
		return Entry{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT id, source, reason, payload, received_at, resolved_at
FROM unreconciled_events WHERE id = $1`, id)
	var e Entry
	err := row.Scan(&e.ID, &e.Source, &e.Reason, &e.Payload, &e.ReceivedAt, &e.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *pgStore) List(ctx context.Context, includeResolved bool, limit, offset int) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, source, reason, payload, received_at, resolved_at
FROM unreconciled_events WHERE resolved_at IS NULL ORDER BY received_at DESC LIMIT $1 OFFSET $2`
	if includeResolved {
		query = `SELECT id, source, reason, payload, received_at, resolved_at
FROM unreconciled_events ORDER BY received_at DESC LIMIT $1 OFFSET $2`
	}
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Source, &e.Reason, &e.Payload, &e.ReceivedAt, &e.ResolvedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *pgStore) Resolve(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE unreconciled_events SET resolved_at = now()
WHERE id = $1 AND resolved_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) Delete(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM unreconciled_events WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) Count(ctx context.Context, includeResolved bool) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	query := `SELECT COUNT(*) FROM unreconciled_events WHERE resolved_at IS NULL`
	if includeResolved {
		query = `SELECT COUNT(*) FROM unreconciled_events`
	}
	var total int64
	if err := s.pool.QueryRow(ctx, query).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}
