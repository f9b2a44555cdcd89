package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/courier-sync/internal/courier"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// OrderStatus is the internal, user-facing order projection. It only moves
// forward along its rank order, or jumps to the absorbing cancelled state.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderInTransit  OrderStatus = "in_transit"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

// Order is the slice of the order entity this subsystem reads and mutates.
type Order struct {
	ID                int64
	Status            OrderStatus
	CourierID         int32
	CourierOrderID    string
	CourierTrackingID string
	CourierStatus     courier.Status
	RecipientName     string
	RecipientPhone    string
	RecipientAddress  string
	RecipientCity     int32
	RecipientZone     int32
	RecipientArea     int32
	AmountToCollect   int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TrackingEntry is one append-only courier status observation.
type TrackingEntry struct {
	ID         int64
	OrderID    int64
	CourierID  int32
	TrackingID string
	Status     courier.Status
	Details    string
	Location   string
	ObservedAt time.Time
	CreatedAt  time.Time
}

// Courier identifies a configured logistics provider.
type Courier struct {
	ID     int32
	Name   string
	Active bool
}

// Tx is the transactional surface the reconciliation pipeline runs against.
// GetOrderForUpdate takes a row lock so concurrent observations for the same
// order serialise on the read-modify-write.
type Tx interface {
	GetOrderForUpdate(ctx context.Context, id int64) (Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus, courierStatus courier.Status) error
	AppendTrackingEntry(ctx context.Context, entry TrackingEntry) (int64, error)
	LatestTrackingEntries(ctx context.Context, trackingID string, limit int) ([]TrackingEntry, error)
}

// TxFunc runs inside a single database transaction.
type TxFunc func(ctx context.Context, tx Tx) error

// Store provides pgx-backed persistence for orders, couriers and the
// tracking ledger.
type Store struct {
	Pool *pgxpool.Pool
}

// New constructs a Store backed by a pgx connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const orderColumns = `id, status,
	COALESCE(courier_id, 0),
	COALESCE(courier_order_id, ''),
	COALESCE(courier_tracking_id, ''),
	COALESCE(courier_status, ''),
	recipient_name, recipient_phone, recipient_address,
	recipient_city, recipient_zone, recipient_area,
	amount_to_collect, created_at, updated_at`

// GetOrder fetches an order by its internal identifier.
func (s *Store) GetOrder(ctx context.Context, id int64) (Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

// GetOrderByCourierOrderID fetches an order by the merchant reference handed
// to the provider at shipment creation.
func (s *Store) GetOrderByCourierOrderID(ctx context.Context, ref string) (Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE courier_order_id = $1`, ref)
	return scanOrder(row)
}

// GetOrderByTrackingID fetches an order by the provider-assigned consignment id.
func (s *Store) GetOrderByTrackingID(ctx context.Context, trackingID string) (Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE courier_tracking_id = $1`, trackingID)
	return scanOrder(row)
}

// SetCourierRefs records the provider references on an order once a shipment
// has been created.
func (s *Store) SetCourierRefs(ctx context.Context, orderID int64, courierID int32, courierOrderID, trackingID string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE orders
SET courier_id = $2, courier_order_id = $3, courier_tracking_id = $4, updated_at = now()
WHERE id = $1`, orderID, courierID, courierOrderID, trackingID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTrackingEntries returns the full ledger for an order, most recent first.
func (s *Store) ListTrackingEntries(ctx context.Context, orderID int64) ([]TrackingEntry, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, order_id, COALESCE(courier_id, 0), tracking_id, status, details, location, observed_at, created_at
FROM tracking_entries WHERE order_id = $1 ORDER BY id DESC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrackingEntries(rows)
}

// GetCourierByID fetches a courier configuration row.
func (s *Store) GetCourierByID(ctx context.Context, id int32) (Courier, error) {
	return scanCourier(s.Pool.QueryRow(ctx, `SELECT id, name, active FROM couriers WHERE id = $1`, id))
}

// GetCourierByName fetches a courier configuration row by its unique name.
func (s *Store) GetCourierByName(ctx context.Context, name string) (Courier, error) {
	return scanCourier(s.Pool.QueryRow(ctx, `SELECT id, name, active FROM couriers WHERE name = $1`, name))
}

// ListActiveShipments returns orders that have a consignment id and are not
// yet in a terminal state, oldest update first so stale shipments are polled
// before fresh ones.
func (s *Store) ListActiveShipments(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
WHERE courier_tracking_id IS NOT NULL AND courier_tracking_id <> ''
  AND status NOT IN ($1, $2)
ORDER BY updated_at ASC LIMIT $3`, OrderDelivered, OrderCancelled, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		order, err := scanOrderFromRows(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// WithTx runs fn inside a single transaction so an order update and its
// ledger append commit or roll back together.
func (s *Store) WithTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(ctx, &txStore{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	tx pgx.Tx
}

func (t *txStore) GetOrderForUpdate(ctx context.Context, id int64) (Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	return scanOrder(row)
}

func (t *txStore) UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus, courierStatus courier.Status) error {
	tag, err := t.tx.Exec(ctx, `UPDATE orders
SET status = $2, courier_status = $3, updated_at = now()
WHERE id = $1`, id, status, courierStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txStore) AppendTrackingEntry(ctx context.Context, entry TrackingEntry) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO tracking_entries (order_id, courier_id, tracking_id, status, details, location, observed_at)
VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, $7) RETURNING id`,
		entry.OrderID, entry.CourierID, entry.TrackingID, entry.Status, entry.Details, entry.Location, entry.ObservedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (t *txStore) LatestTrackingEntries(ctx context.Context, trackingID string, limit int) ([]TrackingEntry, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := t.tx.Query(ctx, `SELECT id, order_id, COALESCE(courier_id, 0), tracking_id, status, details, location, observed_at, created_at
FROM tracking_entries WHERE tracking_id = $1 ORDER BY id DESC LIMIT $2`, trackingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrackingEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.Status,
		&o.CourierID, &o.CourierOrderID, &o.CourierTrackingID, &o.CourierStatus,
		&o.RecipientName, &o.RecipientPhone, &o.RecipientAddress,
		&o.RecipientCity, &o.RecipientZone, &o.RecipientArea,
		&o.AmountToCollect, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

func scanOrderFromRows(rows pgx.Rows) (Order, error) {
	var o Order
	err := rows.Scan(
		&o.ID, &o.Status,
		&o.CourierID, &o.CourierOrderID, &o.CourierTrackingID, &o.CourierStatus,
		&o.RecipientName, &o.RecipientPhone, &o.RecipientAddress,
		&o.RecipientCity, &o.RecipientZone, &o.RecipientArea,
		&o.AmountToCollect, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

func scanTrackingEntries(rows pgx.Rows) ([]TrackingEntry, error) {
	var entries []TrackingEntry
	for rows.Next() {
		var e TrackingEntry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.CourierID, &e.TrackingID, &e.Status, &e.Details, &e.Location, &e.ObservedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanCourier(row rowScanner) (Courier, error) {
	var c Courier
	err := row.Scan(&c.ID, &c.Name, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Courier{}, ErrNotFound
	}
	return c, err
}
