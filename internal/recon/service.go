package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/courier-sync/internal/courier"
	"github.com/noah-isme/courier-sync/internal/lock"
	"github.com/noah-isme/courier-sync/internal/obs"
	"github.com/noah-isme/courier-sync/internal/store"
)

// Observation is one courier status sighting, from either the webhook or the
// polling path. Both feed the same pipeline so push and pull never diverge.
type Observation struct {
	TrackingID string
	Status     courier.Status
	RawEvent   string
	Details    string
	Location   string
	ObservedAt time.Time
}

// Result reports what a recorded observation changed.
type Result struct {
	OrderID       int64
	Status        store.OrderStatus
	CourierStatus courier.Status
	StatusChanged bool
	Recorded      bool
}

// Store is the persistence surface the reconciliation pipeline needs from the
// order-management collaborator.
type Store interface {
	GetOrder(ctx context.Context, id int64) (store.Order, error)
	GetOrderByCourierOrderID(ctx context.Context, ref string) (store.Order, error)
	GetOrderByTrackingID(ctx context.Context, trackingID string) (store.Order, error)
	WithTx(ctx context.Context, fn store.TxFunc) error
}

// Locker serialises observations for the same order across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Service drives the shared translate → apply → record pipeline. Each
// recorded observation updates the order's monotonic status projection,
// mirrors the raw courier status, and appends a ledger entry — atomically.
type Service struct {
	Store   Store
	Locks   Locker
	LockTTL time.Duration
	Logger  zerolog.Logger
}

// Record applies one observation to an order. The read-modify-write runs
// under a per-order lock and a row lock inside one transaction, so two
// concurrent observations can never overwrite each other's conclusion.
// Replayed identical observations are idempotent: the order write repeats
// harmlessly and the ledger append is skipped.
func (s *Service) Record(ctx context.Context, orderID int64, observation Observation) (Result, error) {
	if s.Store == nil {
		return Result{}, errors.New("recon: store not configured")
	}
	var result Result
	work := func(ctx context.Context) error {
		return s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			order, err := tx.GetOrderForUpdate(ctx, orderID)
			if err != nil {
				return fmt.Errorf("lock order %d: %w", orderID, err)
			}

			next := Apply(order.Status, observation.Status)

			trackingID := observation.TrackingID
			if trackingID == "" {
				trackingID = order.CourierTrackingID
			}

			duplicate := false
			if trackingID != "" {
				latest, err := tx.LatestTrackingEntries(ctx, trackingID, 1)
				if err != nil {
					return fmt.Errorf("read ledger for %s: %w", trackingID, err)
				}
				if len(latest) > 0 && latest[0].Status == observation.Status && latest[0].Details == observation.Details {
					duplicate = true
				}
			}

			// courier_status mirrors the latest observation even when the
			// monotonic projection stands still.
			if err := tx.UpdateOrderStatus(ctx, orderID, next, observation.Status); err != nil {
				return fmt.Errorf("update order %d: %w", orderID, err)
			}

			if !duplicate {
				observedAt := observation.ObservedAt
				if observedAt.IsZero() {
					observedAt = time.Now()
				}
				if _, err := tx.AppendTrackingEntry(ctx, store.TrackingEntry{
					OrderID:    orderID,
					CourierID:  order.CourierID,
					TrackingID: trackingID,
					Status:     observation.Status,
					Details:    observation.Details,
					Location:   observation.Location,
					ObservedAt: observedAt,
				}); err != nil {
					return fmt.Errorf("append ledger for order %d: %w", orderID, err)
				}
			}

			result = Result{
				OrderID:       orderID,
				Status:        next,
				CourierStatus: observation.Status,
				StatusChanged: next != order.Status,
				Recorded:      !duplicate,
			}
			return nil
		})
	}

	var err error
	if s.Locks != nil {
		err = s.Locks.WithLock(ctx, lock.OrderKey(orderID), s.lockTTL(), work)
	} else {
		err = work(ctx)
	}
	s.observe(result, err)
	if err != nil {
		return Result{}, err
	}

	s.Logger.Debug().
		Int64("order_id", orderID).
		Str("event", observation.RawEvent).
		Str("courier_status", string(observation.Status)).
		Str("order_status", string(result.Status)).
		Bool("status_changed", result.StatusChanged).
		Bool("ledger_appended", result.Recorded).
		Msg("observation recorded")
	return result, nil
}

// ResolveOrder locates the order a provider notification refers to. The
// structured merchant reference is tried first, then the stored merchant
// reference, then the consignment id. First match wins.
func (s *Service) ResolveOrder(ctx context.Context, merchantOrderID, consignmentID string) (store.Order, error) {
	if merchantOrderID != "" {
		if id, err := ParseMerchantRef(merchantOrderID); err == nil {
			if order, err := s.Store.GetOrder(ctx, id); err == nil {
				return order, nil
			} else if !errors.Is(err, store.ErrNotFound) {
				return store.Order{}, err
			}
		}
		if order, err := s.Store.GetOrderByCourierOrderID(ctx, merchantOrderID); err == nil {
			return order, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return store.Order{}, err
		}
	}
	if consignmentID != "" {
		if order, err := s.Store.GetOrderByTrackingID(ctx, consignmentID); err == nil {
			return order, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return store.Order{}, err
		}
	}
	return store.Order{}, store.ErrNotFound
}

func (s *Service) lockTTL() time.Duration {
	if s.LockTTL <= 0 {
		return 30 * time.Second
	}
	return s.LockTTL
}

func (s *Service) observe(result Result, err error) {
	if obs.ReconciliationTotal == nil {
		return
	}
	outcome := "applied"
	switch {
	case err != nil:
		outcome = "error"
	case !result.Recorded && !result.StatusChanged:
		outcome = "duplicate"
	case !result.StatusChanged:
		outcome = "stale"
	}
	obs.ReconciliationTotal.WithLabelValues("pipeline", outcome).Inc()
}
