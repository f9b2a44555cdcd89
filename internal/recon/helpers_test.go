package recon_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/courier-sync/internal/courier"
	"github.com/noah-isme/courier-sync/internal/store"
)

// fakeStore is an in-memory stand-in for the pgx-backed store. Transactions
// are simulated with a mutex; this suite exercises pipeline semantics, not
// isolation levels.
type fakeStore struct {
	mu      sync.Mutex
	orders  map[int64]*store.Order
	entries []store.TrackingEntry
	nextID  int64
	txCount int
}

func newFakeStore(orders ...store.Order) *fakeStore {
	f := &fakeStore{orders: make(map[int64]*store.Order)}
	for _, o := range orders {
		copied := o
		f.orders[o.ID] = &copied
	}
	return f
}

func (f *fakeStore) GetOrder(_ context.Context, id int64) (store.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getLocked(id)
}

func (f *fakeStore) getLocked(id int64) (store.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return store.Order{}, store.ErrNotFound
	}
	return *o, nil
}

func (f *fakeStore) GetOrderByCourierOrderID(_ context.Context, ref string) (store.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.CourierOrderID == ref {
			return *o, nil
		}
	}
	return store.Order{}, store.ErrNotFound
}

func (f *fakeStore) GetOrderByTrackingID(_ context.Context, trackingID string) (store.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.CourierTrackingID == trackingID {
			return *o, nil
		}
	}
	return store.Order{}, store.ErrNotFound
}

func (f *fakeStore) SetCourierRefs(_ context.Context, orderID int64, courierID int32, courierOrderID, trackingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.CourierID = courierID
	o.CourierOrderID = courierOrderID
	o.CourierTrackingID = trackingID
	o.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) ListTrackingEntries(_ context.Context, orderID int64) ([]store.TrackingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.TrackingEntry
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].OrderID == orderID {
			out = append(out, f.entries[i])
		}
	}
	return out, nil
}

func (f *fakeStore) WithTx(ctx context.Context, fn store.TxFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCount++
	return fn(ctx, &fakeTx{f: f})
}

func (f *fakeStore) transactions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txCount
}

func (f *fakeStore) ledgerLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeStore) order(id int64) store.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		panic(fmt.Sprintf("order %d not seeded", id))
	}
	return *o
}

type fakeTx struct {
	f *fakeStore
}

func (t *fakeTx) GetOrderForUpdate(_ context.Context, id int64) (store.Order, error) {
	return t.f.getLocked(id)
}

func (t *fakeTx) UpdateOrderStatus(_ context.Context, id int64, status store.OrderStatus, courierStatus courier.Status) error {
	o, ok := t.f.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = status
	o.CourierStatus = courierStatus
	o.UpdatedAt = time.Now()
	return nil
}

func (t *fakeTx) AppendTrackingEntry(_ context.Context, entry store.TrackingEntry) (int64, error) {
	t.f.nextID++
	entry.ID = t.f.nextID
	entry.CreatedAt = time.Now()
	t.f.entries = append(t.f.entries, entry)
	return entry.ID, nil
}

func (t *fakeTx) LatestTrackingEntries(_ context.Context, trackingID string, limit int) ([]store.TrackingEntry, error) {
	var out []store.TrackingEntry
	for i := len(t.f.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if t.f.entries[i].TrackingID == trackingID {
			out = append(out, t.f.entries[i])
		}
	}
	return out, nil
}

func nopLogger() zerolog.Logger { return zerolog.Nop() }
