package recon_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/courier-sync/internal/courier"
	"github.com/noah-isme/courier-sync/internal/recon"
	"github.com/noah-isme/courier-sync/internal/store"
)

func seededOrder(id int64) store.Order {
	return store.Order{
		ID:                id,
		Status:            store.OrderPending,
		CourierID:         1,
		CourierOrderID:    recon.MerchantRef(id),
		CourierTrackingID: "CONS123",
		RecipientName:     "Test Recipient",
		RecipientPhone:    "+8801812345678",
		RecipientAddress:  "House 12, Road 3, Dhanmondi, Dhaka",
		RecipientCity:     1,
		RecipientZone:     2,
		AmountToCollect:   120000,
	}
}

func TestRecordPipelineEndToEnd(t *testing.T) {
	t.Parallel()

	fs := newFakeStore(seededOrder(42))
	svc := &recon.Service{Store: fs, Logger: nopLogger()}
	ctx := context.Background()

	picked := recon.Observation{
		TrackingID: "CONS123",
		Status:     courier.StatusPicked,
		RawEvent:   "order.picked",
		Details:    "order.picked",
		ObservedAt: time.Now(),
	}

	// Webhook A: picked advances the order and appends a ledger entry.
	result, err := svc.Record(ctx, 42, picked)
	require.NoError(t, err)
	require.True(t, result.StatusChanged)
	require.True(t, result.Recorded)
	require.Equal(t, store.OrderProcessing, result.Status)
	require.Equal(t, 1, fs.ledgerLen())
	require.Equal(t, store.OrderProcessing, fs.order(42).Status)
	require.Equal(t, courier.StatusPicked, fs.order(42).CourierStatus)

	// Webhook A redelivered: nothing changes, nothing is appended.
	result, err = svc.Record(ctx, 42, picked)
	require.NoError(t, err)
	require.False(t, result.StatusChanged)
	require.False(t, result.Recorded)
	require.Equal(t, 1, fs.ledgerLen())

	// Webhook B: delivered.
	result, err = svc.Record(ctx, 42, recon.Observation{
		TrackingID: "CONS123",
		Status:     courier.StatusDelivered,
		RawEvent:   "order.delivered",
		Details:    "order.delivered",
	})
	require.NoError(t, err)
	require.True(t, result.StatusChanged)
	require.True(t, result.Recorded)
	require.Equal(t, 2, fs.ledgerLen())
	require.Equal(t, store.OrderDelivered, fs.order(42).Status)

	// Late webhook C: in_transit arrives after delivery. The projection holds
	// but the mirror and the ledger still record what the courier said.
	result, err = svc.Record(ctx, 42, recon.Observation{
		TrackingID: "CONS123",
		Status:     courier.StatusInTransit,
		RawEvent:   "order.in_transit",
		Details:    "order.in_transit",
	})
	require.NoError(t, err)
	require.False(t, result.StatusChanged)
	require.True(t, result.Recorded)
	require.Equal(t, 3, fs.ledgerLen())
	require.Equal(t, store.OrderDelivered, fs.order(42).Status)
	require.Equal(t, courier.StatusInTransit, fs.order(42).CourierStatus)

	entries, err := fs.ListTrackingEntries(ctx, 42)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, courier.StatusInTransit, entries[0].Status, "most recent first")
	require.Equal(t, courier.StatusPicked, entries[2].Status)
}

func TestRecordUnknownOrder(t *testing.T) {
	t.Parallel()

	fs := newFakeStore()
	svc := &recon.Service{Store: fs, Logger: nopLogger()}

	_, err := svc.Record(context.Background(), 99, recon.Observation{
		TrackingID: "CONS999",
		Status:     courier.StatusPicked,
	})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Zero(t, fs.ledgerLen())
}

func TestResolveOrder(t *testing.T) {
	t.Parallel()

	fs := newFakeStore(seededOrder(42))
	svc := &recon.Service{Store: fs, Logger: nopLogger()}
	ctx := context.Background()

	// Structured merchant reference.
	order, err := svc.ResolveOrder(ctx, recon.MerchantRef(42), "")
	require.NoError(t, err)
	require.Equal(t, int64(42), order.ID)

	// Consignment id fallback.
	order, err = svc.ResolveOrder(ctx, "", "CONS123")
	require.NoError(t, err)
	require.Equal(t, int64(42), order.ID)

	// Unparseable reference still matches the stored merchant reference when
	// a previous system handed out free-form ids.
	legacy := seededOrder(7)
	legacy.CourierOrderID = "legacy-ref-7"
	legacy.CourierTrackingID = "CONS777"
	fsLegacy := newFakeStore(legacy)
	svcLegacy := &recon.Service{Store: fsLegacy, Logger: nopLogger()}
	order, err = svcLegacy.ResolveOrder(ctx, "legacy-ref-7", "")
	require.NoError(t, err)
	require.Equal(t, int64(7), order.ID)

	// Nothing matches.
	_, err = svc.ResolveOrder(ctx, "ord-41-00000000", "CONS404")
	require.ErrorIs(t, err, store.ErrNotFound)
}
