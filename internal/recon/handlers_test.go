package recon_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/courier-sync/internal/courier"
	"github.com/noah-isme/courier-sync/internal/recon"
	"github.com/noah-isme/courier-sync/internal/store"
)

func adminRouter(h *recon.AdminHandler, tracking recon.TrackingHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/orders/{orderID}/tracking", tracking.List)
	r.Post("/admin/orders/{orderID}/shipment", h.CreateShipment)
	r.Post("/admin/orders/{orderID}/refresh", h.Refresh)
	return r
}

func TestTrackingHandlerList(t *testing.T) {
	t.Parallel()

	fs := newFakeStore(seededOrder(42))
	svc := &recon.Service{Store: fs, Logger: nopLogger()}
	for _, status := range []courier.Status{courier.StatusPicked, courier.StatusInTransit} {
		_, err := svc.Record(context.Background(), 42, recon.Observation{
			TrackingID: "CONS123",
			Status:     status,
			Details:    string(status),
			ObservedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	router := adminRouter(&recon.AdminHandler{Logger: nopLogger()}, recon.TrackingHandler{Store: fs})
	req := httptest.NewRequest(http.MethodGet, "/orders/42/tracking", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []struct {
			TrackingID string `json:"trackingId"`
			Status     string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 2)
	require.Equal(t, "in_transit", body.Data[0].Status, "most recent first")
	require.Equal(t, "CONS123", body.Data[0].TrackingID)
}

func TestTrackingHandlerBadOrderID(t *testing.T) {
	t.Parallel()

	router := adminRouter(&recon.AdminHandler{Logger: nopLogger()}, recon.TrackingHandler{Store: newFakeStore()})
	req := httptest.NewRequest(http.MethodGet, "/orders/not-a-number/tracking", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateShipmentHandlerConflict(t *testing.T) {
	t.Parallel()

	fs := newFakeStore(seededOrder(42)) // already shipped with the provider
	h := &recon.AdminHandler{
		Shipments: newShipments(fs, &stubCreator{}),
		Logger:    nopLogger(),
	}
	router := adminRouter(h, recon.TrackingHandler{Store: fs})

	req := httptest.NewRequest(http.MethodPost, "/admin/orders/42/shipment", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateShipmentHandlerPhoneRejected(t *testing.T) {
	t.Parallel()

	order := seededOrder(42)
	order.CourierTrackingID = ""
	order.RecipientPhone = "123"
	fs := newFakeStore(order)
	h := &recon.AdminHandler{
		Shipments: newShipments(fs, &stubCreator{}),
		Logger:    nopLogger(),
	}
	router := adminRouter(h, recon.TrackingHandler{Store: fs})

	req := httptest.NewRequest(http.MethodPost, "/admin/orders/42/shipment", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRefreshHandlerNotFound(t *testing.T) {
	t.Parallel()

	fs := newFakeStore()
	h := &recon.AdminHandler{
		Poller: newPoller(fs, &stubTracker{}),
		Logger: nopLogger(),
	}
	router := adminRouter(h, recon.TrackingHandler{Store: fs})

	req := httptest.NewRequest(http.MethodPost, "/admin/orders/404/refresh", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshHandlerReportsResult(t *testing.T) {
	t.Parallel()

	order := seededOrder(42)
	fs := newFakeStore(order)
	h := &recon.AdminHandler{
		Poller: newPoller(fs, &stubTracker{info: courier.TrackingInfo{OrderStatus: "Picked"}}),
		Logger: nopLogger(),
	}
	router := adminRouter(h, recon.TrackingHandler{Store: fs})

	req := httptest.NewRequest(http.MethodPost, "/admin/orders/42/refresh", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status         store.OrderStatus `json:"status"`
		StatusChanged  bool              `json:"statusChanged"`
		LedgerAppended bool              `json:"ledgerAppended"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, store.OrderProcessing, body.Status)
	require.True(t, body.StatusChanged)
	require.True(t, body.LedgerAppended)
}
