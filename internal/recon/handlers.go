package recon

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/courier-sync/internal/common"
	"github.com/noah-isme/courier-sync/internal/courier"
	"github.com/noah-isme/courier-sync/internal/store"
)

type ledgerStore interface {
	ListTrackingEntries(ctx context.Context, orderID int64) ([]store.TrackingEntry, error)
}

// TrackingHandler serves the per-order courier history.
type TrackingHandler struct {
	Store ledgerStore
}

type trackingItem struct {
	TrackingID string    `json:"trackingId"`
	Status     string    `json:"status"`
	Details    string    `json:"details,omitempty"`
	Location   string    `json:"location,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// List returns the tracking ledger for an order, most recent first.
func (h TrackingHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "tracking store unavailable", nil)
		return
	}
	orderID, err := parseOrderID(r)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}
	entries, err := h.Store.ListTrackingEntries(r.Context(), orderID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	items := make([]trackingItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, trackingItem{
			TrackingID: entry.TrackingID,
			Status:     string(entry.Status),
			Details:    entry.Details,
			Location:   entry.Location,
			ObservedAt: entry.ObservedAt,
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items})
}

// AdminHandler exposes operator actions: shipment creation, manual tracking
// refresh, pickup-store registration, provider coverage lookups and price
// quotes.
type AdminHandler struct {
	Shipments *Shipments
	Poller    *Poller
	Client    *courier.Client
	Logger    zerolog.Logger
}

// CreateShipment registers a provider shipment for an order.
func (h *AdminHandler) CreateShipment(w http.ResponseWriter, r *http.Request) {
	if h.Shipments == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "shipment service unavailable", nil)
		return
	}
	orderID, err := parseOrderID(r)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}
	order, err := h.Shipments.Create(r.Context(), orderID)
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, orderView(order))
}

// Refresh pulls the provider's current view of an order's shipment through
// the reconciliation pipeline.
func (h *AdminHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if h.Poller == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "poller unavailable", nil)
		return
	}
	orderID, err := parseOrderID(r)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}
	result, err := h.Poller.Refresh(r.Context(), orderID)
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"orderId":        result.OrderID,
		"status":         result.Status,
		"courierStatus":  result.CourierStatus,
		"statusChanged":  result.StatusChanged,
		"ledgerAppended": result.Recorded,
	})
}

// CreateStore registers a pickup location with the provider.
func (h *AdminHandler) CreateStore(w http.ResponseWriter, r *http.Request) {
	if h.Client == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "courier client unavailable", nil)
		return
	}
	var req courier.StoreRequest
	if err := common.DecodeJSON(r.Body, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	info, err := h.Client.CreateStore(r.Context(), req)
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, info)
}

// Cities lists the provider's serviced cities.
func (h *AdminHandler) Cities(w http.ResponseWriter, r *http.Request) {
	if h.Client == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "courier client unavailable", nil)
		return
	}
	cities, err := h.Client.ListCities(r.Context())
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": cities})
}

// Zones lists the delivery zones inside a city.
func (h *AdminHandler) Zones(w http.ResponseWriter, r *http.Request) {
	if h.Client == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "courier client unavailable", nil)
		return
	}
	cityID, err := strconv.Atoi(chi.URLParam(r, "cityID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid city id", nil)
		return
	}
	zones, err := h.Client.ListZones(r.Context(), cityID)
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": zones})
}

// Areas lists the delivery areas inside a zone.
func (h *AdminHandler) Areas(w http.ResponseWriter, r *http.Request) {
	if h.Client == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "courier client unavailable", nil)
		return
	}
	zoneID, err := strconv.Atoi(chi.URLParam(r, "zoneID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid zone id", nil)
		return
	}
	areas, err := h.Client.ListAreas(r.Context(), zoneID)
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": areas})
}

// Price quotes the delivery fee for a prospective shipment.
func (h *AdminHandler) Price(w http.ResponseWriter, r *http.Request) {
	if h.Client == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "courier client unavailable", nil)
		return
	}
	var req courier.PriceRequest
	if err := common.DecodeJSON(r.Body, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	quote, err := h.Client.CalculatePrice(r.Context(), req)
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, quote)
}

func (h *AdminHandler) renderError(w http.ResponseWriter, err error) {
	var apiErr *courier.APIError
	switch {
	case errors.Is(err, store.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
	case errors.Is(err, ErrShipmentExists):
		common.JSONError(w, http.StatusConflict, "SHIPMENT_EXISTS", err.Error(), nil)
	case errors.Is(err, ErrNoShipment):
		common.JSONError(w, http.StatusConflict, "NO_SHIPMENT", err.Error(), nil)
	case errors.Is(err, courier.ErrPhoneFormat):
		common.JSONError(w, http.StatusUnprocessableEntity, "PHONE_FORMAT", "recipient phone cannot be normalised; correct the number and retry", nil)
	case errors.As(err, &apiErr):
		status := http.StatusBadGateway
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			status = http.StatusUnprocessableEntity
		}
		common.JSONError(w, status, "PROVIDER_ERROR", apiErr.Message, apiErr.Fields)
	default:
		h.Logger.Error().Err(err).Msg("courier admin action failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "courier action failed", nil)
	}
}

func orderView(order store.Order) map[string]any {
	return map[string]any{
		"orderId":           order.ID,
		"status":            order.Status,
		"courierId":         order.CourierID,
		"courierOrderId":    order.CourierOrderID,
		"courierTrackingId": order.CourierTrackingID,
		"courierStatus":     order.CourierStatus,
	}
}

func parseOrderID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
}
