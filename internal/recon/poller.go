package recon

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/courier-sync/internal/courier"
	"github.com/noah-isme/courier-sync/internal/obs"
)

// ErrNoShipment indicates the order has no consignment to poll.
var ErrNoShipment = errors.New("recon: order has no shipment to refresh")

// TrackClient is the slice of the courier client the poller needs.
type TrackClient interface {
	TrackOrder(ctx context.Context, consignmentID string) (courier.TrackingInfo, error)
}

// Poller is the pull entry point: it fetches the provider's current view of a
// shipment and feeds it through the same pipeline as the webhook path.
type Poller struct {
	Client TrackClient
	Svc    *Service
	Logger zerolog.Logger
}

// Refresh polls the provider for one order. When the observed status equals
// the stored courier status the write is skipped entirely, so repeated polls
// of an unchanged shipment never touch the order row or the ledger.
func (p *Poller) Refresh(ctx context.Context, orderID int64) (Result, error) {
	if p.Client == nil || p.Svc == nil {
		return Result{}, errors.New("recon: poller not configured")
	}
	order, err := p.Svc.Store.GetOrder(ctx, orderID)
	if err != nil {
		p.observe("error")
		return Result{}, err
	}
	if order.CourierTrackingID == "" {
		p.observe("no_shipment")
		return Result{}, fmt.Errorf("%w: order %d", ErrNoShipment, orderID)
	}

	info, err := p.Client.TrackOrder(ctx, order.CourierTrackingID)
	if err != nil {
		p.observe("error")
		return Result{}, fmt.Errorf("track %s: %w", order.CourierTrackingID, err)
	}

	observed := courier.TranslateEvent(info.OrderStatus)
	if observed == order.CourierStatus {
		p.observe("unchanged")
		p.Logger.Debug().
			Int64("order_id", orderID).
			Str("courier_status", string(observed)).
			Msg("poll found shipment unchanged")
		return Result{
			OrderID:       orderID,
			Status:        order.Status,
			CourierStatus: order.CourierStatus,
		}, nil
	}

	result, err := p.Svc.Record(ctx, orderID, Observation{
		TrackingID: order.CourierTrackingID,
		Status:     observed,
		RawEvent:   info.OrderStatus,
		Details:    info.OrderStatusText,
		Location:   info.CurrentLocation,
		ObservedAt: parseEventTime(info.UpdatedAt),
	})
	if err != nil {
		p.observe("error")
		return Result{}, err
	}
	p.observe("applied")
	return result, nil
}

func (p *Poller) observe(result string) {
	if obs.CourierPollTotal != nil {
		obs.CourierPollTotal.WithLabelValues(result).Inc()
	}
}
