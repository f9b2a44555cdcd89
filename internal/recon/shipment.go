package recon

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/courier-sync/internal/common"
	"github.com/noah-isme/courier-sync/internal/courier"
	"github.com/noah-isme/courier-sync/internal/store"
)

var (
	// ErrShipmentExists is returned when an order already carries a consignment.
	ErrShipmentExists = errors.New("recon: shipment already exists for order")
	// ErrBadMerchantRef indicates a reference that is not ours or fails its checksum.
	ErrBadMerchantRef = errors.New("recon: malformed merchant reference")
)

const merchantRefChecksumLen = 8

var merchantRefPattern = regexp.MustCompile(`^ord-([0-9]+)-([0-9a-f]{8})$`)

// MerchantRef builds the structured reference handed to the provider at
// shipment creation: the internal order id plus a short checksum, so a later
// webhook can recover the order id without trusting free-text matching.
func MerchantRef(orderID int64) string {
	id := strconv.FormatInt(orderID, 10)
	return "ord-" + id + "-" + merchantRefChecksum(id)
}

// ParseMerchantRef extracts the order id from a structured merchant
// reference, rejecting references with a bad checksum.
func ParseMerchantRef(ref string) (int64, error) {
	match := merchantRefPattern.FindStringSubmatch(ref)
	if match == nil {
		return 0, fmt.Errorf("%w: %q", ErrBadMerchantRef, ref)
	}
	if merchantRefChecksum(match[1]) != match[2] {
		return 0, fmt.Errorf("%w: checksum mismatch in %q", ErrBadMerchantRef, ref)
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadMerchantRef, ref)
	}
	return id, nil
}

func merchantRefChecksum(id string) string {
	return common.Sha256Hex(id)[:merchantRefChecksumLen]
}

// CreateClient is the slice of the courier client shipment creation needs.
type CreateClient interface {
	CreateOrder(ctx context.Context, req courier.OrderRequest) (courier.Consignment, error)
}

type shipmentStore interface {
	GetOrder(ctx context.Context, id int64) (store.Order, error)
	SetCourierRefs(ctx context.Context, orderID int64, courierID int32, courierOrderID, trackingID string) error
}

// Shipments creates provider shipments for internal orders. The provider
// call is made exactly once; a normalisation or validation failure aborts
// before any network I/O so delivery data is never fabricated.
type Shipments struct {
	Store   shipmentStore
	Client  CreateClient
	Svc     *Service
	StoreID string
	Courier store.Courier
	// DeliveryType and ItemType are the provider's product codes for a
	// standard parcel delivery.
	DeliveryType int
	ItemType     int
	ItemWeight   string
	Logger       zerolog.Logger
}

// Create registers a shipment for the order with the provider and records
// the returned consignment id. The recipient phone must normalise into the
// provider's local format; otherwise creation fails with ErrPhoneFormat and
// the caller decides whether to abort or request corrected data.
func (s *Shipments) Create(ctx context.Context, orderID int64) (store.Order, error) {
	if s.Store == nil || s.Client == nil {
		return store.Order{}, errors.New("recon: shipment dependencies not configured")
	}
	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return store.Order{}, err
	}
	if order.CourierTrackingID != "" {
		return store.Order{}, fmt.Errorf("%w: order %d has consignment %s", ErrShipmentExists, orderID, order.CourierTrackingID)
	}

	phone, err := courier.NormalizePhone(order.RecipientPhone)
	if err != nil {
		return store.Order{}, err
	}

	ref := MerchantRef(orderID)
	consignment, err := s.Client.CreateOrder(ctx, courier.OrderRequest{
		StoreID:          s.StoreID,
		MerchantOrderID:  ref,
		RecipientName:    order.RecipientName,
		RecipientPhone:   phone,
		RecipientAddress: order.RecipientAddress,
		RecipientCity:    int(order.RecipientCity),
		RecipientZone:    int(order.RecipientZone),
		RecipientArea:    int(order.RecipientArea),
		DeliveryType:     s.deliveryType(),
		ItemType:         s.itemType(),
		ItemQuantity:     1,
		ItemWeight:       s.itemWeight(),
		AmountToCollect:  order.AmountToCollect,
		ItemDescription:  fmt.Sprintf("order %d", orderID),
	})
	if err != nil {
		return store.Order{}, err
	}

	if err := s.Store.SetCourierRefs(ctx, orderID, s.Courier.ID, ref, consignment.ConsignmentID); err != nil {
		// The provider shipment exists but the reference write failed. Log
		// loudly; the webhook path can still resolve by merchant reference.
		s.Logger.Error().Err(err).
			Int64("order_id", orderID).
			Str("consignment_id", consignment.ConsignmentID).
			Msg("shipment created but reference write failed")
		return store.Order{}, err
	}

	s.Logger.Info().
		Int64("order_id", orderID).
		Str("merchant_order_id", ref).
		Str("consignment_id", consignment.ConsignmentID).
		Msg("shipment created")

	if s.Svc != nil {
		if _, err := s.Svc.Record(ctx, orderID, Observation{
			TrackingID: consignment.ConsignmentID,
			Status:     courier.StatusPending,
			RawEvent:   "order.created",
			Details:    "shipment registered with courier",
			ObservedAt: time.Now(),
		}); err != nil {
			s.Logger.Error().Err(err).Int64("order_id", orderID).Msg("initial tracking entry failed")
		}
	}

	return s.Store.GetOrder(ctx, orderID)
}

func (s *Shipments) deliveryType() int {
	if s.DeliveryType <= 0 {
		return 48 // provider code for normal delivery
	}
	return s.DeliveryType
}

func (s *Shipments) itemType() int {
	if s.ItemType <= 0 {
		return 2 // provider code for parcel
	}
	return s.ItemType
}

func (s *Shipments) itemWeight() string {
	if s.ItemWeight == "" {
		return "0.5"
	}
	return s.ItemWeight
}
