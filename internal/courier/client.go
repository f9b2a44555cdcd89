package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/courier-sync/internal/obs"
	"github.com/noah-isme/courier-sync/internal/resilience"
)

// APIError is a structured non-2xx response from the provider, carrying the
// field-level validation messages the provider returns on 4xx.
type APIError struct {
	StatusCode int
	Message    string
	Fields     map[string][]string
}

func (e *APIError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("courier: provider returned %d: %s (%d field errors)", e.StatusCode, e.Message, len(e.Fields))
	}
	return fmt.Sprintf("courier: provider returned %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the failure is worth retrying.
func (e *APIError) Transient() bool { return e.StatusCode >= 500 }

// IsTransient classifies an error as retryable: provider 5xx, network
// timeouts and an open circuit all qualify. Auth and validation failures do
// not.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, resilience.ErrOpenCircuit) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// City, Zone and Area are the provider's coverage hierarchy.
type City struct {
	ID   int    `json:"city_id"`
	Name string `json:"city_name"`
}

type Zone struct {
	ID   int    `json:"zone_id"`
	Name string `json:"zone_name"`
}

type Area struct {
	ID   int    `json:"area_id"`
	Name string `json:"area_name"`
}

// StoreRequest registers a merchant pickup location with the provider.
type StoreRequest struct {
	Name          string `json:"name" validate:"required"`
	ContactName   string `json:"contact_name" validate:"required"`
	ContactNumber string `json:"contact_number" validate:"required"`
	Address       string `json:"address" validate:"required"`
	CityID        int    `json:"city_id" validate:"required"`
	ZoneID        int    `json:"zone_id" validate:"required"`
	AreaID        int    `json:"area_id" validate:"required"`
}

// StoreInfo is the provider's view of a registered pickup location.
type StoreInfo struct {
	ID   string `json:"store_id"`
	Name string `json:"store_name"`
}

// OrderRequest creates a shipment. AmountToCollect is an integer in the
// provider's minor currency unit.
type OrderRequest struct {
	StoreID          string `json:"store_id" validate:"required"`
	MerchantOrderID  string `json:"merchant_order_id" validate:"required"`
	RecipientName    string `json:"recipient_name" validate:"required"`
	RecipientPhone   string `json:"recipient_phone" validate:"required"`
	RecipientAddress string `json:"recipient_address" validate:"required,min=10"`
	RecipientCity    int    `json:"recipient_city" validate:"required"`
	RecipientZone    int    `json:"recipient_zone" validate:"required"`
	RecipientArea    int    `json:"recipient_area,omitempty"`
	DeliveryType     int    `json:"delivery_type" validate:"required"`
	ItemType         int    `json:"item_type" validate:"required"`
	ItemQuantity     int    `json:"item_quantity" validate:"required,min=1"`
	ItemWeight       string `json:"item_weight" validate:"required"`
	AmountToCollect  int64  `json:"amount_to_collect" validate:"min=0"`
	ItemDescription  string `json:"item_description,omitempty"`
}

// Consignment is the provider's acknowledgement of a created shipment.
type Consignment struct {
	ConsignmentID string `json:"consignment_id"`
	DeliveryFee   int64  `json:"delivery_fee"`
}

// TrackingInfo is the provider's current view of a shipment.
type TrackingInfo struct {
	OrderStatus     string `json:"order_status"`
	OrderStatusText string `json:"order_status_text"`
	CurrentLocation string `json:"current_location"`
	UpdatedAt       string `json:"updated_at"`
}

// PriceRequest asks the provider to quote a delivery fee.
type PriceRequest struct {
	StoreID       string `json:"store_id" validate:"required"`
	ItemType      int    `json:"item_type" validate:"required"`
	DeliveryType  int    `json:"delivery_type" validate:"required"`
	ItemWeight    string `json:"item_weight" validate:"required"`
	RecipientCity int    `json:"recipient_city" validate:"required"`
	RecipientZone int    `json:"recipient_zone" validate:"required"`
}

// PriceQuote is the provider's fee calculation in the minor currency unit.
type PriceQuote struct {
	Price      int64 `json:"price"`
	FinalPrice int64 `json:"final_price"`
}

// Client wraps the provider's REST surface. Idempotent reads go through the
// resilient wrapper (bounded timeout, capped backoff with jitter, breaker);
// shipment and store creation are sent exactly once so a retried create can
// never produce a duplicate shipment.
type Client struct {
	BaseURL string
	Tokens  *TokenSource
	// HTTP performs non-retryable calls with a bounded per-call timeout.
	HTTP *http.Client
	// Read performs retryable, idempotent calls.
	Read *resilience.HTTPClient
	// Validate checks outbound request structs before any network I/O.
	Validate *validator.Validate
	Timeout  time.Duration
}

// ListCities fetches the provider's serviced cities.
func (c *Client) ListCities(ctx context.Context) ([]City, error) {
	var out struct {
		Cities []City `json:"cities"`
	}
	if err := c.call(ctx, http.MethodGet, "/cities", nil, &out, true, "list_cities"); err != nil {
		return nil, err
	}
	return out.Cities, nil
}

// ListZones fetches the delivery zones inside a city.
func (c *Client) ListZones(ctx context.Context, cityID int) ([]Zone, error) {
	var out struct {
		Zones []Zone `json:"zones"`
	}
	path := fmt.Sprintf("/cities/%d/zones", cityID)
	if err := c.call(ctx, http.MethodGet, path, nil, &out, true, "list_zones"); err != nil {
		return nil, err
	}
	return out.Zones, nil
}

// ListAreas fetches the delivery areas inside a zone.
func (c *Client) ListAreas(ctx context.Context, zoneID int) ([]Area, error) {
	var out struct {
		Areas []Area `json:"areas"`
	}
	path := fmt.Sprintf("/zones/%d/areas", zoneID)
	if err := c.call(ctx, http.MethodGet, path, nil, &out, true, "list_areas"); err != nil {
		return nil, err
	}
	return out.Areas, nil
}

// CreateStore registers a pickup location. Sent exactly once.
func (c *Client) CreateStore(ctx context.Context, req StoreRequest) (StoreInfo, error) {
	if err := c.validate(req); err != nil {
		return StoreInfo{}, err
	}
	var out StoreInfo
	if err := c.call(ctx, http.MethodPost, "/stores", req, &out, false, "create_store"); err != nil {
		return StoreInfo{}, err
	}
	return out, nil
}

// CreateOrder creates a shipment. The recipient phone is normalised into the
// provider's local format first; a number that cannot be normalised aborts
// the call. Sent exactly once, never retried.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (Consignment, error) {
	phone, err := NormalizePhone(req.RecipientPhone)
	if err != nil {
		return Consignment{}, err
	}
	req.RecipientPhone = phone
	if err := c.validate(req); err != nil {
		return Consignment{}, err
	}
	var out Consignment
	if err := c.call(ctx, http.MethodPost, "/orders", req, &out, false, "create_order"); err != nil {
		return Consignment{}, err
	}
	return out, nil
}

// TrackOrder fetches the provider's current view of a consignment.
func (c *Client) TrackOrder(ctx context.Context, consignmentID string) (TrackingInfo, error) {
	if strings.TrimSpace(consignmentID) == "" {
		return TrackingInfo{}, errors.New("courier: consignment id is required")
	}
	var out TrackingInfo
	path := "/orders/" + consignmentID + "/info"
	if err := c.call(ctx, http.MethodGet, path, nil, &out, true, "track_order"); err != nil {
		return TrackingInfo{}, err
	}
	return out, nil
}

// CalculatePrice quotes the delivery fee for a prospective shipment. The
// calculation is a pure function of its inputs, so it retries like a read.
func (c *Client) CalculatePrice(ctx context.Context, req PriceRequest) (PriceQuote, error) {
	if err := c.validate(req); err != nil {
		return PriceQuote{}, err
	}
	var out PriceQuote
	if err := c.call(ctx, http.MethodPost, "/price-plan", req, &out, true, "calculate_price"); err != nil {
		return PriceQuote{}, err
	}
	return out, nil
}

func (c *Client) validate(v any) error {
	if c.Validate == nil {
		return nil
	}
	return c.Validate.Struct(v)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any, idempotent bool, op string) error {
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("courier: encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.send(ctx, req, idempotent)
	c.observe(op, started, err, resp)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.Tokens.Invalidate()
		}
		return parseAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("courier: decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, req *http.Request, idempotent bool) (*http.Response, error) {
	if idempotent && c.Read != nil {
		return c.Read.Do(ctx, req)
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.Do(req.WithContext(callCtx))
}

func (c *Client) observe(op string, started time.Time, err error, resp *http.Response) {
	if obs.CourierAPILatency == nil {
		return
	}
	result := "success"
	switch {
	case err != nil:
		result = "error"
	case resp != nil && resp.StatusCode >= 500:
		result = "upstream_error"
	case resp != nil && resp.StatusCode >= 400:
		result = "rejected"
	}
	obs.CourierAPILatency.WithLabelValues(op, result).Observe(float64(time.Since(started).Milliseconds()))
}

func parseAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(body) == 0 {
		return apiErr
	}
	var parsed struct {
		Message string              `json:"message"`
		Errors  map[string][]string `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}
	if parsed.Message != "" {
		apiErr.Message = parsed.Message
	}
	apiErr.Fields = parsed.Errors
	return apiErr
}
