package courier

import "strings"

// Status is the canonical, provider-agnostic shipment status every external
// event vocabulary is translated into before any business logic runs.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPicked    Status = "picked"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
	StatusReturned  Status = "returned"
	StatusCancelled Status = "cancelled"
)

// UnknownEvent is invoked whenever TranslateEvent encounters an event string
// outside the known vocabulary. Wiring replaces it with a structured log call;
// tests replace it to assert the fallback path.
var UnknownEvent = func(event string) {}

// eventStatus maps the normalised provider vocabulary onto canonical statuses.
// Both webhook event names (order.picked) and tracking-info status labels
// (Picked) normalise onto the same keys.
var eventStatus = map[string]Status{
	"created":          StatusPending,
	"updated":          StatusPending,
	"pending":          StatusPending,
	"pickup_requested": StatusPending,
	"on_hold":          StatusPending,

	"picked":           StatusPicked,
	"picked_up":        StatusPicked,
	"pickup_completed": StatusPicked,

	"in_transit":       StatusInTransit,
	"at_sorting_hub":   StatusInTransit,
	"out_for_delivery": StatusInTransit,

	"delivered":          StatusDelivered,
	"delivery_completed": StatusDelivered,
	// Partial deliveries are collapsed into the delivered terminal for now;
	// a distinct terminal needs a business decision first.
	"partial_delivery":  StatusDelivered,
	"partial_delivered": StatusDelivered,

	"returned":         StatusReturned,
	"return_completed": StatusReturned,

	"cancelled":        StatusCancelled,
	"canceled":         StatusCancelled,
	"pickup_cancelled": StatusCancelled,
}

// TranslateEvent converts a provider event or status label into a canonical
// Status. The mapping is total: unrecognised input translates to
// StatusPending after notifying the UnknownEvent hook, so a new provider
// event type never halts reconciliation.
func TranslateEvent(event string) Status {
	key := normaliseEvent(event)
	if status, ok := eventStatus[key]; ok {
		return status
	}
	UnknownEvent(event)
	return StatusPending
}

// KnownEvents returns the normalised vocabulary the translator recognises.
func KnownEvents() []string {
	keys := make([]string, 0, len(eventStatus))
	for key := range eventStatus {
		keys = append(keys, key)
	}
	return keys
}

func normaliseEvent(event string) string {
	key := strings.ToLower(strings.TrimSpace(event))
	key = strings.TrimPrefix(key, "order.")
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	return key
}
