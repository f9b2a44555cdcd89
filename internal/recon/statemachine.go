package recon

import (
	"github.com/noah-isme/courier-sync/internal/courier"
	"github.com/noah-isme/courier-sync/internal/store"
)

// candidateStatus maps a canonical courier status onto the order status it
// argues for. The table is total over the courier vocabulary so adding a new
// provider event cannot introduce an unreachable transition.
var candidateStatus = map[courier.Status]store.OrderStatus{
	courier.StatusPending:   store.OrderPending,
	courier.StatusPicked:    store.OrderProcessing,
	courier.StatusInTransit: store.OrderInTransit,
	courier.StatusDelivered: store.OrderDelivered,
	courier.StatusReturned:  store.OrderCancelled,
	courier.StatusCancelled: store.OrderCancelled,
}

const deliveredRank = 4

// orderStatusRank defines the total order the user-facing status advances
// along. Cancelled is not ranked; it is an absorbing terminal.
func orderStatusRank(status store.OrderStatus) int {
	switch status {
	case store.OrderPending:
		return 0
	case store.OrderProcessing:
		return 1
	case store.OrderInTransit:
		return 2
	case store.OrderShipped:
		return 3
	case store.OrderDelivered:
		return deliveredRank
	case store.OrderCancelled:
		return -1
	default:
		return -2
	}
}

// Apply returns the order status after observing a courier status. The
// machine never regresses: a candidate ranked below the current status is
// ignored, so late or out-of-order events cannot downgrade an order.
// Cancellation absorbs from any state below delivered and is itself final.
// Apply is pure and idempotent.
func Apply(current store.OrderStatus, observed courier.Status) store.OrderStatus {
	if current == store.OrderCancelled {
		return current
	}
	candidate, ok := candidateStatus[observed]
	if !ok {
		return current
	}
	if candidate == store.OrderCancelled {
		if orderStatusRank(current) >= deliveredRank {
			return current
		}
		return store.OrderCancelled
	}
	if orderStatusRank(candidate) <= orderStatusRank(current) {
		return current
	}
	return candidate
}
