package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/courier-sync/internal/courier"
	"github.com/noah-isme/courier-sync/internal/recon"
	"github.com/noah-isme/courier-sync/internal/store"
)

const (
	// TypePollShipment refreshes one order's shipment from the provider.
	TypePollShipment = "courier:poll"
	// TypePollSweep fans out one poll task per active shipment.
	TypePollSweep = "courier:poll_sweep"
)

// PollPayload identifies the order a poll task refreshes.
type PollPayload struct {
	OrderID int64 `json:"order_id"`
}

// NewPollTask builds a poll task for one order. The task id makes enqueues
// idempotent: a sweep never stacks a second poll for an order whose previous
// poll is still pending.
func NewPollTask(orderID int64) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(PollPayload{OrderID: orderID})
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("courier:poll:%d", orderID)),
	}
	return asynq.NewTask(TypePollShipment, payload), opts, nil
}

type sweepStore interface {
	ListActiveShipments(ctx context.Context, limit int) ([]store.Order, error)
}

// Handlers processes the courier background tasks.
type Handlers struct {
	Poller     *recon.Poller
	Store      sweepStore
	Enqueue    *asynq.Client
	Queue      string
	SweepLimit int
	Logger     zerolog.Logger
}

// Register mounts the task handlers on an asynq mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypePollShipment, h.HandlePoll)
	mux.HandleFunc(TypePollSweep, h.HandleSweep)
}

// HandlePoll refreshes a single shipment. Transient provider failures are
// returned so asynq retries them with backoff; permanent failures skip the
// retry budget.
func (h *Handlers) HandlePoll(ctx context.Context, task *asynq.Task) error {
	var payload PollPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode poll payload: %w: %v", asynq.SkipRetry, err)
	}
	result, err := h.Poller.Refresh(ctx, payload.OrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, recon.ErrNoShipment) {
			h.Logger.Warn().Err(err).Int64("order_id", payload.OrderID).Msg("poll skipped")
			return nil
		}
		if courier.IsTransient(err) {
			return fmt.Errorf("poll order %d: %w", payload.OrderID, err)
		}
		return fmt.Errorf("poll order %d: %v: %w", payload.OrderID, err, asynq.SkipRetry)
	}
	if result.StatusChanged {
		h.Logger.Info().
			Int64("order_id", payload.OrderID).
			Str("status", string(result.Status)).
			Msg("poll advanced order status")
	}
	return nil
}

// HandleSweep enqueues a poll task for every active shipment.
func (h *Handlers) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	limit := h.SweepLimit
	if limit <= 0 {
		limit = 500
	}
	orders, err := h.Store.ListActiveShipments(ctx, limit)
	if err != nil {
		return fmt.Errorf("list active shipments: %w", err)
	}
	enqueued := 0
	for _, order := range orders {
		task, opts, err := NewPollTask(order.ID)
		if err != nil {
			return err
		}
		if h.Queue != "" {
			opts = append(opts, asynq.Queue(h.Queue))
		}
		if _, err := h.Enqueue.EnqueueContext(ctx, task, opts...); err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) {
				continue
			}
			return fmt.Errorf("enqueue poll for order %d: %w", order.ID, err)
		}
		enqueued++
	}
	h.Logger.Info().Int("active", len(orders)).Int("enqueued", enqueued).Msg("poll sweep complete")
	return nil
}
