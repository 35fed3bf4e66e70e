package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/orderdesk/internal/auth"
)

const (
	streamEventOrders = "orders"
	streamEventAlert  = "alert"
	streamBuffer      = 64
)

// GetAlertStream streams the tenant's active orders and their alert
// transitions as server-sent events. The board is the source of truth:
// every board change resends the active list and re-registers the shown
// orders with the scheduler.
func (h *handler) GetAlertStream(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	ctx := r.Context()

	if !h.Board.Seeded(id.TenantID) {
		orders, err := h.Orders.List(ctx, id.TenantID, true)
		if err != nil {
			h.writeOrderError(w, err)
			return
		}
		h.Board.Seed(id.TenantID, orders)
	}

	rc := http.NewResponseController(w)
	// Поток живет дольше WriteTimeout сервера
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.zaplog.Debug("stream write deadline not cleared", zap.Error(err))
	}

	view := h.Scheduler.NewView(id.Surface, id.TenantID)
	defer view.Close()
	alerts, unsubscribe := h.Scheduler.Subscribe(id.Surface, id.TenantID, streamBuffer)
	defer unsubscribe()
	changes, unwatch := h.Board.Watch(id.TenantID)
	defer unwatch()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sendOrders := func() error {
		orders := h.Board.Orders(id.TenantID, true)
		now := h.now()
		ids := make([]string, 0, len(orders))
		views := make([]orderView, 0, len(orders))
		for _, o := range orders {
			ids = append(ids, o.ID)
			views = append(views, h.view(o, id.Surface, now))
		}
		view.Sync(ids)
		return writeEvent(w, rc, streamEventOrders, views)
	}

	if err := sendOrders(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			if err := sendOrders(); err != nil {
				h.zaplog.Debug("stream closed", zap.String("tenant_id", id.TenantID), zap.Error(err))
				return
			}
		case event, ok := <-alerts:
			if !ok {
				return
			}
			if err := writeEvent(w, rc, streamEventAlert, event); err != nil {
				h.zaplog.Debug("stream closed", zap.String("tenant_id", id.TenantID), zap.Error(err))
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	return rc.Flush()
}
