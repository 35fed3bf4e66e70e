package feed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/orderdesk/internal/model"
)

type Publisher interface {
	Publish(ctx context.Context, event OrderEvent) error
}

// Hub receives persisted order snapshots from the services. Without a
// publisher it is the only writer of the board; with one it reflects the
// change locally and lets the feed deliver the authoritative copy.
type Hub struct {
	board     *Board
	publisher Publisher
	zaplog    *zap.Logger
	now       func() time.Time
}

func NewHub(board *Board, publisher Publisher, zaplog *zap.Logger) *Hub {
	return &Hub{
		board:     board,
		publisher: publisher,
		zaplog:    zaplog,
		now:       time.Now,
	}
}

func (h *Hub) OrderChanged(ctx context.Context, order model.Order) {
	event := OrderEvent{
		Type:      EventUpsert,
		TenantID:  order.TenantID,
		Order:     order,
		EmittedAt: h.now().UTC(),
	}

	if h.publisher == nil {
		h.board.Apply(event)
		return
	}

	h.board.Reflect(order)
	if err := h.publisher.Publish(ctx, event); err != nil {
		// Снимок уже сохранен в базе, поэтому локально он достоверен
		h.board.Apply(event)
		h.zaplog.Error("order event publish failed",
			zap.String("tenant_id", order.TenantID),
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}
