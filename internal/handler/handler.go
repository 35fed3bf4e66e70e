package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/iurnickita/orderdesk/internal/alert"
	"github.com/iurnickita/orderdesk/internal/auth"
	"github.com/iurnickita/orderdesk/internal/feed"
	"github.com/iurnickita/orderdesk/internal/handler/config"
	"github.com/iurnickita/orderdesk/internal/logger"
	"github.com/iurnickita/orderdesk/internal/model"
	"github.com/iurnickita/orderdesk/internal/order"
	"github.com/iurnickita/orderdesk/internal/payment"
	"github.com/iurnickita/orderdesk/internal/telemetry"
	"github.com/iurnickita/orderdesk/internal/webhook"
)

// Serve runs the HTTP server until ctx is done and then shuts it down
// gracefully.
func Serve(ctx context.Context, cfg config.Config, router http.Handler, zaplog *zap.Logger) error {
	srv := &http.Server{
		Addr: cfg.ServerAddr,
		Handler: otelhttp.NewHandler(router, "orderdesk",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		zaplog.Info("starting HTTP server", zap.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	zaplog.Info("shutting down HTTP server")
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}

// Services are the collaborators the router dispatches to. Metrics and
// Health are optional.
type Services struct {
	Auth          auth.Auth
	Orders        order.Service
	Subscriptions payment.SubscriptionReconciler
	Webhooks      *webhook.Handler
	Scheduler     *alert.Scheduler
	Board         *feed.Board
	Metrics       http.Handler
	Health        func(ctx context.Context) error
}

type handler struct {
	Services
	zaplog *zap.Logger
	now    func() time.Time
}

func NewRouter(services Services, zaplog *zap.Logger) http.Handler {
	h := &handler{Services: services, zaplog: zaplog, now: time.Now}
	return h.newRouter()
}

func (h *handler) newRouter() *http.ServeMux {
	route := func(next http.HandlerFunc) http.Handler {
		return telemetry.WithHTTPRoute(logger.RequestLogMdlw(next, h.zaplog))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/orders", route(h.Auth.Middleware(h.PostOrder)))
	mux.Handle("GET /api/orders", route(h.Auth.Middleware(h.GetOrders)))
	mux.Handle("GET /api/orders/{id}", route(h.Auth.Middleware(h.GetOrder)))
	mux.Handle("PATCH /api/orders/{id}/status", route(h.Auth.Middleware(h.PatchOrderStatus)))
	mux.Handle("POST /api/orders/{id}/cancel", route(h.Auth.Middleware(h.PostOrderCancel)))
	mux.Handle("POST /api/orders/{id}/snooze", route(h.Auth.Middleware(h.PostOrderSnooze)))
	mux.Handle("GET /api/alerts/stream", route(h.Auth.Middleware(h.GetAlertStream)))

	mux.Handle("POST /api/subscriptions/checkout", route(h.Auth.Middleware(h.PostSubscriptionCheckout)))

	mux.Handle("GET /api/kitchen/{slug}/rate-limit", route(h.Auth.RateLimit))
	mux.Handle("POST /api/kitchen/{slug}/unlock", route(h.Auth.Unlock))
	mux.Handle("POST /api/kitchen/logout", route(h.Auth.Logout))
	mux.Handle("GET /api/kitchen/orders", route(h.Auth.KitchenMiddleware(h.GetKitchenOrders)))

	mux.Handle("POST /webhooks/payments", route(h.Webhooks.PaymentNotification))
	mux.Handle("POST /webhooks/subscriptions", route(h.Webhooks.SubscriptionNotification))

	mux.HandleFunc("GET /healthz", h.GetHealth)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	return mux
}

// orderView is an order with its alert state for the requesting surface.
type orderView struct {
	model.Order
	Alert alert.State `json:"alert"`
}

func (h *handler) view(o model.Order, surface alert.Surface, now time.Time) orderView {
	return orderView{
		Order: o,
		Alert: alert.EvaluateOrder(o, h.Scheduler.Thresholds().For(surface), now),
	}
}

func (h *handler) PostOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req order.NewOrder
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := h.Orders.Create(r.Context(), id.TenantID, req)
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(created, id.Surface, h.now()))
}

func (h *handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	h.writeOrderList(w, r, id, r.URL.Query().Get("active") == "true")
}

func (h *handler) GetKitchenOrders(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	h.writeOrderList(w, r, id, true)
}

func (h *handler) writeOrderList(w http.ResponseWriter, r *http.Request, id auth.Identity, activeOnly bool) {
	orders, err := h.Orders.List(r.Context(), id.TenantID, activeOnly)
	if err != nil {
		h.writeOrderError(w, err)
		return
	}

	now := h.now()
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, h.view(o, id.Surface, now))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	o, err := h.Orders.Get(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(o, id.Surface, h.now()))
}

type statusRequest struct {
	Status model.OrderStatus `json:"status"`
}

func (h *handler) PatchOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	o, err := h.Orders.UpdateStatus(r.Context(), id.TenantID, r.PathValue("id"), req.Status)
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(o, id.Surface, h.now()))
}

func (h *handler) PostOrderCancel(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	o, err := h.Orders.Cancel(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(o, id.Surface, h.now()))
}

type snoozeRequest struct {
	Minutes int `json:"minutes"`
}

func (h *handler) PostOrderSnooze(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req snoozeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	o, err := h.Orders.Snooze(r.Context(), id.TenantID, r.PathValue("id"), req.Minutes)
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(o, id.Surface, h.now()))
}

type checkoutRequest struct {
	PlanType model.PlanType `json:"plan_type"`
}

type checkoutResponse struct {
	ExternalReference string `json:"external_reference"`
	PreferenceID      string `json:"preference_id"`
	InitPoint         string `json:"init_point"`
}

func (h *handler) PostSubscriptionCheckout(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	// Подпиской управляет только персонал
	if id.Surface != alert.SurfaceOrders {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, pref, err := h.Subscriptions.Checkout(r.Context(), id.TenantID, req.PlanType)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrUnknownPlan):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, payment.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			h.zaplog.Error("subscription checkout failed", zap.String("tenant_id", id.TenantID), zap.Error(err))
			http.Error(w, "checkout failed", http.StatusBadGateway)
		}
		return
	}
	writeJSON(w, http.StatusCreated, checkoutResponse{
		ExternalReference: p.ExternalReference,
		PreferenceID:      pref.ID,
		InitPoint:         pref.InitPoint,
	})
}

func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, order.ErrInsufficientData),
		errors.Is(err, order.ErrInvalidItem),
		errors.Is(err, order.ErrInvalidStatus),
		errors.Is(err, order.ErrInvalidSnooze):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, order.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, order.ErrTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, order.ErrTenantNotAllowed):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		h.zaplog.Error("order request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
