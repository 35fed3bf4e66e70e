package alert

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/orderdesk/internal/alert/config"
	"github.com/iurnickita/orderdesk/internal/model"
)

// Source returns the latest known snapshot of an order.
type Source interface {
	Get(tenantID string, orderID string) (model.Order, bool)
}

type Event struct {
	Surface  Surface   `json:"surface"`
	TenantID string    `json:"tenant_id"`
	OrderID  string    `json:"order_id"`
	Status   string    `json:"status"`
	State    State     `json:"state"`
	Changed  bool      `json:"changed"`
	At       time.Time `json:"at"`
}

type displayKey struct {
	surface  Surface
	tenantID string
	orderID  string
}

type displayEntry struct {
	refs      int
	seen      bool
	lastAlert bool
}

type subscriber struct {
	surface  Surface
	tenantID string
	ch       chan Event
}

// Scheduler drives alert evaluation for every displayed order from a single
// ticker. Orders are registered with Display and stay in the arena until
// every holder has released them.
type Scheduler struct {
	source     Source
	thresholds Thresholds
	interval   time.Duration
	now        func() time.Time
	zaplog     *zap.Logger

	mu        sync.Mutex
	displayed map[displayKey]*displayEntry
	subs      map[*subscriber]struct{}
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

func NewScheduler(cfg config.Config, source Source, zaplog *zap.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		source:     source,
		thresholds: NewThresholds(cfg),
		interval:   cfg.TickInterval,
		now:        time.Now,
		zaplog:     zaplog,
		displayed:  map[displayKey]*displayEntry{},
		subs:       map[*subscriber]struct{}{},
	}
	if s.interval <= 0 {
		s.interval = time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Thresholds() Thresholds {
	return s.thresholds
}

// Display registers an order as shown on surface. The returned release
// func is safe to call more than once.
func (s *Scheduler) Display(surface Surface, tenantID string, orderID string) func() {
	k := displayKey{surface: surface, tenantID: tenantID, orderID: orderID}

	s.mu.Lock()
	e, ok := s.displayed[k]
	if !ok {
		e = &displayEntry{}
		s.displayed[k] = e
	}
	e.refs++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if e, ok := s.displayed[k]; ok {
				e.refs--
				if e.refs <= 0 {
					delete(s.displayed, k)
				}
			}
		})
	}
}

// Displayed returns the number of distinct displayed orders.
func (s *Scheduler) Displayed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.displayed)
}

// Subscribe delivers the events of one tenant on one surface. Slow
// subscribers miss ticks rather than block the scheduler.
func (s *Scheduler) Subscribe(surface Surface, tenantID string, buffer int) (<-chan Event, func()) {
	sub := &subscriber{surface: surface, tenantID: tenantID, ch: make(chan Event, buffer)}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub)
			close(sub.ch)
			s.mu.Unlock()
		})
	}
}

// Run ticks until ctx is done. The ticker is stopped on return.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Tick evaluates every displayed order at now and publishes the results.
func (s *Scheduler) Tick(now time.Time) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]Event, 0, len(s.displayed))
	for k, e := range s.displayed {
		order, ok := s.source.Get(k.tenantID, k.orderID)
		if !ok {
			continue
		}
		st := EvaluateOrder(order, s.thresholds.For(k.surface), now)
		changed := !e.seen || e.lastAlert != st.Alert
		e.seen = true
		e.lastAlert = st.Alert

		ev := Event{
			Surface:  k.surface,
			TenantID: k.tenantID,
			OrderID:  k.orderID,
			Status:   string(order.Status),
			State:    st,
			Changed:  changed,
			At:       now,
		}
		if changed && st.Alert {
			s.zaplog.Debug("order alert raised",
				zap.String("surface", string(k.surface)),
				zap.String("tenant_id", k.tenantID),
				zap.String("order_id", k.orderID),
				zap.Int64("elapsed_seconds", st.ElapsedSeconds))
		}
		events = append(events, ev)

		for sub := range s.subs {
			if sub.surface != k.surface || sub.tenantID != k.tenantID {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	return events
}

// View tracks the set of orders one client currently shows. It is not safe
// for concurrent use.
type View struct {
	scheduler *Scheduler
	surface   Surface
	tenantID  string
	releases  map[string]func()
}

func (s *Scheduler) NewView(surface Surface, tenantID string) *View {
	return &View{
		scheduler: s,
		surface:   surface,
		tenantID:  tenantID,
		releases:  map[string]func(){},
	}
}

// Sync displays orderIDs and releases everything else held by the view.
func (v *View) Sync(orderIDs []string) {
	keep := make(map[string]struct{}, len(orderIDs))
	for _, id := range orderIDs {
		keep[id] = struct{}{}
		if _, ok := v.releases[id]; !ok {
			v.releases[id] = v.scheduler.Display(v.surface, v.tenantID, id)
		}
	}
	for id, release := range v.releases {
		if _, ok := keep[id]; !ok {
			release()
			delete(v.releases, id)
		}
	}
}

func (v *View) Close() {
	v.Sync(nil)
}
