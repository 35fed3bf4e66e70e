// Package alert computes how long an order has been sitting in its current
// status and whether a display surface should interrupt staff about it.
package alert

import (
	"fmt"
	"time"

	"github.com/iurnickita/orderdesk/internal/alert/config"
	"github.com/iurnickita/orderdesk/internal/model"
)

// Surface is a place orders are displayed on. Each surface has its own
// alert threshold.
type Surface string

const (
	SurfaceOrders  Surface = "orders"
	SurfaceKitchen Surface = "kitchen"
)

const (
	GeneralThreshold = 180 * time.Second
	KitchenThreshold = 600 * time.Second
)

// SnoozeOptions are the snooze durations, in minutes, offered while alerting.
var SnoozeOptions = []int{3, 5}

type State struct {
	ElapsedSeconds int64  `json:"elapsed_seconds"`
	Elapsed        string `json:"elapsed"`
	Active         bool   `json:"active"`
	Snoozed        bool   `json:"snoozed"`
	Alert          bool   `json:"alert"`
	SnoozeOptions  []int  `json:"snooze_options,omitempty"`
}

// Evaluate is a pure function of its inputs. Elapsed time is floored to
// whole seconds and never negative.
func Evaluate(status model.OrderStatus, changedAt time.Time, snoozedUntil *time.Time, threshold time.Duration, now time.Time) State {
	elapsed := int64(now.Sub(changedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}

	st := State{
		ElapsedSeconds: elapsed,
		Elapsed:        FormatElapsed(elapsed),
		Active:         !status.Terminal(),
		Snoozed:        snoozedUntil != nil && now.Before(*snoozedUntil),
	}
	st.Alert = st.Active && elapsed >= int64(threshold/time.Second) && !st.Snoozed
	if st.Alert {
		st.SnoozeOptions = SnoozeOptions
	}
	return st
}

func EvaluateOrder(order model.Order, threshold time.Duration, now time.Time) State {
	return Evaluate(order.Status, order.StatusChangedAt, order.SnoozedUntil, threshold, now)
}

// FormatElapsed renders seconds as minutes:seconds, e.g. 3:07.
func FormatElapsed(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

type Thresholds struct {
	General time.Duration
	Kitchen time.Duration
}

func NewThresholds(cfg config.Config) Thresholds {
	t := Thresholds{General: cfg.GeneralThreshold, Kitchen: cfg.KitchenThreshold}
	if t.General <= 0 {
		t.General = GeneralThreshold
	}
	if t.Kitchen <= 0 {
		t.Kitchen = KitchenThreshold
	}
	return t
}

func (t Thresholds) For(surface Surface) time.Duration {
	if surface == SurfaceKitchen {
		return t.Kitchen
	}
	return t.General
}
