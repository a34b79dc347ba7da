// Package idlewatchdog implements the one-shot arm/disarm timer of spec
// §4.5: rearm cancels any prior timer and schedules a callback to fire once
// after timeout seconds; disarm cancels without firing.
package idlewatchdog

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watchdog is a single one-shot timer. Safe for concurrent use; Rearm and
// Disarm serialize against each other. The firing callback runs on the
// timer's goroutine without holding the watchdog's lock, so a Disarm that
// races an expiring timer can return while the callback is still running.
type Watchdog struct {
	mu     sync.Mutex
	timer  *time.Timer
	logger *zap.Logger
	name   string
}

// New creates a disarmed watchdog. name is used only for logging.
func New(name string, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		logger: logger.With(zap.String("component", "idle-watchdog"), zap.String("watchdog", name)),
		name:   name,
	}
}

// Rearm cancels any prior timer and schedules callback to fire once after
// timeout. A timeout <= 0 is a no-op (effectively infinite — "never
// expire"), per spec §4.5. callback runs on its own goroutine; callers that
// need serialization with their own lock must take it inside callback.
func (w *Watchdog) Rearm(timeout time.Duration, callback func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}

	if timeout <= 0 {
		w.logger.Debug("Rearm with non-positive timeout is a no-op")
		return
	}

	w.logger.Debug("Watchdog armed", zap.Duration("timeout", timeout))
	w.timer = time.AfterFunc(timeout, func() {
		w.logger.Info("Watchdog fired", zap.Duration("timeout", timeout))
		callback()
	})
}

// Disarm cancels any scheduled callback without firing it. Idempotent.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
