package pending

import (
	"log/slog"
	"time"

	"github.com/USA-RedDragon/rpc-gateway/internal/apimodels"
)

// Watchdog periodically evicts pending calls older than the request timeout
// and fails them with Timedout. It runs between gateway connect and
// disconnect; cancellation is cooperative between ticks.
type Watchdog struct {
	registry *Registry
	cycle    time.Duration
	timeout  time.Duration
	onEvict  func(count int)

	stop chan struct{}
	done chan struct{}
}

func NewWatchdog(registry *Registry, cycle, timeout time.Duration, onEvict func(count int)) *Watchdog {
	return &Watchdog{
		registry: registry,
		cycle:    cycle,
		timeout:  timeout,
		onEvict:  onEvict,
	}
}

func (w *Watchdog) Start() {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run()
}

// Stop cancels the loop and waits for it to exit. Safe to call when never
// started.
func (w *Watchdog) Stop() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
	w.stop = nil
}

func (w *Watchdog) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.cycle)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			outdated := w.registry.EvictOlderThan(w.timeout)
			for _, call := range outdated {
				slog.Warn("Watchdog: request timed out", "id", call.ID)
				call.Fail(apimodels.ErrTimedout)
			}
			if len(outdated) > 0 && w.onEvict != nil {
				w.onEvict(len(outdated))
			}
		}
	}
}
