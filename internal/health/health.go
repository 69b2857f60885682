package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/minerhive/minerhive/internal/poller"
	"github.com/minerhive/minerhive/internal/scheduler"
)

// Health serves the last fleet update and the scheduler's job records on
// /health.
type Health struct {
	Poller    *poller.Poller
	Scheduler *scheduler.Scheduler
	logger    *slog.Logger
	update    poller.Update
	updated   bool
	lock      sync.RWMutex
}

func New(p *poller.Poller, s *scheduler.Scheduler, logger *slog.Logger) *Health {
	return &Health{
		Poller:    p,
		Scheduler: s,
		logger:    logger,
	}
}

func (h *Health) Run(ctx context.Context) error {
	h.logger.Debug("started")
	defer h.logger.Debug("stopped")

	ch := h.Poller.Subscribe()
	defer h.Poller.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update := <-ch:
			h.lock.Lock()
			h.update = update
			h.updated = true
			h.lock.Unlock()
		}
	}
}

func (h *Health) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	if !h.updated {
		http.Error(w, "no update yet", http.StatusServiceUnavailable)
		h.Scheduler.RunNow("poller")
		return
	}

	response := struct {
		Update poller.Update         `json:"update"`
		Jobs   []scheduler.JobStatus `json:"jobs"`
	}{
		Update: h.update,
		Jobs:   h.Scheduler.Status(),
	}

	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
