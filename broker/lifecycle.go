package broker

import (
	"log/slog"
	"time"
)

// drainPollInterval is how often the drain loop re-checks queue depths
// while waiting for pending deliveries to flush.
const drainPollInterval = 50 * time.Millisecond

// GoingAwayCode is the transport close code used when graceful shutdown
// force-closes a session.
const GoingAwayCode = 1001

// BeginShutdown flips the shutdown flag and returns immediately; the drain
// runs in the background. New create/publish/subscribe admissions are
// rejected from this point on. Calling it a second time returns
// ErrShuttingDown.
//
// budget bounds the drain; non-positive values select the configured
// ShutdownTimeout.
func (b *Broker) BeginShutdown(budget time.Duration) error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return ErrShuttingDown
	}
	if budget <= 0 {
		budget = b.cfg.ShutdownTimeout
	}

	go b.drain(budget)
	return nil
}

// Done is closed once shutdown has fully completed: queues drained or budget
// spent, all sessions closed, topic storage released.
func (b *Broker) Done() <-chan struct{} { return b.done }

// drain implements the graceful shutdown procedure: notify every session,
// wait until all subscriber queues are empty or the budget expires, then
// force the sessions closed and release topic storage. A failing session
// transport is logged and skipped; it never delays the others.
func (b *Broker) drain(budget time.Duration) {
	defer close(b.done)

	b.log.Info("graceful shutdown started", slog.Duration("budget", budget))

	sessions := b.sessionSnapshot()
	for _, s := range sessions {
		s.BeginDrain()
		if err := s.SendInfo("server shutting down", ""); err != nil {
			b.log.Warn("shutdown notice failed",
				slog.String("session_id", s.ID()),
				slog.Any("error", err))
		}
	}

	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		if b.queuesEmpty() {
			break
		}
		time.Sleep(drainPollInterval)
	}

	for _, s := range b.sessionSnapshot() {
		s.Close(GoingAwayCode)
	}

	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[string]*Topic)
	b.mu.Unlock()

	for _, t := range topics {
		detached := t.detachAll(CloseShutdown)
		b.subscribers.Add(int64(-len(detached)))
	}

	b.log.Info("graceful shutdown complete", slog.Int("sessions_closed", len(sessions)))
}

// queuesEmpty reports whether every subscriber queue on every topic has
// drained.
func (b *Broker) queuesEmpty() bool {
	b.mu.RLock()
	topics := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	for _, t := range topics {
		for _, q := range t.queues() {
			if q.Len() > 0 {
				return false
			}
		}
	}
	return true
}
