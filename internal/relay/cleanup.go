package relay

import (
	"context"
	"time"

	"github.com/postalsys/toss/internal/recovery"
)

const cleanupInterval = time.Hour

// runCleanup periodically purges queued messages older than
// cfg.QueueRetention and pairing sessions past their expiry, per spec
// §4.5's cleanup-tasks paragraph. It blocks until ctx is canceled.
func (s *Server) runCleanup(ctx context.Context) {
	defer recovery.RecoverWithLog(s.logger, "relay-cleanup")

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanupOnce()
		}
	}
}

func (s *Server) runCleanupOnce() {
	retention := s.cfg.QueueRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if err := s.store.purgeQueueOlderThan(time.Now().Add(-retention)); err != nil {
		s.logger.Warn("purge stale queued messages failed", "error", err)
	}
	if err := s.store.purgeExpiredPairingSessions(time.Now()); err != nil {
		s.logger.Warn("purge expired pairing sessions failed", "error", err)
	}
}
