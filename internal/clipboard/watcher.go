package clipboard

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPollInterval is the default change-detection interval. The
// minimum supported rate is 4 Hz (250ms); this default polls faster.
const DefaultPollInterval = 200 * time.Millisecond

// MinBroadcastInterval is the minimum spacing this core enforces
// between outgoing clipboard broadcasts, regardless of how fast the
// local clipboard changes underneath it.
const MinBroadcastInterval = 100 * time.Millisecond

// Watcher polls a Collaborator for changes and reports each distinct
// observation (by content hash) to OnChange, no more often than
// MinBroadcastInterval apart.
type Watcher struct {
	source   Collaborator
	interval time.Duration
	logger   *slog.Logger

	OnChange func(Content)

	lastHash string
	lastSent time.Time
}

// NewWatcher creates a Watcher over source, polling at interval (or
// DefaultPollInterval if interval is zero).
func NewWatcher(source Collaborator, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{source: source, interval: interval, logger: logger}
}

// Run polls until ctx is done. Call from its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	content, ok, err := w.source.Read()
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("clipboard read failed", "error", err)
		}
		return
	}
	if !ok {
		return
	}

	hash := content.Hash()
	if hash == w.lastHash {
		return
	}
	w.lastHash = hash

	if content.TooLarge() {
		if w.logger != nil {
			w.logger.Warn("clipboard content exceeds size limit, skipping", "size", content.Size())
		}
		return
	}

	if since := time.Since(w.lastSent); since < MinBroadcastInterval {
		time.Sleep(MinBroadcastInterval - since)
	}
	w.lastSent = time.Now()

	if w.OnChange != nil {
		w.OnChange(content)
	}
}

// Seen marks hash as already-observed without emitting OnChange, used
// when applying a remotely-received update to the local clipboard so
// the next poll doesn't re-broadcast it.
func (w *Watcher) Seen(hash string) {
	w.lastHash = hash
}
