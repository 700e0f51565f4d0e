package alerting

import (
	"context"
	"sync"
	"time"
)

// Throttled forwards at most one notification per cooldown and folds the rest
// into the next delivered notification's Suppressed count.
type Throttled struct {
	next     Notifier
	cooldown time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastSent   time.Time
	suppressed int
}

// NewThrottled wraps next with a cooldown. A non-positive cooldown disables throttling.
func NewThrottled(next Notifier, cooldown time.Duration) *Throttled {
	return &Throttled{next: next, cooldown: cooldown, now: time.Now}
}

// Notify delivers note unless a notification went out within the cooldown.
func (t *Throttled) Notify(ctx context.Context, note Notification) error {
	t.mu.Lock()
	now := t.now()
	if t.cooldown > 0 && !t.lastSent.IsZero() && now.Sub(t.lastSent) < t.cooldown {
		t.suppressed++
		t.mu.Unlock()
		return nil
	}
	note.Suppressed += t.suppressed
	t.suppressed = 0
	t.lastSent = now
	t.mu.Unlock()

	return t.next.Notify(ctx, note)
}

var _ Notifier = (*Throttled)(nil)
