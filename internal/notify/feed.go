package notify

import (
	"context"
	"sync"

	"oncoflow/internal/domain"
)

const defaultFeedSize = 1000

// Feed keeps the most recent events in a ring buffer for pull consumers.
// Every delivered event gets a feed sequence number; readers page with the
// last sequence they saw.
type Feed struct {
	mu   sync.RWMutex
	buf  []domain.NotificationEvent
	next int
	full bool
	seq  int64
}

func NewFeed(size int) *Feed {
	if size <= 0 {
		size = defaultFeedSize
	}
	return &Feed{buf: make([]domain.NotificationEvent, size)}
}

func (*Feed) Name() string { return "feed" }

func (f *Feed) Deliver(_ context.Context, evt domain.NotificationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	evt.Seq = f.seq
	f.buf[f.next] = evt
	f.next = (f.next + 1) % len(f.buf)
	if f.next == 0 {
		f.full = true
	}
	return nil
}

// Since returns up to limit events with a sequence greater than cursor, oldest
// first, and the cursor to use for the next call. Events that fell out of the
// buffer are skipped silently. role, when set, keeps only events targeting it.
func (f *Feed) Since(cursor int64, limit int, role domain.Role) ([]domain.NotificationEvent, int64) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ordered := f.buf[:f.next]
	if f.full {
		ordered = append(append([]domain.NotificationEvent{}, f.buf[f.next:]...), f.buf[:f.next]...)
	}
	var out []domain.NotificationEvent
	next := cursor
	for _, evt := range ordered {
		if evt.Seq <= cursor {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		next = evt.Seq
		if role != "" && !targets(evt, role) {
			continue
		}
		out = append(out, evt)
	}
	return out, next
}

// Latest returns the sequence of the newest event.
func (f *Feed) Latest() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.seq
}

func targets(evt domain.NotificationEvent, role domain.Role) bool {
	for _, r := range evt.TargetRoles {
		if r == role {
			return true
		}
	}
	return false
}
