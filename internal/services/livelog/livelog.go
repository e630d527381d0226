package livelog

import (
	"fmt"
	"sync"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// DefaultSize is the number of entries kept by the dashboard feed.
const DefaultSize = 50

// Levels used by the dashboard to color entries.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Log is a bounded, oldest-first feed of proxy decisions. Every entry is also
// echoed to fiberlog.
type Log struct {
	mu      sync.Mutex
	entries []models.LogEntry
	next    int
	full    bool
	now     func() time.Time
}

// New creates a feed holding at most size entries.
func New(size int) *Log {
	if size <= 0 {
		size = DefaultSize
	}
	return &Log{
		entries: make([]models.LogEntry, size),
		now:     time.Now,
	}
}

// Add appends an entry, evicting the oldest once the feed is full.
func (l *Log) Add(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	switch level {
	case LevelError:
		fiberlog.Error(msg)
	case LevelWarning:
		fiberlog.Warn(msg)
	default:
		fiberlog.Info(msg)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = models.LogEntry{
		Time:  l.now().UTC().Format(time.RFC3339),
		Msg:   msg,
		Level: level,
	}
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Entries returns a copy of the feed, oldest first.
func (l *Log) Entries() []models.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		return append([]models.LogEntry(nil), l.entries[:l.next]...)
	}
	out := make([]models.LogEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}
