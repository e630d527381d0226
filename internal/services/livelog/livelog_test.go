package livelog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntriesAreOldestFirst(t *testing.T) {
	l := New(3)
	l.now = func() time.Time { return time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC) }

	l.Add(LevelInfo, "first")
	l.Add(LevelError, "second %d", 2)

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Msg)
	assert.Equal(t, "second 2", entries[1].Msg)
	assert.Equal(t, LevelError, entries[1].Level)
	assert.Equal(t, "2025-03-14T12:00:00Z", entries[0].Time)
}

func TestFeedIsBounded(t *testing.T) {
	l := New(DefaultSize)
	for i := range DefaultSize + 7 {
		l.Add(LevelInfo, "entry %d", i)
	}

	entries := l.Entries()
	require.Len(t, entries, DefaultSize)
	assert.Equal(t, "entry 7", entries[0].Msg)
	assert.Equal(t, fmt.Sprintf("entry %d", DefaultSize+6), entries[DefaultSize-1].Msg)
}

func TestEntriesReturnsCopy(t *testing.T) {
	l := New(2)
	l.Add(LevelInfo, "a")

	entries := l.Entries()
	entries[0].Msg = "changed"
	assert.Equal(t, "a", l.Entries()[0].Msg)
}
