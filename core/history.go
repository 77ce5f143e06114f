package core

import (
	"strings"

	"pkt.systems/cellstate/schema"
)

// inputHistory is a bounded log of submitted inputs with a recall cursor.
// The cursor equals len(entries) when it sits past the newest entry; the text
// being typed at that moment is kept in live so it can be recalled by moving
// back down.
type inputHistory struct {
	entries []schema.HistoryEntry
	max     int
	cursor  int
	live    string
}

func newInputHistory(max int) *inputHistory {
	if max <= 0 {
		max = schema.DefaultHistoryMax
	}
	return &inputHistory{max: max}
}

func newInputHistoryFromPersisted(max int, entries []schema.HistoryEntry) *inputHistory {
	h := newInputHistory(max)
	if len(entries) == 0 {
		return h
	}
	if len(entries) > h.max {
		entries = entries[len(entries)-h.max:]
	}
	h.entries = append([]schema.HistoryEntry(nil), entries...)
	h.cursor = len(h.entries)
	return h
}

// Add appends an entry and resets the cursor past the end.
func (h *inputHistory) Add(text string, dirty bool) bool {
	if h == nil {
		return false
	}
	h.cursor = len(h.entries)
	h.live = ""
	if strings.TrimSpace(text) == "" {
		return false
	}
	if len(h.entries) > 0 && h.entries[len(h.entries)-1].Text == text {
		return false
	}
	h.entries = append(h.entries, schema.HistoryEntry{Text: text, Dirty: dirty})
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
	h.cursor = len(h.entries)
	return true
}

// CompleteUp returns the previous entry. At the oldest entry it keeps
// returning the oldest entry.
func (h *inputHistory) CompleteUp(current string) string {
	if h == nil || len(h.entries) == 0 {
		return current
	}
	if h.cursor >= len(h.entries) {
		h.cursor = len(h.entries)
		h.live = current
	}
	if h.cursor > 0 {
		h.cursor--
	}
	return h.entries[h.cursor].Text
}

// CompleteDown returns the next entry, then the live text once the cursor
// moves past the newest entry. With nothing further it returns current.
func (h *inputHistory) CompleteDown(current string) string {
	if h == nil || h.cursor >= len(h.entries) {
		return current
	}
	h.cursor++
	if h.cursor == len(h.entries) {
		return h.live
	}
	return h.entries[h.cursor].Text
}

func (h *inputHistory) Entries() []schema.HistoryEntry {
	if h == nil {
		return nil
	}
	return append([]schema.HistoryEntry(nil), h.entries...)
}

func (h *inputHistory) Len() int {
	if h == nil {
		return 0
	}
	return len(h.entries)
}
