// Package transcript holds the durable record of a transcription session:
// an append-only list of finalized entries plus the transient interim slots
// that incremental recognition results revise in place.
package transcript

import (
	"fmt"
	"strings"
	"sync"
)

// Entry is one finalized transcript segment. Immutable once appended.
type Entry struct {
	Text        string
	Start       float64
	End         float64
	Timestamp   string
	Translation string
}

// Ledger reconciles interim and final recognition results. Interim updates
// replace the slot for their utterance (keyed by start offset) and are never
// appended; only finals create entries. The entry list is append-only.
//
// The ledger is mutated by a single writer (the engine's dispatch loop);
// readers take point-in-time copies under a short critical section.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
	interim map[float64]string
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		interim: make(map[float64]string),
	}
}

// Apply reconciles one transcript update. It returns the appended entry when
// the update finalized a segment, or nil for interim revisions and dropped
// updates. Empty or whitespace-only text is a no-op regardless of finality.
func (l *Ledger) Apply(text string, isFinal bool, start, end float64, translation string) *Entry {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !isFinal {
		l.interim[start] = text
		return nil
	}

	// Finals are authoritative: append even when no interim was ever seen
	// for this key (network reordering).
	entry := Entry{
		Text:        text,
		Start:       start,
		End:         end,
		Timestamp:   FormatTimestamp(start),
		Translation: translation,
	}
	l.entries = append(l.entries, entry)
	delete(l.interim, start)

	return &entry
}

// Entries returns a point-in-time copy of all finalized entries.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := make([]Entry, len(l.entries))
	copy(snapshot, l.entries)
	return snapshot
}

// Len returns the number of finalized entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Interim returns the current interim text for an utterance key.
func (l *Ledger) Interim(start float64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	text, ok := l.interim[start]
	return text, ok
}

// InterimCount returns the number of open interim slots.
func (l *Ledger) InterimCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.interim)
}

// FormatTimestamp renders an offset in seconds as MM:SS.
func FormatTimestamp(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
