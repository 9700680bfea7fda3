// Package store persists a session transcript to a markdown file under the
// sessions directory, supporting append-mode checkpoints that never
// duplicate already-written entries.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sp34kn0w/sp34kn0w/internal/latency"
	"github.com/sp34kn0w/sp34kn0w/internal/transcript"
)

// Meta is the session header information written once at file creation.
type Meta struct {
	Language       string
	Model          string
	DeviceName     string
	Translate      bool
	ShowTimestamps bool
}

// File writes one session document. It tracks how many entries have been
// flushed so checkpoint and final writes are idempotent with respect to
// already-written entries.
type File struct {
	mu      sync.Mutex
	path    string
	name    string
	meta    Meta
	logger  *slog.Logger
	mirror  *RedisMirror
	written int
	created bool
}

// NewFile prepares a session file under outputDir. Nothing is written until
// the first checkpoint or the final save.
func NewFile(outputDir, sessionName string, meta Meta, logger *slog.Logger) (*File, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	return &File{
		path:   filepath.Join(outputDir, sessionName+".md"),
		name:   sessionName,
		meta:   meta,
		logger: logger,
	}, nil
}

// SetMirror attaches an optional live transcript mirror. Mirror failures are
// logged and never fail a save.
func (f *File) SetMirror(m *RedisMirror) {
	f.mirror = m
}

// Path returns the session file location.
func (f *File) Path() string {
	return f.path
}

// Checkpoint appends a crash-safety snapshot: a saved-at marker followed by
// every entry not yet flushed. Entries written by earlier checkpoints are
// never repeated.
func (f *File) Checkpoint(entries []transcript.Entry, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(entries) <= f.written {
		return nil
	}

	var b strings.Builder
	if err := f.ensureHeader(&b, at); err != nil {
		return err
	}
	fmt.Fprintf(&b, "\n--- Saved at %s ---\n\n", at.Format("2006-01-02 15:04:05"))
	f.writeEntries(&b, entries[f.written:])

	if err := f.append(b.String()); err != nil {
		return err
	}

	f.mirrorEntries(entries[f.written:])
	f.written = len(entries)

	f.logger.Info("Transcript snapshot saved",
		slog.String("path", f.path),
		slog.Int("entries", f.written),
	)
	return nil
}

// Finalize writes the remaining entries and the latency summary. A session
// that produced no entries and no checkpoints leaves no file behind.
func (f *File) Finalize(entries []transcript.Entry, summary *latency.Summary, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(entries) == 0 && !f.created {
		f.logger.Warn("No transcript data to save", slog.String("session", f.name))
		return nil
	}

	var b strings.Builder
	if err := f.ensureHeader(&b, at); err != nil {
		return err
	}
	f.writeEntries(&b, entries[f.written:])

	if summary != nil {
		b.WriteString("## Latency Statistics\n\n")
		fmt.Fprintf(&b, "- **Average:** %.3f seconds\n", summary.Mean)
		fmt.Fprintf(&b, "- **Minimum:** %.3f seconds\n", summary.Min)
		fmt.Fprintf(&b, "- **Maximum:** %.3f seconds\n", summary.Max)
	}

	if err := f.append(b.String()); err != nil {
		return err
	}

	f.mirrorEntries(entries[f.written:])
	f.written = len(entries)

	f.logger.Info("Transcript saved",
		slog.String("path", f.path),
		slog.Int("entries", f.written),
	)
	return nil
}

// ensureHeader buffers the document header on the first write.
func (f *File) ensureHeader(b *strings.Builder, at time.Time) error {
	if f.created {
		return nil
	}

	translation := "Disabled"
	if f.meta.Translate {
		translation = "Enabled"
	}

	fmt.Fprintf(b, "# Transcription Session: %s\n\n", f.name)
	fmt.Fprintf(b, "- **Date:** %s\n", at.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(b, "- **Language:** %s\n", f.meta.Language)
	fmt.Fprintf(b, "- **Model:** %s\n", f.meta.Model)
	fmt.Fprintf(b, "- **Microphone:** %s\n", f.meta.DeviceName)
	fmt.Fprintf(b, "- **Translation:** %s\n\n", translation)
	b.WriteString("## Transcript\n\n")

	return nil
}

// writeEntries buffers formatted transcript entries.
func (f *File) writeEntries(b *strings.Builder, entries []transcript.Entry) {
	for _, e := range entries {
		if f.meta.ShowTimestamps {
			fmt.Fprintf(b, "**[%s]** %s\n\n", e.Timestamp, e.Text)
		} else {
			fmt.Fprintf(b, "%s\n\n", e.Text)
		}
		if e.Translation != "" {
			fmt.Fprintf(b, "*Translation: %s*\n\n", e.Translation)
		}
	}
}

// append writes buffered text to the file, creating it if needed.
func (f *File) append(text string) error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open session file %s: %w", f.path, err)
	}
	defer file.Close()

	if _, err := file.WriteString(text); err != nil {
		return fmt.Errorf("failed to write session file %s: %w", f.path, err)
	}

	f.created = true
	return nil
}

// mirrorEntries forwards newly flushed entries to the live mirror, if any.
func (f *File) mirrorEntries(entries []transcript.Entry) {
	if f.mirror == nil || len(entries) == 0 {
		return
	}

	if err := f.mirror.Append(entries); err != nil {
		f.logger.Warn("Live transcript mirror failed",
			slog.String("error", err.Error()),
		)
	}
}

// ListSessions returns the saved session file names under outputDir, sorted
// by the directory listing order.
func ListSessions(outputDir string) ([]string, error) {
	dirEntries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []string
	for _, e := range dirEntries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			sessions = append(sessions, e.Name())
		}
	}
	return sessions, nil
}
