// Package session implements the real-time transcription session engine:
// the state machine coordinating audio capture, the recognition stream,
// transcript reconciliation, latency measurement and pause/resume.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sp34kn0w/sp34kn0w/internal/audio"
	"github.com/sp34kn0w/sp34kn0w/internal/latency"
	"github.com/sp34kn0w/sp34kn0w/internal/metrics"
	"github.com/sp34kn0w/sp34kn0w/internal/recognition"
	"github.com/sp34kn0w/sp34kn0w/internal/transcript"
)

// Channel is the engine's view of the recognition stream.
type Channel interface {
	Open(ctx context.Context) error
	Send(frame []byte) error
	Events() <-chan recognition.Event
	Close() error
}

// Source is one acquired capture handle.
type Source interface {
	Read() (audio.Frame, error)
	FrameDuration() float64
	Close() error
}

// SourceOpener acquires the capture device. It is called when streaming
// begins and again on every resume: the handle is closed on pause, never
// kept half-open.
type SourceOpener func() (Source, error)

// Store persists the transcript ledger.
type Store interface {
	Checkpoint(entries []transcript.Entry, at time.Time) error
	Finalize(entries []transcript.Entry, summary *latency.Summary, at time.Time) error
}

// UI is the display boundary. The engine makes no assumption about
// rendering; implementations must tolerate calls from engine goroutines.
type UI interface {
	Message(text string)
	Error(text string)
	Transcript(timestamp, text string, isFinal bool, translation string)
	Latency(current, rollingAvg float64)
}

// Config is the immutable per-session configuration.
type Config struct {
	Name       string
	Language   string
	Model      string
	Translate  bool
	DeviceName string
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Channel    Channel
	OpenSource SourceOpener
	Store      Store
	UI         UI
	Logger     *slog.Logger
	Metrics    *metrics.Session
}

// Engine drives exactly one transcription session. Three concurrent
// activities run for its lifetime: the capture-and-send loop, the event
// dispatch loop, and the external control surface (Pause/Resume/Stop).
// The ledger and tracker are mutated only by the dispatch loop.
type Engine struct {
	cfg     Config
	channel Channel
	open    SourceOpener
	store   Store
	ui      UI
	logger  *slog.Logger
	metrics *metrics.Session

	ledger  *transcript.Ledger
	tracker *latency.Tracker

	mu    sync.Mutex
	cond  *sync.Cond
	state State
	err   error

	// audioCursor advances by nominal frame duration, not wall-clock time.
	// Written only by the capture loop, read by the dispatch loop.
	cursorBits atomic.Uint64

	captureStarted  atomic.Bool
	dispatchStarted atomic.Bool
	captureDone     chan struct{}
	dispatchDone    chan struct{}

	finishOnce sync.Once
	done       chan struct{}
}

// New creates an engine in the Idle state.
func New(cfg Config, deps Deps) *Engine {
	e := &Engine{
		cfg:     cfg,
		channel: deps.Channel,
		open:    deps.OpenSource,
		store:   deps.Store,
		ui:      deps.UI,
		logger:  deps.Logger,
		metrics: deps.Metrics,

		ledger:  transcript.NewLedger(),
		tracker: latency.NewTracker(),

		state:        Idle,
		captureDone:  make(chan struct{}),
		dispatchDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start opens the recognition channel and begins the session. A connect
// failure marks the session Failed and signals completion immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != Idle {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("cannot start session in state %s", state)
	}
	e.state = Connecting
	e.mu.Unlock()

	e.logger.Info("Starting session",
		slog.String("session", e.cfg.Name),
		slog.String("language", e.cfg.Language),
		slog.String("model", e.cfg.Model),
		slog.String("device", e.cfg.DeviceName),
	)

	if err := e.channel.Open(ctx); err != nil {
		connectErr := fmt.Errorf("failed to start transcription: %w", err)
		e.fail(connectErr)
		return connectErr
	}

	// Stop may have won the race while the dial was in flight. The session
	// is already completing, so the freshly opened stream is closed here
	// rather than handed to a dispatch loop that will never start.
	e.mu.Lock()
	if e.state != Connecting {
		e.mu.Unlock()
		if err := e.channel.Close(); err != nil {
			e.logger.Warn("Error closing recognition channel", slog.String("error", err.Error()))
		}
		return nil
	}
	e.dispatchStarted.Store(true)
	e.mu.Unlock()

	go e.dispatchLoop()

	return nil
}

// Pause releases the capture device and persists a crash-safety checkpoint.
// The recognition channel stays open. No-op outside Streaming.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state != Streaming {
		e.mu.Unlock()
		return
	}
	e.state = Paused
	e.mu.Unlock()

	e.logger.Info("Session paused", slog.String("session", e.cfg.Name))
	e.ui.Message("Transcription paused")

	if err := e.store.Checkpoint(e.ledger.Entries(), time.Now()); err != nil {
		e.logger.Error("Checkpoint save failed", slog.String("error", err.Error()))
		e.ui.Error(fmt.Sprintf("Failed to save snapshot: %v", err))
	}
}

// Resume reacquires the capture device and continues streaming. The audio
// cursor is never reset. No-op outside Paused.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.state != Paused {
		e.mu.Unlock()
		return
	}
	e.state = Streaming
	e.cond.Broadcast()
	e.mu.Unlock()

	e.logger.Info("Session resumed", slog.String("session", e.cfg.Name))
	e.ui.Message("Transcription resumed")
}

// Stop ends the session from any state. It is idempotent: the save and the
// completion signal happen exactly once. Stop wins over a concurrent pause.
func (e *Engine) Stop() {
	e.mu.Lock()
	switch e.state {
	case Stopping, Completed:
		e.mu.Unlock()
		return
	case Idle:
		e.state = Stopping
		e.mu.Unlock()
		e.finish()
		return
	case Failed:
		// Failure path already shutting down.
		e.mu.Unlock()
		return
	default:
		e.state = Stopping
		e.cond.Broadcast()
		e.mu.Unlock()
	}

	e.logger.Info("Stopping session", slog.String("session", e.cfg.Name))
	go e.finish()
}

// Done is closed once the session has completed, including after failures.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the first fatal error, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// State returns the current session state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Entries returns a point-in-time copy of the finalized transcript.
func (e *Engine) Entries() []transcript.Entry {
	return e.ledger.Entries()
}

// AudioCursor returns the current audio position in seconds.
func (e *Engine) AudioCursor() float64 {
	return math.Float64frombits(e.cursorBits.Load())
}

func (e *Engine) advanceCursor(seconds float64) {
	cursor := e.AudioCursor() + seconds
	e.cursorBits.Store(math.Float64bits(cursor))
	e.metrics.AudioCursor.Set(cursor)
}

// fail records the first fatal error, marks the session Failed and runs the
// same cleanup as Stopping so whatever was captured still gets saved.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.state == Stopping || e.state == Completed || e.state == Failed {
		e.mu.Unlock()
		return
	}
	e.state = Failed
	if e.err == nil {
		e.err = err
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	e.logger.Error("Session failed",
		slog.String("session", e.cfg.Name),
		slog.String("error", err.Error()),
	)
	e.ui.Error(err.Error())

	go e.finish()
}

// finish performs the terminal cleanup exactly once: close the channel with
// its bounded wait, drain the dispatch loop, save the transcript and signal
// completion. Persistence errors are reported but never block completion.
func (e *Engine) finish() {
	e.finishOnce.Do(func() {
		if e.captureStarted.Load() {
			<-e.captureDone
		}

		if err := e.channel.Close(); err != nil {
			e.logger.Warn("Error closing recognition channel", slog.String("error", err.Error()))
		}

		if e.dispatchStarted.Load() {
			<-e.dispatchDone
		}

		// The dispatch loop has exited; the tracker and ledger are quiescent.
		var summaryPtr *latency.Summary
		if summary, ok := e.tracker.Summary(); ok {
			summaryPtr = &summary
			stats := fmt.Sprintf("Latency statistics - Avg: %.3fs, Min: %.3fs, Max: %.3fs",
				summary.Mean, summary.Min, summary.Max)
			e.logger.Info(stats)
			e.ui.Message(stats)
		}

		if err := e.store.Finalize(e.ledger.Entries(), summaryPtr, time.Now()); err != nil {
			e.logger.Error("Failed to save transcript", slog.String("error", err.Error()))
			e.ui.Error(fmt.Sprintf("Failed to save transcript: %v", err))
		}

		e.mu.Lock()
		e.state = Completed
		e.mu.Unlock()

		e.logger.Info("Session completed",
			slog.String("session", e.cfg.Name),
			slog.Int("entries", e.ledger.Len()),
			slog.Float64("audio_seconds", e.AudioCursor()),
		)

		close(e.done)
	})
}

// captureLoop pulls frames from the device and forwards them in capture
// order. While Paused it holds no device handle and performs zero work.
func (e *Engine) captureLoop() {
	defer close(e.captureDone)

	var src Source
	defer func() {
		if src != nil {
			src.Close()
		}
	}()

	for {
		switch e.State() {
		case Streaming:
			if src == nil {
				opened, err := e.open()
				if err != nil {
					e.fail(fmt.Errorf("failed to open capture device: %w", err))
					return
				}
				src = opened
			}

			frame, err := src.Read()
			if err != nil {
				e.fail(fmt.Errorf("error in audio stream: %w", err))
				return
			}
			e.metrics.FramesCaptured.Inc()

			if err := e.channel.Send(frame.Data); err != nil {
				// Transient: the frame is dropped, streaming continues.
				e.metrics.FramesDropped.Inc()
				e.logger.Warn("Dropped audio frame",
					slog.Uint64("seq", frame.Seq),
					slog.String("error", err.Error()),
				)
			} else {
				e.metrics.BytesSent.Add(float64(len(frame.Data)))
			}

			e.advanceCursor(src.FrameDuration())

		case Paused:
			if src != nil {
				if err := src.Close(); err != nil {
					e.logger.Warn("Error releasing capture device on pause", slog.String("error", err.Error()))
				}
				src = nil
				e.logger.Debug("Capture device released while paused")
			}
			e.awaitResume()

		default:
			return
		}
	}
}

// awaitResume blocks until the session leaves the Paused state.
func (e *Engine) awaitResume() {
	e.mu.Lock()
	for e.state == Paused {
		e.cond.Wait()
	}
	e.mu.Unlock()
}

// dispatchLoop drains the single ordered inbound event queue and applies
// events to the ledger, tracker and display.
func (e *Engine) dispatchLoop() {
	defer close(e.dispatchDone)

	for ev := range e.channel.Events() {
		e.metrics.EventsReceived.WithLabelValues(ev.Kind.String()).Inc()

		switch ev.Kind {
		case recognition.KindOpened:
			e.onOpened()

		case recognition.KindClosed:
			e.onClosed()

		case recognition.KindError:
			e.logger.Error("Recognition service error", slog.String("error", ev.Err.Error()))
			e.ui.Error(fmt.Sprintf("Recognition error: %v", ev.Err))

		case recognition.KindTranscript:
			e.onTranscript(ev.Update)

		case recognition.KindUtteranceEnd:
			e.ui.Message(fmt.Sprintf("[Utterance end detected at %s]", transcript.FormatTimestamp(ev.Offset)))
		}
	}
}

// onOpened transitions Connecting to Streaming and starts the capture loop.
func (e *Engine) onOpened() {
	e.mu.Lock()
	if e.state != Connecting {
		e.mu.Unlock()
		return
	}
	e.state = Streaming
	// Set under the same lock that serializes Stop, so a stop racing this
	// transition either prevents the capture loop or waits for it to drain.
	e.captureStarted.Store(true)
	e.mu.Unlock()

	e.ui.Message("Connected to recognition service")

	go e.captureLoop()
}

// onClosed treats an unexpected stream close as fatal; during Stopping it is
// the normal end of stream.
func (e *Engine) onClosed() {
	e.mu.Lock()
	unexpected := e.state == Connecting || e.state == Streaming || e.state == Paused
	e.mu.Unlock()

	if unexpected {
		e.fail(errors.New("recognition stream closed unexpectedly"))
		return
	}
	e.ui.Message("Disconnected from recognition service")
}

// onTranscript reconciles one update into the ledger and records latency
// for finals. Empty or whitespace-only text is dropped.
func (e *Engine) onTranscript(u recognition.TranscriptUpdate) {
	if strings.TrimSpace(u.Text) == "" {
		return
	}

	entry := e.ledger.Apply(u.Text, u.IsFinal, u.Start, u.End, u.Translation)
	if entry == nil {
		e.metrics.InterimResults.Inc()
		e.ui.Transcript(transcript.FormatTimestamp(u.Start), u.Text, false, u.Translation)
		return
	}

	e.metrics.FinalResults.Inc()

	sample := e.tracker.Record(entry.End, e.AudioCursor())
	e.metrics.CurrentLatency.Set(sample.Value)

	e.ui.Transcript(entry.Timestamp, entry.Text, true, entry.Translation)

	if e.tracker.ShouldReport() {
		if avg, ok := e.tracker.RollingAverage(); ok {
			e.ui.Latency(sample.Value, avg)
		}
	}
}
