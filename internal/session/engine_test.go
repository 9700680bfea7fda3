package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sp34kn0w/sp34kn0w/internal/audio"
	"github.com/sp34kn0w/sp34kn0w/internal/latency"
	"github.com/sp34kn0w/sp34kn0w/internal/metrics"
	"github.com/sp34kn0w/sp34kn0w/internal/recognition"
	"github.com/sp34kn0w/sp34kn0w/internal/transcript"
)

// mockChannel feeds scripted events to the engine.
type mockChannel struct {
	mu       sync.Mutex
	events   chan recognition.Event
	openErr  error
	openGate chan struct{}
	opened   bool
	sent     int
	sendErr  error
	closed   bool
	shutOnce sync.Once
}

func newMockChannel() *mockChannel {
	return &mockChannel{events: make(chan recognition.Event, 64)}
}

func (c *mockChannel) Open(ctx context.Context) error {
	if c.openErr != nil {
		return c.openErr
	}
	if c.openGate != nil {
		<-c.openGate
	}

	c.mu.Lock()
	c.opened = true
	alreadyClosed := c.closed
	c.mu.Unlock()

	if !alreadyClosed {
		c.events <- recognition.Event{Kind: recognition.KindOpened}
	}
	return nil
}

func (c *mockChannel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return recognition.ErrNotOpen
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent++
	return nil
}

func (c *mockChannel) emit(ev recognition.Event) {
	c.events <- ev
}

// shutdown emits the final Closed event and closes the queue, whether the
// stream ended normally or the server dropped it.
func (c *mockChannel) shutdown() {
	c.shutOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.events <- recognition.Event{Kind: recognition.KindClosed}
		close(c.events)
	})
}

func (c *mockChannel) Events() <-chan recognition.Event { return c.events }

// Close mirrors the real channel: before Open has finished it is a no-op,
// so a stream opened afterwards still needs a later Close.
func (c *mockChannel) Close() error {
	c.mu.Lock()
	opened := c.opened
	c.mu.Unlock()
	if !opened {
		return nil
	}
	c.shutdown()
	return nil
}

func (c *mockChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// mockSource produces one 2 ms frame per Read.
type mockSource struct {
	mu     sync.Mutex
	reads  int
	closed bool
}

func (s *mockSource) Read() (audio.Frame, error) {
	time.Sleep(2 * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.Frame{}, audio.ErrClosed
	}
	s.reads++
	return audio.Frame{Data: make([]byte, 2048), Seq: uint64(s.reads)}, nil
}

func (s *mockSource) FrameDuration() float64 { return 0.064 }

func (s *mockSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// mockOpener hands out fresh sources and counts acquisitions.
type mockOpener struct {
	mu      sync.Mutex
	sources []*mockSource
	openErr error
}

func (o *mockOpener) open() (Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	src := &mockSource{}
	o.sources = append(o.sources, src)
	return src, nil
}

func (o *mockOpener) opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sources)
}

func (o *mockOpener) source(i int) *mockSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sources[i]
}

// mockStore records persistence calls.
type mockStore struct {
	mu          sync.Mutex
	checkpoints [][]transcript.Entry
	finals      [][]transcript.Entry
	summaries   []*latency.Summary
}

func (s *mockStore) Checkpoint(entries []transcript.Entry, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, entries)
	return nil
}

func (s *mockStore) Finalize(entries []transcript.Entry, summary *latency.Summary, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finals = append(s.finals, entries)
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *mockStore) finalizeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finals)
}

// mockUI records display calls.
type mockUI struct {
	mu          sync.Mutex
	messages    []string
	errors      []string
	transcripts []string
}

func (u *mockUI) Message(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.messages = append(u.messages, text)
}

func (u *mockUI) Error(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errors = append(u.errors, text)
}

func (u *mockUI) Transcript(timestamp, text string, isFinal bool, translation string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.transcripts = append(u.transcripts, text)
}

func (u *mockUI) Latency(current, rollingAvg float64) {}

func (u *mockUI) errorCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.errors)
}

type fixture struct {
	engine  *Engine
	channel *mockChannel
	opener  *mockOpener
	store   *mockStore
	ui      *mockUI
}

func newFixture() *fixture {
	channel := newMockChannel()
	opener := &mockOpener{}
	store := &mockStore{}
	ui := &mockUI{}

	engine := New(Config{Name: "test", Language: "Italian", Model: "nova-2"}, Deps{
		Channel:    channel,
		OpenSource: opener.open,
		Store:      store,
		UI:         ui,
		Logger:     slog.New(slog.NewTextHandler(&strings.Builder{}, nil)),
		Metrics:    metrics.NewSession("test"),
	})

	return &fixture{engine: engine, channel: channel, opener: opener, store: store, ui: ui}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startStreaming(t *testing.T, f *fixture) {
	t.Helper()
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "streaming state", func() bool { return f.engine.State() == Streaming })
}

func awaitDone(t *testing.T, f *fixture) {
	t.Helper()
	select {
	case <-f.engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete")
	}
}

func TestConnectFailureStillSavesAndCompletes(t *testing.T) {
	f := newFixture()
	f.channel.openErr = errors.New("dial refused")

	err := f.engine.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded with a failing channel")
	}

	awaitDone(t, f)

	if f.engine.State() != Completed {
		t.Errorf("State = %v, want Completed", f.engine.State())
	}
	if f.engine.Err() == nil {
		t.Error("Err() = nil after connect failure")
	}
	if f.store.finalizeCount() != 1 {
		t.Errorf("Finalize called %d times, want 1", f.store.finalizeCount())
	}
	if len(f.store.finals[0]) != 0 {
		t.Errorf("Finalize received %d entries, want 0", len(f.store.finals[0]))
	}
	if f.ui.errorCount() == 0 {
		t.Error("connect failure was not reported to the display")
	}
	if f.opener.opens() != 0 {
		t.Error("capture device acquired despite connect failure")
	}
}

func TestStreamingSendsFramesAndAdvancesCursor(t *testing.T) {
	f := newFixture()
	startStreaming(t, f)

	waitFor(t, "frames sent", func() bool {
		f.channel.mu.Lock()
		defer f.channel.mu.Unlock()
		return f.channel.sent >= 3
	})
	if f.engine.AudioCursor() <= 0 {
		t.Error("audio cursor did not advance during streaming")
	}

	f.engine.Stop()
	awaitDone(t, f)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture()
	startStreaming(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.Stop()
		}()
	}
	wg.Wait()
	f.engine.Stop()

	awaitDone(t, f)

	if f.store.finalizeCount() != 1 {
		t.Errorf("Finalize called %d times, want exactly 1", f.store.finalizeCount())
	}
	if f.engine.State() != Completed {
		t.Errorf("State = %v, want Completed", f.engine.State())
	}
	if f.engine.Err() != nil {
		t.Errorf("Err() = %v for a clean stop", f.engine.Err())
	}
}

func TestTranscriptEventsReachLedger(t *testing.T) {
	f := newFixture()
	startStreaming(t, f)

	update := func(text string, isFinal bool, start, end float64) {
		f.channel.emit(recognition.Event{
			Kind:   recognition.KindTranscript,
			Update: recognition.TranscriptUpdate{Text: text, IsFinal: isFinal, Start: start, End: end},
		})
	}

	update("ciao", false, 2.0, 2.4)
	update("ciao come", false, 2.0, 2.9)
	update("ciao come stai", true, 2.0, 3.5)
	update("   ", true, 4.0, 4.1) // dropped

	waitFor(t, "final entry", func() bool { return len(f.engine.Entries()) == 1 })

	entries := f.engine.Entries()
	if entries[0].Text != "ciao come stai" {
		t.Errorf("entry text = %q", entries[0].Text)
	}
	if entries[0].Timestamp != "00:02" {
		t.Errorf("entry timestamp = %q, want 00:02", entries[0].Timestamp)
	}

	f.engine.Stop()
	awaitDone(t, f)

	if len(f.store.finals[0]) != 1 {
		t.Errorf("final save has %d entries, want 1", len(f.store.finals[0]))
	}
	if f.store.summaries[0] == nil {
		t.Error("final save missing latency summary despite a recorded sample")
	}
}

func TestPauseCheckpointsAndFreezesCursor(t *testing.T) {
	f := newFixture()
	startStreaming(t, f)

	f.channel.emit(recognition.Event{
		Kind:   recognition.KindTranscript,
		Update: recognition.TranscriptUpdate{Text: "prima frase", IsFinal: true, Start: 1.0, End: 2.0},
	})
	waitFor(t, "entry applied", func() bool { return f.engine.Entries() != nil && len(f.engine.Entries()) == 1 })

	f.engine.Pause()
	if f.engine.State() != Paused {
		t.Fatalf("State = %v after Pause, want Paused", f.engine.State())
	}

	// The capture loop releases the device once it observes the pause.
	waitFor(t, "device released", func() bool {
		return f.opener.opens() == 1 && f.opener.source(0).isClosed()
	})

	if len(f.store.checkpoints) != 1 {
		t.Fatalf("Checkpoint called %d times, want 1", len(f.store.checkpoints))
	}
	if len(f.store.checkpoints[0]) != 1 {
		t.Errorf("checkpoint has %d entries, want 1", len(f.store.checkpoints[0]))
	}

	frozen := f.engine.AudioCursor()
	time.Sleep(20 * time.Millisecond)
	if got := f.engine.AudioCursor(); got != frozen {
		t.Errorf("cursor advanced during pause: %v -> %v", frozen, got)
	}

	f.engine.Resume()
	waitFor(t, "device reacquired", func() bool { return f.opener.opens() == 2 })
	waitFor(t, "cursor advancing", func() bool { return f.engine.AudioCursor() > frozen })

	f.engine.Stop()
	awaitDone(t, f)

	// Entries flushed by the checkpoint are handed to Finalize too; the
	// store layer is responsible for not duplicating them on disk.
	if len(f.store.finals[0]) != 1 {
		t.Errorf("final save has %d entries, want 1", len(f.store.finals[0]))
	}
}

func TestPauseResumeKeepsLedgerIntact(t *testing.T) {
	f := newFixture()
	startStreaming(t, f)

	f.channel.emit(recognition.Event{
		Kind:   recognition.KindTranscript,
		Update: recognition.TranscriptUpdate{Text: "uno", IsFinal: true, Start: 0.0, End: 1.0},
	})
	waitFor(t, "entry applied", func() bool { return len(f.engine.Entries()) == 1 })

	f.engine.Pause()
	f.engine.Resume()

	if got := len(f.engine.Entries()); got != 1 {
		t.Errorf("ledger changed across pause/resume: %d entries", got)
	}

	f.engine.Stop()
	awaitDone(t, f)
}

func TestPauseAfterStopIsIgnored(t *testing.T) {
	f := newFixture()
	startStreaming(t, f)

	f.engine.Stop()
	f.engine.Pause()

	awaitDone(t, f)

	if len(f.store.checkpoints) != 0 {
		t.Error("Pause after Stop wrote a checkpoint")
	}
	if f.engine.State() != Completed {
		t.Errorf("State = %v, want Completed", f.engine.State())
	}
}

func TestStopWhilePaused(t *testing.T) {
	f := newFixture()
	startStreaming(t, f)

	f.engine.Pause()
	waitFor(t, "paused", func() bool { return f.engine.State() == Paused })

	f.engine.Stop()
	awaitDone(t, f)

	if f.engine.State() != Completed {
		t.Errorf("State = %v, want Completed", f.engine.State())
	}
	if f.store.finalizeCount() != 1 {
		t.Errorf("Finalize called %d times, want 1", f.store.finalizeCount())
	}
}

func TestUnexpectedStreamCloseFailsButSaves(t *testing.T) {
	f := newFixture()
	startStreaming(t, f)

	f.channel.emit(recognition.Event{
		Kind:   recognition.KindTranscript,
		Update: recognition.TranscriptUpdate{Text: "parziale", IsFinal: true, Start: 0.0, End: 0.5},
	})
	waitFor(t, "entry applied", func() bool { return len(f.engine.Entries()) == 1 })

	// Server drops the stream.
	f.channel.shutdown()

	awaitDone(t, f)

	if f.engine.Err() == nil {
		t.Error("Err() = nil after unexpected stream close")
	}
	if f.engine.State() != Completed {
		t.Errorf("State = %v, want Completed", f.engine.State())
	}
	if f.store.finalizeCount() != 1 {
		t.Fatalf("Finalize called %d times, want 1", f.store.finalizeCount())
	}
	if len(f.store.finals[0]) != 1 {
		t.Errorf("final save lost the captured entry: %d entries", len(f.store.finals[0]))
	}
}

func TestCaptureFailureFailsSession(t *testing.T) {
	f := newFixture()
	f.opener.openErr = errors.New("device unplugged")

	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	awaitDone(t, f)

	if f.engine.Err() == nil {
		t.Error("Err() = nil after capture open failure")
	}
	if f.engine.State() != Completed {
		t.Errorf("State = %v, want Completed", f.engine.State())
	}
	if f.store.finalizeCount() != 1 {
		t.Errorf("Finalize called %d times, want 1", f.store.finalizeCount())
	}
}

func TestDroppedFramesDoNotFailSession(t *testing.T) {
	f := newFixture()
	f.channel.sendErr = recognition.ErrSendBufferFull

	startStreaming(t, f)

	waitFor(t, "cursor advancing despite drops", func() bool { return f.engine.AudioCursor() > 0.1 })

	if f.engine.State() != Streaming {
		t.Errorf("State = %v, want Streaming", f.engine.State())
	}

	f.engine.Stop()
	awaitDone(t, f)

	if f.engine.Err() != nil {
		t.Errorf("Err() = %v, dropped frames are not fatal", f.engine.Err())
	}
}

func TestStartTwiceRejected(t *testing.T) {
	f := newFixture()
	startStreaming(t, f)

	if err := f.engine.Start(context.Background()); err == nil {
		t.Error("second Start accepted")
	}

	f.engine.Stop()
	awaitDone(t, f)
}

func TestStopDuringConnect(t *testing.T) {
	f := newFixture()
	f.channel.openGate = make(chan struct{})

	startErr := make(chan error, 1)
	go func() {
		startErr <- f.engine.Start(context.Background())
	}()

	waitFor(t, "connecting state", func() bool { return f.engine.State() == Connecting })

	f.engine.Stop()
	awaitDone(t, f)

	if f.engine.State() != Completed {
		t.Errorf("State = %v, want Completed", f.engine.State())
	}
	if f.store.finalizeCount() != 1 {
		t.Errorf("Finalize called %d times, want 1", f.store.finalizeCount())
	}

	// The dial finishes only now; the stream it opened must still be
	// released even though the session already completed.
	close(f.channel.openGate)

	select {
	case err := <-startErr:
		if err != nil {
			t.Fatalf("Start after stop-during-connect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after the dial completed")
	}

	waitFor(t, "channel closed", func() bool { return f.channel.isClosed() })

	if f.opener.opens() != 0 {
		t.Error("capture device acquired despite stop during connect")
	}
	if f.engine.Err() != nil {
		t.Errorf("Err() = %v, stop during connect is not a failure", f.engine.Err())
	}
}

func TestStopFromIdle(t *testing.T) {
	f := newFixture()

	f.engine.Stop()
	awaitDone(t, f)

	if f.engine.State() != Completed {
		t.Errorf("State = %v, want Completed", f.engine.State())
	}
}
