package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrSendBufferFull is returned by Send when the outbound queue is full.
// The frame is dropped; streaming continues.
var ErrSendBufferFull = errors.New("recognition send buffer full, frame dropped")

// ErrNotOpen is returned by Send before Open has succeeded.
var ErrNotOpen = errors.New("recognition channel not open")

// Options configures a Deepgram live transcription channel.
type Options struct {
	URL            string
	APIKey         string
	Language       string
	Model          string
	SampleRate     int
	Channels       int
	Translate      bool
	UtteranceEndMs int
	OpenTimeout    time.Duration
	CloseTimeout   time.Duration
	SendBufferSize int
}

// Deepgram streams raw PCM frames to the Deepgram live API over a websocket
// and funnels all inbound messages into a single ordered event channel.
// Events for one utterance are delivered in the order the service sent them.
type Deepgram struct {
	opts      Options
	logger    *slog.Logger
	requestID string

	// mu guards conn, which Open sets while Close and Send may already be
	// racing it when the session is stopped mid-dial.
	mu   sync.Mutex
	conn *websocket.Conn

	events chan Event
	out    chan []byte

	stopWriter chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// NewDeepgram creates an unopened channel.
func NewDeepgram(opts Options, logger *slog.Logger) *Deepgram {
	if opts.SendBufferSize < 1 {
		opts.SendBufferSize = 64
	}
	return &Deepgram{
		opts:      opts,
		logger:    logger,
		requestID: uuid.NewString(),
		events:    make(chan Event, 64),
		out:       make(chan []byte, opts.SendBufferSize),

		stopWriter: make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// streamURL builds the live endpoint URL with the session parameters the
// service contract requires.
func (d *Deepgram) streamURL() (string, error) {
	u, err := url.Parse(d.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid recognition url %q: %w", d.opts.URL, err)
	}

	q := u.Query()
	q.Set("language", d.opts.Language)
	q.Set("model", d.opts.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.opts.SampleRate))
	q.Set("channels", strconv.Itoa(d.opts.Channels))
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", strconv.Itoa(d.opts.UtteranceEndMs))
	if d.opts.Translate {
		q.Set("translate", "true")
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Open establishes the websocket stream and starts the reader and writer
// goroutines. An Opened event is emitted on success.
func (d *Deepgram) Open(ctx context.Context) error {
	streamURL, err := d.streamURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+d.opts.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: d.opts.OpenTimeout}
	conn, _, err := dialer.DialContext(ctx, streamURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to recognition service: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	d.logger.Info("Recognition stream opened",
		slog.String("request_id", d.requestID),
		slog.String("language", d.opts.Language),
		slog.String("model", d.opts.Model),
		slog.Bool("translate", d.opts.Translate),
	)

	go d.writeLoop()
	go d.readLoop()

	d.events <- Event{Kind: KindOpened}
	return nil
}

// Send enqueues one PCM frame. It never blocks the capture loop: when the
// outbound queue is full the frame is dropped and ErrSendBufferFull returned.
func (d *Deepgram) Send(frame []byte) error {
	d.mu.Lock()
	open := d.conn != nil
	d.mu.Unlock()
	if !open {
		return ErrNotOpen
	}

	select {
	case d.out <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Events returns the ordered inbound event queue. The channel is closed
// after the final Closed event.
func (d *Deepgram) Events() <-chan Event {
	return d.events
}

// Close signals end-of-stream and waits for the service to close the
// websocket, up to the configured timeout, before force-closing.
// It is safe to call multiple times. A Close before the dial finished is a
// no-op that leaves the channel closable again once Open succeeds, so a
// session stopped mid-connect can still release the stream.
func (d *Deepgram) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil
	}

	d.closeOnce.Do(func() {
		close(d.stopWriter)
		<-d.writerDone

		select {
		case <-d.readerDone:
		case <-time.After(d.opts.CloseTimeout):
			d.logger.Warn("Recognition stream did not close in time, forcing",
				slog.String("request_id", d.requestID),
				slog.Duration("timeout", d.opts.CloseTimeout),
			)
		}

		d.closeErr = conn.Close()
	})

	return d.closeErr
}

// writeLoop owns all writes on the websocket. It forwards queued frames
// and, on shutdown, drains the queue and sends the end-of-stream message.
func (d *Deepgram) writeLoop() {
	defer close(d.writerDone)

	for {
		select {
		case frame := <-d.out:
			if err := d.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					d.logger.Warn("Failed to send audio frame",
						slog.String("request_id", d.requestID),
						slog.String("error", err.Error()),
					)
				}
				return
			}

		case <-d.stopWriter:
			for {
				select {
				case frame := <-d.out:
					_ = d.conn.WriteMessage(websocket.BinaryMessage, frame)
					continue
				default:
				}
				break
			}

			closeMsg, _ := json.Marshal(map[string]string{"type": "CloseStream"})
			_ = d.conn.WriteMessage(websocket.TextMessage, closeMsg)
			return
		}
	}
}

// readLoop owns all reads. Every inbound message is decoded and pushed onto
// the single event queue, preserving arrival order. It closes the queue
// after emitting the final Closed event.
func (d *Deepgram) readLoop() {
	defer close(d.readerDone)
	defer close(d.events)

	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				d.events <- Event{Kind: KindError, Err: fmt.Errorf("recognition stream error: %w", err)}
			}
			d.events <- Event{Kind: KindClosed}
			return
		}

		event, ok, err := parseMessage(data)
		if err != nil {
			d.logger.Warn("Failed to parse recognition message",
				slog.String("request_id", d.requestID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}

		d.events <- event
	}
}

// Wire message shapes for the Deepgram live API. UtteranceEnd reuses the
// "channel" key for an index pair, so each type decodes separately.
type dgResults struct {
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []dgAlternative `json:"alternatives"`
	} `json:"channel"`
}

type dgAlternative struct {
	Transcript  string `json:"transcript"`
	Translation *struct {
		Text string `json:"text"`
	} `json:"translation"`
}

type dgUtteranceEnd struct {
	LastWordEnd float64 `json:"last_word_end"`
}

type dgError struct {
	Description string `json:"description"`
	Message     string `json:"message"`
}

// parseMessage decodes one service message into an Event. ok is false for
// message types the engine does not consume (Metadata, SpeechStarted).
func parseMessage(data []byte) (Event, bool, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Event{}, false, fmt.Errorf("malformed message: %w", err)
	}

	switch probe.Type {
	case "Results":
		var msg dgResults
		if err := json.Unmarshal(data, &msg); err != nil {
			return Event{}, false, fmt.Errorf("malformed results message: %w", err)
		}
		if len(msg.Channel.Alternatives) == 0 {
			return Event{}, false, nil
		}

		alt := msg.Channel.Alternatives[0]
		update := TranscriptUpdate{
			Text:    alt.Transcript,
			IsFinal: msg.IsFinal,
			Start:   msg.Start,
			End:     msg.Start + msg.Duration,
		}
		if alt.Translation != nil {
			update.Translation = alt.Translation.Text
		}
		return Event{Kind: KindTranscript, Update: update}, true, nil

	case "UtteranceEnd":
		var msg dgUtteranceEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return Event{}, false, fmt.Errorf("malformed utterance end message: %w", err)
		}
		return Event{Kind: KindUtteranceEnd, Offset: msg.LastWordEnd}, true, nil

	case "Error":
		var msg dgError
		if err := json.Unmarshal(data, &msg); err != nil {
			return Event{}, false, fmt.Errorf("malformed error message: %w", err)
		}
		detail := msg.Description
		if detail == "" {
			detail = msg.Message
		}
		return Event{Kind: KindError, Err: fmt.Errorf("recognition service error: %s", detail)}, true, nil

	default:
		// Metadata, SpeechStarted and anything newer are not consumed.
		return Event{}, false, nil
	}
}
