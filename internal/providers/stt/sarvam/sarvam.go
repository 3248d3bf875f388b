// Package sarvam adapts Sarvam's one-shot speech-to-text API to the streaming
// SpeechProvider contract. The vendor has no native voice activity detection,
// so the adapter buffers chunks, debounces transcription, and substitutes an
// idle timer for end-of-speech detection.
package sarvam

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/ruchi-nb/full-matata-sub000/internal/audio"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/errors"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers"
	"github.com/ruchi-nb/full-matata-sub000/internal/util"

	"github.com/bytedance/sonic"
)

// Config carries vendor credentials and endpoint settings.
type Config struct {
	APIKey   string
	Endpoint string
	Model    string
}

// Tuning controls the buffering and finalization heuristics.
type Tuning struct {
	Debounce           time.Duration
	IdleFinalize       time.Duration
	BufferCap          int
	MinTranscribeBytes int
	GrowthThreshold    int
	GrowthInterval     time.Duration
}

// Client performs one-shot transcriptions against the Sarvam REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *logging.Logger
}

var _ providers.Transcriber = (*Client)(nil)

func NewClient(cfg Config, logger *logging.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = "saarika:v2"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

type transcribeResponse struct {
	Transcript   string `json:"transcript"`
	LanguageCode string `json:"language_code"`
	RequestID    string `json:"request_id"`
}

// Transcribe sends one utterance blob for recognition. Headerless PCM is
// wrapped in a minimal WAV container first.
func (c *Client) Transcribe(ctx context.Context, data []byte, language string, multilingual bool) (string, error) {
	if len(data) == 0 {
		return "", nil
	}

	wav := audio.WrapPCM(data, 16000, 1)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", errors.Wrap(errors.KindProvider, "transcribe", "build multipart body", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", errors.Wrap(errors.KindProvider, "transcribe", "write audio part", err)
	}

	_ = writer.WriteField("model", c.cfg.Model)
	langCode := language
	if multilingual || langCode == "" {
		langCode = "unknown"
	}
	_ = writer.WriteField("language_code", langCode)
	if err := writer.Close(); err != nil {
		return "", errors.Wrap(errors.KindProvider, "transcribe", "close multipart body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, &body)
	if err != nil {
		return "", errors.Wrap(errors.KindProvider, "transcribe", "build request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("api-subscription-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.Wrap(errors.KindProvider, "transcribe", "request timed out", ctx.Err())
		}
		return "", errors.Wrap(errors.KindProvider, "transcribe", "request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(errors.KindProvider, "transcribe", "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.New(errors.KindProvider, "transcribe",
			fmt.Sprintf("vendor returned %d: %s", resp.StatusCode, truncate(payload, 200)))
	}

	var parsed transcribeResponse
	if err := sonic.Unmarshal(payload, &parsed); err != nil {
		return "", errors.Wrap(errors.KindProvider, "transcribe", "decode response", err)
	}
	return parsed.Transcript, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Adapter implements providers.SpeechProvider on top of Client.
type Adapter struct {
	client       *Client
	tuning       Tuning
	language     string
	multilingual bool
	logger       *logging.Logger

	mu             sync.Mutex
	buffer         []byte
	transcribedLen int
	lastTranscribe time.Time
	lastInterim    string
	stopped        bool

	debounce util.ResettableTimer
	idle     util.ResettableTimer

	events chan providers.Event
}

var _ providers.SpeechProvider = (*Adapter)(nil)

func NewAdapter(client *Client, tuning Tuning, language string, multilingual bool, logger *logging.Logger) *Adapter {
	return &Adapter{
		client:       client,
		tuning:       tuning,
		language:     language,
		multilingual: multilingual,
		logger:       logger,
		events:       make(chan providers.Event, 16),
	}
}

func (a *Adapter) Events() <-chan providers.Event {
	return a.events
}

// Feed appends a chunk to the bounded buffer and re-arms the debounce timer.
// New audio always cancels a pending idle finalize.
func (a *Adapter) Feed(ctx context.Context, chunk []byte) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return errors.New(errors.KindProvider, "feed", "provider stopped")
	}

	a.buffer = append(a.buffer, chunk...)
	if len(a.buffer) > a.tuning.BufferCap {
		// Keep only the most recent window.
		excess := len(a.buffer) - a.tuning.BufferCap
		a.buffer = a.buffer[excess:]
		if a.transcribedLen > excess {
			a.transcribedLen -= excess
		} else {
			a.transcribedLen = 0
		}
	}
	a.mu.Unlock()

	a.idle.Cancel()
	a.debounce.Arm(a.tuning.Debounce, func() {
		a.transcribeInterim()
	})
	return nil
}

// transcribeInterim runs after the debounce window quiets down. It skips work
// unless the buffer grew enough (bytes or elapsed time) since the last
// successful transcription and exceeds the minimum payload size.
func (a *Adapter) transcribeInterim() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	size := len(a.buffer)
	growth := size - a.transcribedLen
	elapsed := time.Since(a.lastTranscribe)
	if size < a.tuning.MinTranscribeBytes {
		a.mu.Unlock()
		return
	}
	if growth < a.tuning.GrowthThreshold && elapsed < a.tuning.GrowthInterval {
		a.mu.Unlock()
		return
	}
	snapshot := make([]byte, size)
	copy(snapshot, a.buffer)
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text, err := a.client.Transcribe(ctx, snapshot, a.language, a.multilingual)
	if err != nil {
		a.logger.WarnTag("STT", "interim transcription failed: %v", err)
		return
	}
	if text == "" {
		return
	}

	a.mu.Lock()
	a.transcribedLen = size
	a.lastTranscribe = time.Now()
	a.lastInterim = text
	a.mu.Unlock()

	a.emit(providers.Event{Kind: providers.EventInterim, Text: text})

	// No further chunk growth before this fires means the utterance ended in
	// silence; finalize without waiting for the client.
	a.idle.Arm(a.tuning.IdleFinalize, func() {
		a.finalize("")
	})
}

// Flush forces immediate finalization of buffered audio.
func (a *Adapter) Flush(ctx context.Context) error {
	a.debounce.Cancel()
	a.idle.Cancel()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return errors.New(errors.KindProvider, "flush", "provider stopped")
	}
	size := len(a.buffer)
	snapshot := make([]byte, size)
	copy(snapshot, a.buffer)
	a.mu.Unlock()

	if size >= a.tuning.MinTranscribeBytes {
		text, err := a.client.Transcribe(ctx, snapshot, a.language, a.multilingual)
		if err != nil {
			a.emit(providers.Event{Kind: providers.EventError, Err: err})
			return nil
		}
		a.finalize(text)
		return nil
	}

	// Too little fresh audio to transcribe; fall back to the last interim.
	a.finalize("")
	return nil
}

// finalize emits exactly one final event and resets buffering state. An empty
// text argument means "use the last interim transcript".
func (a *Adapter) finalize(text string) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	if text == "" {
		text = a.lastInterim
	}
	a.buffer = a.buffer[:0]
	a.transcribedLen = 0
	a.lastInterim = ""
	a.mu.Unlock()

	if text == "" {
		return
	}
	a.emit(providers.Event{Kind: providers.EventFinal, Text: text})
}

// Stop cancels timers, clears buffers and closes the event stream.
func (a *Adapter) Stop() error {
	a.debounce.Cancel()
	a.idle.Cancel()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.buffer = nil
	a.transcribedLen = 0
	a.lastInterim = ""
	close(a.events)
	a.mu.Unlock()
	return nil
}

// emit delivers an event without blocking the audio path. The session drains
// promptly, so a full channel only happens when the consumer is gone.
func (a *Adapter) emit(event providers.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	select {
	case a.events <- event:
	default:
		a.logger.WarnTag("STT", "event channel full, dropping %d", event.Kind)
	}
}
