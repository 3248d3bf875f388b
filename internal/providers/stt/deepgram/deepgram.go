// Package deepgram adapts Deepgram's live transcription websocket to the
// SpeechProvider contract. The vendor emits native voice-activity signals, so
// the adapter forwards audio straight through and turns SpeechStarted /
// UtteranceEnd boundaries into utterance finalization.
package deepgram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/ruchi-nb/full-matata-sub000/internal/platform/errors"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers"
	"github.com/ruchi-nb/full-matata-sub000/internal/util"
)

const keepAliveInterval = 5 * time.Second

// Config carries vendor credentials and endpoint settings.
type Config struct {
	APIKey         string
	Endpoint       string
	Model          string
	UtteranceEndMS int
}

// Tuning controls finalization behaviour.
type Tuning struct {
	EndSpeechDebounce time.Duration
	MergeOverlapRatio float64
}

// serverMessage covers every live-transcription frame shape we consume.
type serverMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Adapter implements providers.SpeechProvider over one live vendor socket.
type Adapter struct {
	conn   *websocket.Conn
	tuning Tuning
	logger *logging.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	accumulated  string
	lastFragment string
	stopped      bool

	endDebounce util.ResettableTimer
	events      chan providers.Event
	done        chan struct{}
}

var _ providers.SpeechProvider = (*Adapter)(nil)

// Dial opens the live transcription socket and starts the reader and
// keepalive tasks. The reader lives until Stop or a vendor disconnect.
func Dial(ctx context.Context, cfg Config, language string, sampleRate int, multilingual bool, tuning Tuning, logger *logging.Logger) (*Adapter, error) {
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, errors.Wrap(errors.KindProvider, "dial", "parse endpoint", err)
	}

	if sampleRate <= 0 {
		sampleRate = 16000
	}
	query := endpoint.Query()
	query.Set("model", cfg.Model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(sampleRate))
	query.Set("interim_results", "true")
	query.Set("vad_events", "true")
	query.Set("punctuate", "true")
	query.Set("smart_format", "true")
	if cfg.UtteranceEndMS > 0 {
		query.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMS))
	}
	if multilingual {
		query.Set("language", "multi")
	} else if language != "" {
		query.Set("language", language)
	}
	endpoint.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+cfg.APIKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrap(errors.KindProvider, "dial",
				fmt.Sprintf("vendor handshake failed (%d)", resp.StatusCode), err)
		}
		return nil, errors.Wrap(errors.KindProvider, "dial", "vendor handshake failed", err)
	}

	a := &Adapter{
		conn:   conn,
		tuning: tuning,
		logger: logger,
		events: make(chan providers.Event, 16),
		done:   make(chan struct{}),
	}

	go a.readLoop()
	go a.keepAlive()

	return a, nil
}

func (a *Adapter) Events() <-chan providers.Event {
	return a.events
}

// Feed forwards one audio chunk to the live socket.
func (a *Adapter) Feed(ctx context.Context, chunk []byte) error {
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return errors.New(errors.KindProvider, "feed", "provider stopped")
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return errors.Wrap(errors.KindProvider, "feed", "forward audio", err)
	}
	return nil
}

// Flush asks the vendor to finalize pending audio and finalizes the
// accumulated utterance immediately so an explicit client flush never waits
// on a slow provider.
func (a *Adapter) Flush(ctx context.Context) error {
	a.writeControl(`{"type":"Finalize"}`)
	a.endDebounce.Cancel()
	a.finalizeUtterance()
	return nil
}

// Stop tears down the vendor socket and closes the event stream.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	a.endDebounce.Cancel()
	close(a.done)
	a.writeControl(`{"type":"CloseStream"}`)
	err := a.conn.Close()

	a.mu.Lock()
	close(a.events)
	a.mu.Unlock()
	return err
}

func (a *Adapter) writeControl(payload string) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = a.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// keepAlive pings the vendor so quiet stretches do not drop the socket.
func (a *Adapter) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.writeControl(`{"type":"KeepAlive"}`)
		case <-a.done:
			return
		}
	}
}

// readLoop owns the vendor socket for the connection lifetime.
func (a *Adapter) readLoop() {
	for {
		_, payload, err := a.conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			stopped := a.stopped
			a.mu.Unlock()
			if !stopped {
				a.logger.WarnTag("STT", "vendor stream closed: %v", err)
				a.emit(providers.Event{Kind: providers.EventError,
					Err: errors.Wrap(errors.KindProvider, "stream", "vendor stream closed", err)})
			}
			return
		}

		var msg serverMessage
		if err := sonic.Unmarshal(payload, &msg); err != nil {
			a.logger.DebugTag("STT", "unparseable vendor frame: %v", err)
			continue
		}

		switch msg.Type {
		case "SpeechStarted":
			a.handleSpeechStarted()
		case "UtteranceEnd":
			a.handleSpeechEnded()
		case "Results":
			a.handleResults(msg)
		}
	}
}

func (a *Adapter) handleSpeechStarted() {
	// Fresh speech cancels a pending finalize so a micro-pause does not split
	// the utterance. Accumulated text and merge state are kept so the vendor
	// can keep revising across the pause.
	a.endDebounce.Cancel()
	a.emit(providers.Event{Kind: providers.EventVAD, Signal: providers.SignalStartSpeech})
}

func (a *Adapter) handleSpeechEnded() {
	a.emit(providers.Event{Kind: providers.EventVAD, Signal: providers.SignalEndSpeech})
	a.endDebounce.Arm(a.tuning.EndSpeechDebounce, a.finalizeUtterance)
}

func (a *Adapter) handleResults(msg serverMessage) {
	var fragment string
	if len(msg.Channel.Alternatives) > 0 {
		fragment = strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
	}

	if fragment != "" {
		a.mu.Lock()
		a.accumulated, a.lastFragment = mergeFragment(a.accumulated, a.lastFragment, fragment, a.tuning.MergeOverlapRatio)
		interim := a.accumulated
		a.mu.Unlock()
		a.emit(providers.Event{Kind: providers.EventInterim, Text: interim})
	}

	if msg.SpeechFinal {
		a.handleSpeechEnded()
	}
}

// finalizeUtterance emits one final event for the accumulated text and resets
// merge state.
func (a *Adapter) finalizeUtterance() {
	a.mu.Lock()
	text := strings.TrimSpace(a.accumulated)
	a.accumulated = ""
	a.lastFragment = ""
	a.mu.Unlock()

	if text == "" {
		return
	}
	a.emit(providers.Event{Kind: providers.EventFinal, Text: text})
}

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

// mergeFragment folds a new vendor fragment into the accumulated utterance.
// Vendors re-state the utterance-so-far while revising earlier words, so a
// fragment that covers most of the previous one (prefix or boundary overlap
// of at least ratio of its length) replaces it in place; otherwise the
// fragment is a new trailing segment and is appended, unless the accumulated
// text already ends with it. The ratio is a tunable heuristic, not a
// guarantee for every revision pattern.
func mergeFragment(accumulated, previous, fragment string, ratio float64) (string, string) {
	if fragment == "" {
		return accumulated, previous
	}
	if accumulated == "" || previous == "" {
		if strings.HasSuffix(accumulated, fragment) {
			return accumulated, previous
		}
		return joinFragments(accumulated, fragment), fragment
	}

	if strings.HasPrefix(fragment, previous) {
		// Cumulative restatement: the fragment extends the previous one.
		base := strings.TrimSuffix(accumulated, previous)
		return strings.TrimSpace(base + fragment), fragment
	}

	overlap := overlapLength(previous, fragment)
	if float64(overlap) >= ratio*float64(len(previous)) {
		// The fragment revises the previous one; replace it in place.
		base := strings.TrimSuffix(accumulated, previous)
		return strings.TrimSpace(base + fragment), fragment
	}

	if strings.HasSuffix(accumulated, fragment) {
		// Duplicate delivery of the trailing segment.
		return accumulated, previous
	}

	return joinFragments(accumulated, fragment), fragment
}

func joinFragments(accumulated, fragment string) string {
	if accumulated == "" {
		return fragment
	}
	return accumulated + " " + fragment
}

// overlapLength finds the longest suffix of previous that prefixes fragment.
func overlapLength(previous, fragment string) int {
	max := len(previous)
	if len(fragment) < max {
		max = len(fragment)
	}
	for k := max; k > 0; k-- {
		if previous[len(previous)-k:] == fragment[:k] {
			return k
		}
	}
	return 0
}
